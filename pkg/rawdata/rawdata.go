// Package rawdata loads the binary payloads of a ParaVision dataset: the
// k-space "fid" and the reconstructed "2dseq". The expected size, element
// type and byte order all come from the parameter files.
package rawdata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"

	log "github.com/sirupsen/logrus"

	"pvnifti/internal/models"
	"pvnifti/pkg/jcamp"
)

// kBlock is the padding unit of Standard_KBlock_Format acquisitions.
const kBlock = 1024

// SizeMismatchError reports a payload whose size disagrees with the
// geometry declared by the parameters.
type SizeMismatchError struct {
	Kind     models.Kind
	Path     string
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("rawdata: %s %s: expected %d bytes, found %d", e.Kind, e.Path, e.Expected, e.Actual)
}

// Is makes SizeMismatchError match models.ErrSizeMismatch.
func (e *SizeMismatchError) Is(target error) bool {
	return target == models.ErrSizeMismatch
}

// Layout is the on-disk arrangement of a payload.
type Layout struct {
	Shape     []int
	DataType  models.DataType
	ByteOrder binary.ByteOrder
	// Stride is the on-disk byte length of one line along the first axis
	Stride int
}

// ByteLen returns the expected payload size in bytes.
func (l Layout) ByteLen() int64 {
	if len(l.Shape) == 0 {
		return 0
	}
	return int64(l.Stride) * int64(models.Product(l.Shape[1:]))
}

// LayoutFor resolves the layout of kind from its parameter set: visu_pars
// for images, acqp for k-space.
func LayoutFor(ps *jcamp.ParameterSet, kind models.Kind) (Layout, error) {
	switch kind {
	case models.Image:
		return imageLayout(ps)
	case models.KSpace:
		return kspaceLayout(ps)
	}
	return Layout{}, fmt.Errorf("rawdata: unknown kind %v", kind)
}

func imageLayout(visu *jcamp.ParameterSet) (Layout, error) {
	size, err := visu.Ints("VisuCoreSize")
	if err != nil {
		return Layout{}, err
	}
	if len(size) == 0 {
		return Layout{}, fmt.Errorf("%w: VisuCoreSize is empty", models.ErrShape)
	}
	frames, err := visu.IntOr("VisuCoreFrameCount", 1)
	if err != nil {
		return Layout{}, err
	}
	word, err := visu.String("VisuCoreWordType")
	if err != nil {
		return Layout{}, err
	}
	dt, err := ParseWordType(word)
	if err != nil {
		return Layout{}, err
	}
	order, err := visu.String("VisuCoreByteOrder")
	if err != nil {
		return Layout{}, err
	}
	bo, err := ParseByteOrder(order)
	if err != nil {
		return Layout{}, err
	}

	shape := append([]int(nil), size...)
	if frames > 1 || len(shape) < 3 {
		shape = append(shape, frames)
	}
	if err := checkShape(shape); err != nil {
		return Layout{}, err
	}
	return Layout{
		Shape:     shape,
		DataType:  dt,
		ByteOrder: bo,
		Stride:    shape[0] * dt.Size(),
	}, nil
}

func kspaceLayout(acqp *jcamp.ParameterSet) (Layout, error) {
	size, err := acqp.Ints("ACQ_size")
	if err != nil {
		return Layout{}, err
	}
	if len(size) == 0 {
		return Layout{}, fmt.Errorf("%w: ACQ_size is empty", models.ErrShape)
	}
	ni, err := acqp.IntOr("NI", 1)
	if err != nil {
		return Layout{}, err
	}
	nr, err := acqp.IntOr("NR", 1)
	if err != nil {
		return Layout{}, err
	}
	format, err := acqp.String("GO_raw_data_format")
	if err != nil {
		return Layout{}, err
	}
	dt, err := ParseWordType(format)
	if err != nil {
		return Layout{}, err
	}
	order, err := acqp.String("BYTORDA")
	if err != nil {
		return Layout{}, err
	}
	bo, err := ParseByteOrder(order)
	if err != nil {
		return Layout{}, err
	}

	shape := []int{size[0], ni}
	shape = append(shape, size[1:]...)
	shape = append(shape, nr)
	if err := checkShape(shape); err != nil {
		return Layout{}, err
	}

	stride := shape[0] * dt.Size()
	if acqp.Has("GO_block_size") {
		block, err := acqp.String("GO_block_size")
		if err != nil {
			return Layout{}, err
		}
		if block == "Standard_KBlock_Format" && stride%kBlock != 0 {
			stride = (stride/kBlock + 1) * kBlock
		}
	}
	return Layout{Shape: shape, DataType: dt, ByteOrder: bo, Stride: stride}, nil
}

func checkShape(shape []int) error {
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension in %v", models.ErrShape, shape)
		}
	}
	return nil
}

// ParseWordType maps a ParaVision word type (VisuCoreWordType, RECO_wordtype
// or GO_raw_data_format) to a DataType.
func ParseWordType(s string) (models.DataType, error) {
	switch s {
	case "_8BIT_UNSGN_INT", "GO_8BIT_UNSGN_INT":
		return models.Uint8, nil
	case "_8BIT_SGN_INT", "GO_8BIT_SGN_INT":
		return models.Int8, nil
	case "_16BIT_SGN_INT", "GO_16BIT_SGN_INT":
		return models.Int16, nil
	case "_32BIT_SGN_INT", "GO_32BIT_SGN_INT":
		return models.Int32, nil
	case "_32BIT_FLOAT", "GO_32BIT_FLOAT":
		return models.Float32, nil
	case "_64BIT_FLOAT", "GO_64BIT_FLOAT":
		return models.Float64, nil
	}
	return models.Unknown, &jcamp.ParseError{Msg: fmt.Sprintf("unknown word type %q", s)}
}

// ParseByteOrder maps VisuCoreByteOrder / BYTORDA values.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "littleEndian", "little":
		return binary.LittleEndian, nil
	case "bigEndian", "big":
		return binary.BigEndian, nil
	}
	return nil, &jcamp.ParseError{Msg: fmt.Sprintf("unknown byte order %q", s)}
}

// Load reads the payload of kind at path, checking its size against ps.
// The file is closed before Load returns.
func Load(ps *jcamp.ParameterSet, kind models.Kind, path string) (*models.RawDataset, error) {
	layout, err := LayoutFor(ps, kind)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat %s: %v", models.ErrIO, path, err)
	}

	raw, err := Read(f, stat.Size(), layout, kind)
	if err != nil {
		var sm *SizeMismatchError
		if errors.As(err, &sm) {
			sm.Path = path
		}
		return nil, err
	}

	log.WithFields(log.Fields{
		"file":     path,
		"kind":     kind,
		"shape":    layout.Shape,
		"dataType": layout.DataType,
	}).Debug("Loaded binary payload")

	return raw, nil
}

// Read reads a payload of the given size from r.
func Read(r io.Reader, size int64, layout Layout, kind models.Kind) (*models.RawDataset, error) {
	if want := layout.ByteLen(); size != want {
		return nil, &SizeMismatchError{Kind: kind, Expected: want, Actual: size}
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrIO, err)
	}

	return &models.RawDataset{
		Kind:      kind,
		Shape:     append([]int(nil), layout.Shape...),
		DataType:  layout.DataType,
		ByteOrder: layout.ByteOrder,
		Stride:    layout.Stride,
		Data:      data,
	}, nil
}

// Decode converts every logical element to float64, skipping line padding.
func Decode(raw *models.RawDataset) ([]float64, error) {
	size := raw.DataType.Size()
	if size == 0 {
		return nil, fmt.Errorf("rawdata: cannot decode %v", raw.DataType)
	}
	if len(raw.Shape) == 0 {
		return nil, nil
	}

	lineLen := raw.Shape[0]
	lines := models.Product(raw.Shape[1:])
	if int64(raw.Stride)*int64(lines) > int64(len(raw.Data)) || raw.Stride < lineLen*size {
		return nil, &SizeMismatchError{
			Kind:     raw.Kind,
			Expected: int64(raw.Stride) * int64(lines),
			Actual:   int64(len(raw.Data)),
		}
	}

	out := make([]float64, 0, lineLen*lines)
	for l := 0; l < lines; l++ {
		line := raw.Data[l*raw.Stride:]
		for i := 0; i < lineLen; i++ {
			out = append(out, decodeOne(line[i*size:], raw.DataType, raw.ByteOrder))
		}
	}
	return out, nil
}

// DecodeComplex pairs interleaved real/imaginary samples of a k-space
// payload.
func DecodeComplex(raw *models.RawDataset) ([]complex128, error) {
	if len(raw.Shape) == 0 || raw.Shape[0]%2 != 0 {
		return nil, fmt.Errorf("%w: first axis %v is not interleaved complex", models.ErrShape, raw.Shape)
	}
	vals, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	out := make([]complex128, len(vals)/2)
	for i := range out {
		out[i] = complex(vals[2*i], vals[2*i+1])
	}
	return out, nil
}

func decodeOne(b []byte, dt models.DataType, order binary.ByteOrder) float64 {
	switch dt {
	case models.Int8:
		return float64(int8(b[0]))
	case models.Uint8:
		return float64(b[0])
	case models.Int16:
		return float64(int16(order.Uint16(b)))
	case models.Uint16:
		return float64(order.Uint16(b))
	case models.Int32:
		return float64(int32(order.Uint32(b)))
	case models.Uint32:
		return float64(order.Uint32(b))
	case models.Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case models.Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}
