package rawdata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"pvnifti/internal/models"
	"pvnifti/pkg/jcamp"
)

func params(t *testing.T, src string) *jcamp.ParameterSet {
	t.Helper()
	ps, err := jcamp.Parse(strings.NewReader(src), "test")
	if err != nil {
		t.Fatalf("Failed to parse fixture parameters: %v", err)
	}
	return ps
}

const floatVisu = `##$VisuCoreSize=( 3 )
64 64 30
##$VisuCoreFrameCount=1
##$VisuCoreWordType=_32BIT_FLOAT
##$VisuCoreByteOrder=littleEndian
`

// TestLoadSizeMismatch reports a 2dseq that is 10 bytes short.
func TestLoadSizeMismatch(t *testing.T) {
	ps := params(t, floatVisu)
	path := filepath.Join(t.TempDir(), "2dseq")
	if err := os.WriteFile(path, make([]byte, 64*64*30*4-10), 0644); err != nil {
		t.Fatalf("Failed to write payload: %v", err)
	}

	_, err := Load(ps, models.Image, path)
	if !errors.Is(err, models.ErrSizeMismatch) {
		t.Fatalf("Expected ErrSizeMismatch, got %v", err)
	}
	var sm *SizeMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("Expected *SizeMismatchError, got %T", err)
	}
	if sm.Expected != 64*64*30*4 || sm.Actual != 64*64*30*4-10 || sm.Path != path {
		t.Errorf("Unexpected mismatch details: %+v", sm)
	}
}

// TestLoadImage reads a correctly sized float payload.
func TestLoadImage(t *testing.T) {
	ps := params(t, floatVisu)
	n := 64 * 64 * 30
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		binary.Write(&buf, binary.LittleEndian, float32(i)*0.5)
	}
	path := filepath.Join(t.TempDir(), "2dseq")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write payload: %v", err)
	}

	raw, err := Load(ps, models.Image, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(raw.Shape, []int{64, 64, 30}) || raw.DataType != models.Float32 {
		t.Fatalf("Unexpected geometry: %v %v", raw.Shape, raw.DataType)
	}

	vals, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(vals) != n || vals[0] != 0 || vals[n-1] != float64(n-1)*0.5 {
		t.Errorf("Decoded values wrong: len=%d first=%f last=%f", len(vals), vals[0], vals[n-1])
	}
}

// TestLoadMissing surfaces ErrNotFound.
func TestLoadMissing(t *testing.T) {
	ps := params(t, floatVisu)
	_, err := Load(ps, models.Image, filepath.Join(t.TempDir(), "2dseq"))
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestDecodeBigEndian honours the declared byte order without conversion
// of the stored bytes.
func TestDecodeBigEndian(t *testing.T) {
	ps := params(t, `##$VisuCoreSize=( 2 )
2 2
##$VisuCoreWordType=_16BIT_SGN_INT
##$VisuCoreByteOrder=bigEndian
`)
	layout, err := LayoutFor(ps, models.Image)
	if err != nil {
		t.Fatalf("LayoutFor failed: %v", err)
	}
	if !reflect.DeepEqual(layout.Shape, []int{2, 2, 1}) {
		t.Errorf("2D single frame should be promoted to 3D, got %v", layout.Shape)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, []int16{-2, 1, 300, -32768})
	stored := append([]byte(nil), buf.Bytes()...)

	raw, err := Read(bytes.NewReader(buf.Bytes()), int64(buf.Len()), layout, models.Image)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(raw.Data, stored) {
		t.Errorf("Payload bytes were altered")
	}
	vals, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(vals, []float64{-2, 1, 300, -32768}) {
		t.Errorf("Unexpected values %v", vals)
	}
}

// TestKSpaceBlockPadding strips the 1 KiB line padding of
// Standard_KBlock_Format acquisitions.
func TestKSpaceBlockPadding(t *testing.T) {
	ps := params(t, `##$ACQ_size=( 2 )
6 4
##$NI=2
##$NR=1
##$GO_raw_data_format=GO_32BIT_SGN_INT
##$BYTORDA=little
##$GO_block_size=Standard_KBlock_Format
`)
	layout, err := LayoutFor(ps, models.KSpace)
	if err != nil {
		t.Fatalf("LayoutFor failed: %v", err)
	}
	if layout.Stride != 1024 {
		t.Fatalf("Expected padded stride 1024, got %d", layout.Stride)
	}
	if !reflect.DeepEqual(layout.Shape, []int{6, 2, 4, 1}) {
		t.Fatalf("Unexpected k-space shape %v", layout.Shape)
	}

	lines := 2 * 4
	data := make([]byte, 1024*lines)
	for l := 0; l < lines; l++ {
		for i := 0; i < 6; i++ {
			binary.LittleEndian.PutUint32(data[l*1024+i*4:], uint32(int32(l*10+i)))
		}
	}
	raw, err := Read(bytes.NewReader(data), int64(len(data)), layout, models.KSpace)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	ks, err := DecodeComplex(raw)
	if err != nil {
		t.Fatalf("DecodeComplex failed: %v", err)
	}
	if len(ks) != 3*lines {
		t.Fatalf("Expected %d samples, got %d", 3*lines, len(ks))
	}
	if ks[4] != complex(12, 13) {
		t.Errorf("Expected second line second sample 12+13i, got %v", ks[4])
	}

	short := data[:len(data)-1]
	if _, err := Read(bytes.NewReader(short), int64(len(short)), layout, models.KSpace); !errors.Is(err, models.ErrSizeMismatch) {
		t.Errorf("Expected ErrSizeMismatch for truncated fid, got %v", err)
	}
}

// TestEmptySize rejects an empty size record instead of indexing it.
func TestEmptySize(t *testing.T) {
	acqp := params(t, `##$ACQ_size=
##$NI=2
##$GO_raw_data_format=GO_32BIT_SGN_INT
##$BYTORDA=little
`)
	if _, err := LayoutFor(acqp, models.KSpace); !errors.Is(err, models.ErrShape) {
		t.Errorf("Expected ErrShape for empty ACQ_size, got %v", err)
	}

	visu := params(t, `##$VisuCoreSize=
##$VisuCoreWordType=_16BIT_SGN_INT
##$VisuCoreByteOrder=littleEndian
`)
	if _, err := LayoutFor(visu, models.Image); !errors.Is(err, models.ErrShape) {
		t.Errorf("Expected ErrShape for empty VisuCoreSize, got %v", err)
	}
}

// TestWordTypes covers the word type table.
func TestWordTypes(t *testing.T) {
	cases := map[string]models.DataType{
		"_8BIT_UNSGN_INT":  models.Uint8,
		"_16BIT_SGN_INT":   models.Int16,
		"GO_32BIT_SGN_INT": models.Int32,
		"_32BIT_FLOAT":     models.Float32,
	}
	for in, want := range cases {
		got, err := ParseWordType(in)
		if err != nil || got != want {
			t.Errorf("ParseWordType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseWordType("_12BIT"); !errors.Is(err, models.ErrParse) {
		t.Errorf("Expected ErrParse for unknown word type, got %v", err)
	}
	if v := decodeOne([]byte{0, 0, 0xc0, 0x7f}, models.Float32, binary.LittleEndian); !math.IsNaN(v) {
		t.Errorf("Expected NaN, got %f", v)
	}
}
