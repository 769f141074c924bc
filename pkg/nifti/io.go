package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"pvnifti/internal/models"
	"pvnifti/pkg/rawdata"
)

// Encode writes h, an empty extension block and vol converted to h's
// datatype. Integer types are rounded and saturated; NaN becomes zero.
func Encode(w io.Writer, h *Header, vol *models.Volume) error {
	dt := h.ElemType()
	if dt == models.Unknown {
		return fmt.Errorf("nifti: unsupported datatype code %d", h.Datatype)
	}
	if n := models.Product(h.Shape()); n != len(vol.Data) {
		return fmt.Errorf("%w: header describes %d voxels, volume has %d", models.ErrShape, n, len(vol.Data))
	}

	if h.Magic != magicSingle {
		return fmt.Errorf("nifti: header magic %v is not a single-file image", h.Magic)
	}
	// Data never starts inside the header or the extension flag, as in ReadFile.
	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	// No extensions
	pad := make([]byte, offset-minHeaderSize)
	if _, err := bw.Write(pad); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}

	size := dt.Size()
	buf := make([]byte, size)
	for _, v := range vol.Data {
		encodeOne(buf, v, dt, binary.LittleEndian)
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("%w: %v", models.ErrIO, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	return nil
}

func saturate(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func encodeOne(b []byte, v float64, dt models.DataType, order binary.ByteOrder) {
	switch dt {
	case models.Int8:
		b[0] = byte(int8(saturate(v, math.MinInt8, math.MaxInt8)))
	case models.Uint8:
		b[0] = uint8(saturate(v, 0, math.MaxUint8))
	case models.Int16:
		order.PutUint16(b, uint16(int16(saturate(v, math.MinInt16, math.MaxInt16))))
	case models.Uint16:
		order.PutUint16(b, uint16(saturate(v, 0, math.MaxUint16)))
	case models.Int32:
		order.PutUint32(b, uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
	case models.Uint32:
		order.PutUint32(b, uint32(saturate(v, 0, math.MaxUint32)))
	case models.Float32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case models.Float64:
		order.PutUint64(b, math.Float64bits(v))
	}
}

// WriteFile encodes to path, gzip-compressed when it ends in .gz.
func WriteFile(path string, h *Header, vol *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	log.WithFields(log.Fields{
		"path":     path,
		"dims":     h.Shape(),
		"datatype": h.ElemType(),
		"gzip":     gz != nil,
	}).Debug("Writing NIfTI-1")

	if err := Encode(w, h, vol); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("%w: %v", models.ErrIO, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	return nil
}

// ReadHeader reads a header and returns the byte order of the file, found
// from sizeof_hdr.
// Refer to this link for C implementation
// https://github.com/afni/afni/blob/master/src/nifti/niftilib/nifti1_io.c#L3948-L4042
func ReadHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	b := make([]byte, minHeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, nil, fmt.Errorf("%w: nifti header: %v", models.ErrIO, err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(b) == minHeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b) == minHeaderSize:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("%w: nifti sizeof_hdr is neither 348 little nor big endian", models.ErrParse)
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(b), order, h); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	if err := validateHeader(h); err != nil {
		return nil, nil, err
	}

	log.WithFields(log.Fields{
		"byteOrder": order,
	}).Debug("Found byte order")

	return h, order, nil
}

// Check https://github.com/afni/afni/blob/master/src/nifti/niftilib/nifti1_io.c#L4045-L4104
func validateHeader(h *Header) error {
	switch {
	case h.Magic != magicSingle && h.Magic != magicPair:
		return fmt.Errorf("%w: invalid nifti magic %v", models.ErrParse, h.Magic)
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("%w: dim[0] %d not in range [1, 7]", models.ErrParse, h.Dim[0])
	case h.ElemType() == models.Unknown:
		return fmt.Errorf("%w: unsupported datatype code %d", models.ErrParse, h.Datatype)
	}
	for _, d := range h.Shape() {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension in %v", models.ErrParse, h.Dim)
		}
	}
	return nil
}

// ReadFile reads a single-file image, gzip-compressed or not. Stored values
// are returned; scl_slope is left to the caller.
func ReadFile(path string) (*Header, *models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", models.ErrNotFound, path)
		}
		return nil, nil, fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	peek, _ := br.Peek(512)
	var r io.Reader = br
	if mime := http.DetectContentType(peek); mime == "application/x-gzip" {
		log.WithFields(log.Fields{
			"decompression": "gzip",
		}).Debug("Decompressing ...")
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", models.ErrIO, err)
		}
		defer gz.Close()
		r = gz
	}

	h, order, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	if h.Magic != magicSingle {
		return nil, nil, fmt.Errorf("%w: %s is a header/image pair", models.ErrParse, path)
	}

	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}
	if _, err := io.CopyN(io.Discard, r, offset-minHeaderSize); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrIO, err)
	}

	shape := h.Shape()
	dt := h.ElemType()
	data := make([]byte, models.Product(shape)*dt.Size())
	if n, err := io.ReadFull(r, data); err != nil {
		return nil, nil, &rawdata.SizeMismatchError{Kind: models.Image, Path: path, Expected: int64(len(data)), Actual: int64(n)}
	}

	vals, err := rawdata.Decode(&models.RawDataset{
		Kind:      models.Image,
		Shape:     shape,
		DataType:  dt,
		ByteOrder: order,
		Stride:    shape[0] * dt.Size(),
		Data:      data,
	})
	if err != nil {
		return nil, nil, err
	}
	return h, &models.Volume{Shape: shape, Data: vals}, nil
}
