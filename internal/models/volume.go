package models

import (
	"encoding/binary"
	"fmt"
)

// DataType is the element type of a binary payload
type DataType int

const (
	Unknown DataType = iota
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Float32
	Float64
)

// Size returns the number of bytes per element, 0 for Unknown
func (d DataType) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (d DataType) String() string {
	switch d {
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return "unknown"
}

// Kind selects which binary payload of a dataset is meant
type Kind int

const (
	// KSpace is the raw acquisition (fid)
	KSpace Kind = iota
	// Image is the reconstructed image (2dseq)
	Image
)

func (k Kind) String() string {
	switch k {
	case KSpace:
		return "kspace"
	case Image:
		return "image"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RawDataset is an undecoded binary payload together with the geometry
// declared for it by the parameter files
type RawDataset struct {
	// Kind tells whether this is k-space or image data
	Kind Kind

	// Shape is the logical array shape, first axis fastest
	Shape []int

	// DataType is the on-disk element type
	DataType DataType

	// ByteOrder is the declared on-disk byte order
	ByteOrder binary.ByteOrder

	// Stride is the number of bytes occupied on disk by one line along the
	// first axis, padding included
	Stride int

	// Data holds the bytes as read from disk
	Data []byte
}

// Len returns the number of logical elements
func (r *RawDataset) Len() int {
	return Product(r.Shape)
}

// Volume is a decoded N-dimensional array
type Volume struct {
	// Shape is the array shape, first axis fastest
	Shape []int

	// Data holds the values with the first axis varying fastest
	Data []float64
}

// NewVolume allocates a zero-filled volume of the given shape
func NewVolume(shape ...int) *Volume {
	s := append([]int(nil), shape...)
	return &Volume{Shape: s, Data: make([]float64, Product(s))}
}

// Index returns the flat offset of the given coordinates
func (v *Volume) Index(coords ...int) int {
	idx, stride := 0, 1
	for i, c := range coords {
		idx += c * stride
		stride *= v.Shape[i]
	}
	return idx
}

// At returns the value at the given coordinates
func (v *Volume) At(coords ...int) float64 {
	return v.Data[v.Index(coords...)]
}

// Product multiplies all dims together; the empty product is 1
func Product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
