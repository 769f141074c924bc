// Package header assembles the format-neutral description of a converted
// image: dimensions, voxel sizes, element type, affine and scaling.
package header

import (
	"fmt"

	"pvnifti/internal/models"
	"pvnifti/pkg/affine"
)

// MaxRank is the largest number of dimensions a NIfTI-1 image can carry.
const MaxRank = 7

// Units of the voxel sizes.
const (
	UnitsMM     = "mm"
	UnitsSecond = "s"
)

// ShapeError reports dimensions and voxel sizes that disagree.
type ShapeError struct {
	Dims       []int
	VoxelSizes []float64
	Msg        string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("header: %s (dims %v, voxel sizes %v)", e.Msg, e.Dims, e.VoxelSizes)
}

// Is makes ShapeError match models.ErrShape.
func (e *ShapeError) Is(target error) bool {
	return target == models.ErrShape
}

// Scale maps stored values to physical ones: physical = Slope*stored + Inter.
type Scale struct {
	Slope float64
	Inter float64
}

// ImageHeader describes one output image.
type ImageHeader struct {
	Dims        []int
	VoxelSizes  []float64
	DataType    models.DataType
	Affine      affine.Transform
	Scale       *Scale
	Description string
	XYZUnits    string
	TimeUnits   string
}

// Rank returns the number of dimensions.
func (h *ImageHeader) Rank() int {
	return len(h.Dims)
}

// NumVoxels returns the number of elements described.
func (h *ImageHeader) NumVoxels() int {
	return models.Product(h.Dims)
}

// Transform returns the voxel-to-world transform.
func (h *ImageHeader) Transform() affine.Transform {
	return h.Affine
}

type options struct {
	voxelSizes    []float64
	description   string
	frameDuration float64
}

// Option customizes Assemble.
type Option func(*options)

// WithVoxelSizes replaces the voxel sizes derived from the affine. One value
// per dimension is required.
func WithVoxelSizes(v ...float64) Option {
	return func(o *options) {
		o.voxelSizes = append([]float64(nil), v...)
	}
}

// WithDescription sets the free-text description.
func WithDescription(s string) Option {
	return func(o *options) {
		o.description = s
	}
}

// WithFrameDuration sets the spacing of dimensions beyond the third, in
// seconds.
func WithFrameDuration(sec float64) Option {
	return func(o *options) {
		o.frameDuration = sec
	}
}

// Assemble builds the header of raw placed in the world by tr and stored as
// dt. scale may be nil.
func Assemble(raw *models.RawDataset, tr affine.Transform, dt models.DataType, scale *Scale, opts ...Option) (*ImageHeader, error) {
	o := &options{frameDuration: 1}
	for _, opt := range opts {
		opt(o)
	}

	dims := append([]int(nil), raw.Shape...)
	voxels := o.voxelSizes
	if voxels == nil {
		spatial := tr.VoxelSizes()
		for i := range dims {
			if i < 3 {
				voxels = append(voxels, spatial[i])
			} else {
				voxels = append(voxels, o.frameDuration)
			}
		}
	}

	fail := func(msg string) (*ImageHeader, error) {
		return nil, &ShapeError{Dims: dims, VoxelSizes: voxels, Msg: msg}
	}
	switch {
	case len(dims) == 0 || len(dims) > MaxRank:
		return fail(fmt.Sprintf("rank must be 1..%d", MaxRank))
	case len(voxels) != len(dims):
		return fail("voxel size count does not match dimension count")
	case raw.Data != nil && raw.Kind == models.Image && len(raw.Data) != raw.Len()*raw.DataType.Size():
		return fail("payload size does not match dimensions")
	}
	for i := range dims {
		if dims[i] <= 0 {
			return fail(fmt.Sprintf("dimension %d is not positive", i))
		}
		if voxels[i] <= 0 {
			return fail(fmt.Sprintf("voxel size %d is not positive", i))
		}
	}
	if dt.Size() == 0 {
		return nil, fmt.Errorf("header: unsupported data type %v", dt)
	}

	h := &ImageHeader{
		Dims:        dims,
		VoxelSizes:  voxels,
		DataType:    dt,
		Affine:      tr,
		Description: o.description,
		XYZUnits:    UnitsMM,
	}
	if len(dims) > 3 {
		h.TimeUnits = UnitsSecond
	}
	if scale != nil {
		s := *scale
		h.Scale = &s
	}
	return h, nil
}
