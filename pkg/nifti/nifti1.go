// Package nifti writes and reads single-file NIfTI-1 images.
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"pvnifti/internal/models"
	"pvnifti/pkg/affine"
	"pvnifti/pkg/header"
)

// Header defines the structure of the Nifti1 header.
//
// Type translation from nifti1 C header to golang:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  int8
type Header struct {
	SizeofHdr          int32      // Must be 348
	UnusedDataType     [10]int8   // Unused
	UnusedDbName       [18]int8   // Unused
	UnusedExtents      int32      // Unused
	UnusedSessionError int16      // Unused
	UnusedRegular      int8       // Unused
	DimInfo            int8       // MRI slice ordering
	Dim                [8]int16   // Data array dimenions
	IntentP1           float32    // 1st intent parameter
	IntentP2           float32    // 2nd intent parameter
	IntentP3           float32    // 3rd intent parameter
	IntentCode         int16      // NIFTI_INTENT_* code
	Datatype           int16      // Defines data type
	Bitpix             int16      // Number bits/voxel
	SliceStart         int16      // First slice index
	Pixdim             [8]float32 // Grid spacing
	VoxOffset          float32    // Offset into .nii file
	SclSlope           float32    // Data scaling: slope
	SclInter           float32    // Data scaling: offset
	SliceEnd           int16      // Last slice index
	SliceCode          int8       // Slice timing order
	XyztUnits          int8       // Units of pixdim[1..4]
	CalMax             float32    // Max display intensity
	CalMin             float32    // Min display intensity
	SliceDuration      float32    // Time for 1 slice
	Toffset            float32    // Time axis shift
	UnusedGlmax        int32      // Unused
	UnusedGlmin        int32      // Unused
	Descrip            [80]int8   // Any text you like
	AuxFile            [24]int8   // Auxiliary filename
	QformCode          int16      // NIFTI_XFORM_* code
	SformCode          int16      // NIFTI_XFORM_* code
	QuaternB           float32    // Quaternion b params
	QuaternC           float32    // Quaternion c params
	QuaternD           float32    // Quaternion d params
	QoffsetX           float32    // Quaternion x shift
	QoffsetY           float32    // Quaternion y shift
	QoffsetZ           float32    // Quaternion z shift
	SrowX              [4]float32 // 1st row affine transform
	SrowY              [4]float32 // 2nd row affine transform
	SrowZ              [4]float32 // 3rd row affine transform
	IntentName         [16]int8   // 'name' or meaning of data
	Magic              [4]int8    // Must be "ni1\0" or "n+1\0"
}

const headerSize = 352
const minHeaderSize = 348

// Datatype codes.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

// Xform codes.
const (
	XformUnknown     = 0
	XformScannerAnat = 1
	XformAlignedAnat = 2
)

// Units codes.
const (
	UnitsMM  = 2
	UnitsSec = 8
)

var magicSingle = [4]int8{110, 43, 49, 0} // "n+1\0"
var magicPair = [4]int8{110, 105, 49, 0}  // "ni1\0"

var datatypeCodes = map[models.DataType]int16{
	models.Uint8:   DTUint8,
	models.Int16:   DTInt16,
	models.Int32:   DTInt32,
	models.Float32: DTFloat32,
	models.Float64: DTFloat64,
	models.Int8:    DTInt8,
	models.Uint16:  DTUint16,
	models.Uint32:  DTUint32,
}

// Print Header information.
func (h Header) String() string {
	s := reflect.ValueOf(&h).Elem()
	typeOfT := s.Type()
	strs := make([]string, s.NumField())
	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		strs[i] = fmt.Sprintf("%d: %s %s = %v", i,
			typeOfT.Field(i).Name, f.Type(), f.Interface())
	}
	return strings.Join(strs, "\n")
}

// FromImage fills a single-file header from an assembled image header. vol
// sets the display range and may be nil.
func FromImage(ih *header.ImageHeader, vol *models.Volume) (*Header, error) {
	code, ok := datatypeCodes[ih.DataType]
	if !ok {
		return nil, fmt.Errorf("nifti: no datatype code for %v", ih.DataType)
	}
	if ih.Rank() < 1 || ih.Rank() > 7 || len(ih.VoxelSizes) != ih.Rank() {
		return nil, &header.ShapeError{Dims: ih.Dims, VoxelSizes: ih.VoxelSizes, Msg: "cannot be stored in NIfTI-1"}
	}

	h := &Header{
		SizeofHdr: minHeaderSize,
		Datatype:  code,
		Bitpix:    int16(8 * ih.DataType.Size()),
		VoxOffset: headerSize,
		Magic:     magicSingle,
	}

	h.Dim[0] = int16(ih.Rank())
	h.Pixdim[0] = 1
	for i := 1; i < 8; i++ {
		h.Dim[i] = 1
		h.Pixdim[i] = 1
	}
	for i, d := range ih.Dims {
		if d > math.MaxInt16 {
			return nil, &header.ShapeError{Dims: ih.Dims, VoxelSizes: ih.VoxelSizes, Msg: fmt.Sprintf("dimension %d exceeds %d", i, math.MaxInt16)}
		}
		h.Dim[i+1] = int16(d)
		h.Pixdim[i+1] = float32(ih.VoxelSizes[i])
	}

	units := int8(0)
	if ih.XYZUnits == header.UnitsMM {
		units |= UnitsMM
	}
	if ih.TimeUnits == header.UnitsSecond {
		units |= UnitsSec
	}
	h.XyztUnits = units

	if ih.Scale != nil {
		h.SclSlope = float32(ih.Scale.Slope)
		h.SclInter = float32(ih.Scale.Inter)
	}
	copyString(h.Descrip[:], ih.Description)

	if vol != nil && len(vol.Data) > 0 {
		lo, hi := floats.Min(vol.Data), floats.Max(vol.Data)
		if ih.Scale != nil {
			lo, hi = ih.Scale.Slope*lo+ih.Scale.Inter, ih.Scale.Slope*hi+ih.Scale.Inter
			if lo > hi {
				lo, hi = hi, lo
			}
		}
		h.CalMin, h.CalMax = float32(lo), float32(hi)
	}

	if err := h.setAffine(ih.Affine); err != nil {
		return nil, err
	}
	return h, nil
}

func copyString(dst []int8, s string) {
	for i := 0; i < len(s) && i < len(dst)-1; i++ {
		dst[i] = int8(s[i])
	}
}

func (h *Header) setAffine(t affine.Transform) error {
	h.SformCode = XformScannerAnat
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(t[0][j])
		h.SrowY[j] = float32(t[1][j])
		h.SrowZ[j] = float32(t[2][j])
	}

	b, c, d, qfac, err := quatern(t)
	if err != nil {
		return err
	}
	h.QformCode = XformScannerAnat
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = float32(t[0][3]), float32(t[1][3]), float32(t[2][3])
	h.Pixdim[0] = float32(qfac)
	return nil
}

// quatern converts the rotation part of t to the qform quaternion, after
// removing voxel sizes and taking the nearest orthogonal matrix.
// Refer to nifti_mat44_to_quatern in nifti1_io.c.
func quatern(t affine.Transform) (b, c, d, qfac float64, err error) {
	r := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		col := []float64{t[0][j], t[1][j], t[2][j]}
		n := floats.Norm(col, 2)
		if n == 0 {
			return 0, 0, 0, 0, fmt.Errorf("%w: affine column %d is zero", models.ErrGeometry, j)
		}
		for i := 0; i < 3; i++ {
			r.Set(i, j, col[i]/n)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(r, mat.SVDFull) {
		return 0, 0, 0, 0, fmt.Errorf("%w: cannot orthogonalize affine", models.ErrGeometry)
	}
	var u, v, q mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	q.Mul(&u, v.T())

	qfac = 1
	if mat.Det(&q) < 0 {
		qfac = -1
		for i := 0; i < 3; i++ {
			q.Set(i, 2, -q.At(i, 2))
		}
	}

	r11, r12, r13 := q.At(0, 0), q.At(0, 1), q.At(0, 2)
	r21, r22, r23 := q.At(1, 0), q.At(1, 1), q.At(1, 2)
	r31, r32, r33 := q.At(2, 0), q.At(2, 1), q.At(2, 2)

	var a float64
	if tr := r11 + r22 + r33 + 1; tr > 0.5 {
		a = 0.5 * math.Sqrt(tr)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1 + r11 - (r22 + r33)
		yd := 1 + r22 - (r11 + r33)
		zd := 1 + r33 - (r11 + r22)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac, nil
}

// Shape returns dim[1..dim[0]].
func (h *Header) Shape() []int {
	n := int(h.Dim[0])
	if n < 1 || n > 7 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = int(h.Dim[i+1])
	}
	return out
}

// ElemType maps the datatype code back to an element type.
func (h *Header) ElemType() models.DataType {
	for dt, code := range datatypeCodes {
		if code == h.Datatype {
			return dt
		}
	}
	return models.Unknown
}

// Description returns the descrip field as a string.
func (h *Header) Description() string {
	var sb strings.Builder
	for _, c := range h.Descrip {
		if c == 0 {
			break
		}
		sb.WriteByte(byte(c))
	}
	return sb.String()
}

// Affine returns the voxel-to-world transform: sform when set, else qform,
// else voxel sizes alone.
func (h *Header) Affine() affine.Transform {
	t := affine.Identity()
	switch {
	case h.SformCode > 0:
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				t[i][j] = float64(rows[i][j])
			}
		}

	case h.QformCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			// Rounding left a 180 degree rotation; renormalize.
			n := 1 / math.Sqrt(b*b+c*c+d*d)
			a, b, c, d = 0, b*n, c*n, d*n
		} else {
			a = math.Sqrt(a)
		}
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), qfac*float64(h.Pixdim[3])
		r := [3][3]float64{
			{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
			{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
			{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
		}
		for i := 0; i < 3; i++ {
			t[i][0] = r[i][0] * dx
			t[i][1] = r[i][1] * dy
			t[i][2] = r[i][2] * dz
		}
		t[0][3], t[1][3], t[2][3] = float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)

	default:
		for i := 0; i < 3; i++ {
			t[i][i] = float64(h.Pixdim[i+1])
		}
	}
	return t
}
