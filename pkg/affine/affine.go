// Package affine synthesizes the voxel-to-world transform of a ParaVision
// reconstruction from its visu_pars geometry.
package affine

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"pvnifti/internal/models"
	"pvnifti/pkg/jcamp"
)

// eps bounds direction cosine norms and determinants treated as zero.
const eps = 1e-6

// SubjectType is the VisuSubjectType convention.
type SubjectType string

const (
	Biped       SubjectType = "Biped"
	Quadruped   SubjectType = "Quadruped"
	Phantom     SubjectType = "Phantom"
	OtherAnimal SubjectType = "OtherAnimal"
	Other       SubjectType = "Other"
)

// SubjectPosition is the VisuSubjectPosition convention.
type SubjectPosition string

const (
	HeadSupine SubjectPosition = "Head_Supine"
	HeadProne  SubjectPosition = "Head_Prone"
	HeadLeft   SubjectPosition = "Head_Left"
	HeadRight  SubjectPosition = "Head_Right"
	FootSupine SubjectPosition = "Foot_Supine"
	FootProne  SubjectPosition = "Foot_Prone"
	FootLeft   SubjectPosition = "Foot_Left"
	FootRight  SubjectPosition = "Foot_Right"
)

// Space selects the world frame of the result.
type Space int

const (
	// SpaceRAS is the NIfTI convention: +x right, +y anterior, +z superior
	SpaceRAS Space = iota
	// SpaceScanner keeps the LPS-like ParaVision subject frame
	SpaceScanner
)

// Options override the conventions declared by the scanner. Zero values
// keep the declared ones.
type Options struct {
	SubjectType     SubjectType
	SubjectPosition SubjectPosition
	Space           Space
}

// Transform is a 4x4 homogeneous voxel-to-world matrix.
type Transform [4][4]float64

// Identity returns the identity transform.
func Identity() Transform {
	var t Transform
	for i := 0; i < 4; i++ {
		t[i][i] = 1
	}
	return t
}

// FromDense copies a 4x4 matrix into a Transform.
func FromDense(m mat.Matrix) Transform {
	var t Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t[i][j] = m.At(i, j)
		}
	}
	return t
}

// Dense returns the transform as a gonum matrix.
func (t Transform) Dense() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.SetRow(i, t[i][:])
	}
	return m
}

// Translation returns the world position of voxel (0, 0, 0).
func (t Transform) Translation() [3]float64 {
	return [3]float64{t[0][3], t[1][3], t[2][3]}
}

// VoxelSizes returns the lengths of the three spatial columns.
func (t Transform) VoxelSizes() [3]float64 {
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = floats.Norm([]float64{t[0][j], t[1][j], t[2][j]}, 2)
	}
	return out
}

// Det returns the determinant of the full matrix.
func (t Transform) Det() float64 {
	return mat.Det(t.Dense())
}

// Inverse returns the world-to-voxel transform.
func (t Transform) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.Dense()); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", models.ErrGeometry, err)
	}
	return FromDense(&inv), nil
}

// Apply maps voxel coordinates to world coordinates.
func (t Transform) Apply(i, j, k float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = t[r][0]*i + t[r][1]*j + t[r][2]*k + t[r][3]
	}
	return out
}

// Equal reports element-wise equality within tol.
func (t Transform) Equal(o Transform, tol float64) bool {
	return mat.EqualApprox(t.Dense(), o.Dense(), tol)
}

// Compute builds the transform of the reconstruction described by visu.
// Callers selecting among several reconstructions pass that reconstruction's
// visu_pars; nothing is cached between calls.
func Compute(visu *jcamp.ParameterSet, opts Options) (Transform, error) {
	size, err := visu.Ints("VisuCoreSize")
	if err != nil {
		return Transform{}, err
	}
	extent, err := visu.Floats("VisuCoreExtent")
	if err != nil {
		return Transform{}, err
	}
	orient, err := visu.Floats("VisuCoreOrientation")
	if err != nil {
		return Transform{}, err
	}
	pos, err := visu.Floats("VisuCorePosition")
	if err != nil {
		return Transform{}, err
	}

	if len(size) < 2 || len(size) > 3 {
		return Transform{}, fmt.Errorf("%w: unsupported core dimension %d", models.ErrGeometry, len(size))
	}
	if len(extent) != len(size) {
		return Transform{}, fmt.Errorf("%w: %d extents for %d dimensions", models.ErrGeometry, len(extent), len(size))
	}
	if len(orient) < 9 || len(orient)%9 != 0 {
		return Transform{}, fmt.Errorf("%w: orientation needs 9 values per frame, found %d", models.ErrGeometry, len(orient))
	}
	if len(pos) < 3 || len(pos)%3 != 0 {
		return Transform{}, fmt.Errorf("%w: position needs 3 values per frame, found %d", models.ErrGeometry, len(pos))
	}

	rot := mat.NewDense(3, 3, append([]float64(nil), orient[:9]...))
	if err := checkCosines(rot); err != nil {
		return Transform{}, err
	}

	var res [3]float64
	for i := range size {
		if size[i] <= 0 || extent[i] <= 0 {
			return Transform{}, fmt.Errorf("%w: non-positive size or extent on axis %d", models.ErrGeometry, i)
		}
		res[i] = extent[i] / float64(size[i])
	}
	if len(size) == 2 {
		step, err := sliceStep(visu, rot.RawRowView(2), pos)
		if err != nil {
			return Transform{}, err
		}
		res[2] = step
	}

	// Columns are the direction cosines scaled by the voxel size.
	var m mat.Dense
	m.Mul(rot.T(), mat.NewDiagDense(3, res[:]))

	conv, err := convention(visu, opts)
	if err != nil {
		return Transform{}, err
	}
	var world mat.Dense
	world.Mul(conv, &m)
	var origin mat.VecDense
	origin.MulVec(conv, mat.NewVecDense(3, append([]float64(nil), pos[:3]...)))

	t := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = world.At(i, j)
		}
		t[i][3] = origin.AtVec(i)
	}
	if math.Abs(t.Det()) < eps {
		return Transform{}, fmt.Errorf("%w: singular transform", models.ErrGeometry)
	}

	log.WithFields(log.Fields{
		"file":       visu.Name(),
		"voxelSize":  res,
		"position":   pos[:3],
		"coordSpace": opts.Space,
	}).Debug("Computed affine")

	return t, nil
}

// checkCosines rejects orientation rows that cannot span 3D space.
func checkCosines(rot *mat.Dense) error {
	rows := make([][]float64, 3)
	for i := 0; i < 3; i++ {
		rows[i] = rot.RawRowView(i)
		if floats.Norm(rows[i], 2) < eps {
			return fmt.Errorf("%w: orientation row %d is zero", models.ErrGeometry, i)
		}
	}
	if floats.Norm(cross(rows[0], rows[1]), 2) < eps {
		return fmt.Errorf("%w: orientation rows 0 and 1 are collinear", models.ErrGeometry)
	}
	if math.Abs(mat.Det(rot)) < eps {
		return fmt.Errorf("%w: orientation matrix is singular", models.ErrGeometry)
	}
	return nil
}

// sliceStep is the signed distance between neighbouring slices of a 2D
// multi-slice core, measured along the slice normal. Frames sharing the
// first position (echoes, repetitions) are skipped. Single-slice cores use
// the frame thickness.
func sliceStep(visu *jcamp.ParameterSet, normal, pos []float64) (float64, error) {
	for k := 1; k < len(pos)/3; k++ {
		d := floats.Dot(normal, []float64{
			pos[3*k] - pos[0],
			pos[3*k+1] - pos[1],
			pos[3*k+2] - pos[2],
		})
		if math.Abs(d) > eps {
			return d, nil
		}
	}
	thick, err := visu.Floats("VisuCoreFrameThickness")
	if err != nil {
		return 0, err
	}
	if len(thick) == 0 || thick[0] <= 0 {
		return 0, fmt.Errorf("%w: no usable frame thickness", models.ErrGeometry)
	}
	return thick[0], nil
}

// convention returns the 3x3 rotation applied on the left of the scanner
// geometry: the subject position/type reinterpretation followed by the
// output space flip.
func convention(visu *jcamp.ParameterSet, opts Options) (*mat.Dense, error) {
	declPos := HeadSupine
	if visu.Has("VisuSubjectPosition") {
		s, err := visu.String("VisuSubjectPosition")
		if err != nil {
			return nil, err
		}
		declPos = SubjectPosition(s)
	}
	declType := Biped
	if visu.Has("VisuSubjectType") {
		s, err := visu.String("VisuSubjectType")
		if err != nil {
			return nil, err
		}
		declType = SubjectType(s)
	}

	target := declPos
	if opts.SubjectPosition != "" {
		target = opts.SubjectPosition
	}
	subjType := declType
	if opts.SubjectType != "" {
		subjType = opts.SubjectType
	}
	if err := subjType.validate(); err != nil {
		return nil, err
	}

	from, err := declPos.magnetFromSubject()
	if err != nil {
		return nil, err
	}
	to, err := target.magnetFromSubject()
	if err != nil {
		return nil, err
	}

	var c mat.Dense
	c.Mul(to.T(), from)

	if subjType == Quadruped {
		// Rotate 90 degrees about left-right: the body axis of a
		// quadruped runs anterior-posterior.
		q := mat.NewDense(3, 3, []float64{
			1, 0, 0,
			0, 0, 1,
			0, -1, 0,
		})
		c.Mul(q, mat.DenseCopyOf(&c))
	}
	if opts.Space == SpaceRAS {
		c.Mul(mat.NewDiagDense(3, []float64{-1, -1, 1}), mat.DenseCopyOf(&c))
	}
	return &c, nil
}

func (s SubjectType) validate() error {
	switch s {
	case Biped, Quadruped, Phantom, OtherAnimal, Other:
		return nil
	}
	return fmt.Errorf("%w: unknown subject type %q", models.ErrGeometry, string(s))
}

// magnetFromSubject is the rotation taking subject coordinates for position
// p to magnet coordinates, relative to Head_Supine.
func (p SubjectPosition) magnetFromSubject() (*mat.Dense, error) {
	var v []float64
	switch p {
	case HeadSupine:
		v = []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	case HeadProne:
		v = []float64{-1, 0, 0, 0, -1, 0, 0, 0, 1}
	case HeadLeft:
		v = []float64{0, 1, 0, -1, 0, 0, 0, 0, 1}
	case HeadRight:
		v = []float64{0, -1, 0, 1, 0, 0, 0, 0, 1}
	case FootSupine:
		v = []float64{-1, 0, 0, 0, 1, 0, 0, 0, -1}
	case FootProne:
		v = []float64{1, 0, 0, 0, -1, 0, 0, 0, -1}
	case FootLeft:
		v = []float64{0, -1, 0, -1, 0, 0, 0, 0, -1}
	case FootRight:
		v = []float64{0, 1, 0, 1, 0, 0, 0, 0, -1}
	default:
		return nil, fmt.Errorf("%w: unknown subject position %q", models.ErrGeometry, string(p))
	}
	return mat.NewDense(3, 3, v), nil
}

func cross(a, b []float64) []float64 {
	return []float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (s Space) String() string {
	if s == SpaceScanner {
		return "scanner"
	}
	return "ras"
}
