// Package preview renders orthogonal slices of a converted volume as PNG
// images for a quick visual check.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"pvnifti/internal/models"
)

// Window percentiles of the display range.
const (
	LowPercentile  = 0.02
	HighPercentile = 0.98
)

// Viewer renders slices of the first 3D frame of a volume.
type Viewer struct {
	// volumeData holds the first frame, x fastest
	volumeData []float64

	// dimensions of the frame
	width  int
	height int
	depth  int

	// display window
	low, high float64
}

// NewViewer creates a viewer for vol. Volumes with fewer than three
// dimensions are treated as single slices; extra dimensions beyond the
// third are ignored.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	if vol == nil || len(vol.Shape) == 0 {
		return nil, fmt.Errorf("%w: empty volume", models.ErrShape)
	}
	dims := [3]int{1, 1, 1}
	for i := 0; i < len(vol.Shape) && i < 3; i++ {
		dims[i] = vol.Shape[i]
	}
	n := dims[0] * dims[1] * dims[2]
	if n == 0 || len(vol.Data) < n {
		return nil, fmt.Errorf("%w: shape %v with %d values", models.ErrShape, vol.Shape, len(vol.Data))
	}

	v := &Viewer{
		volumeData: vol.Data[:n],
		width:      dims[0],
		height:     dims[1],
		depth:      dims[2],
	}
	v.low, v.high = window(v.volumeData)

	log.WithFields(log.Fields{
		"dims":   dims,
		"window": [2]float64{v.low, v.high},
	}).Debug("Preview window")

	return v, nil
}

// window returns the robust display range of data.
func window(data []float64) (float64, float64) {
	sorted := make([]float64, 0, len(data))
	for _, x := range data {
		if !math.IsNaN(x) {
			sorted = append(sorted, x)
		}
	}
	if len(sorted) == 0 {
		return 0, 1
	}
	sort.Float64s(sorted)
	lo := stat.Quantile(LowPercentile, stat.Empirical, sorted, nil)
	hi := stat.Quantile(HighPercentile, stat.Empirical, sorted, nil)
	if hi <= lo {
		lo, hi = sorted[0], sorted[len(sorted)-1]
	}
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

func (v *Viewer) gray(x float64) color.Gray16 {
	s := (x - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, s*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// Rows run from high to low index so that the second in-plane axis points
// up.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.height, v.depth))
		for z := 0; z < v.depth; z++ {
			for y := 0; y < v.height; y++ {
				idx := z*v.width*v.height + y*v.width + position
				img.SetGray16(y, v.depth-1-z, v.gray(v.volumeData[idx]))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				idx := z*v.width*v.height + position*v.width + x
				img.SetGray16(x, v.depth-1-z, v.gray(v.volumeData[idx]))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				idx := position*v.width*v.height + y*v.width + x
				img.SetGray16(x, v.height-1-y, v.gray(v.volumeData[idx]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return err
	}
	return file.Close()
}

func (v *Viewer) extent(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.width, nil
	case "y", "Y":
		return v.height, nil
	case "z", "Z":
		return v.depth, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSliceSequence extracts and saves every slice along the specified axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	maxPos, err := v.extent(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveMidSlices saves the middle slice along each axis and returns the
// written paths.
func (v *Viewer) SaveMidSlices(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		n, _ := v.extent(axis)
		img, err := v.ExtractSlice(axis, n/2)
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("mid_%s.png", axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
