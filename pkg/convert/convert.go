// Package convert is the default conversion core: it loads a dataset's
// parameters and payloads and turns them into a data array, an affine and
// an image header. The plugin adapter delegates to it.
package convert

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"pvnifti/internal/models"
	"pvnifti/pkg/affine"
	"pvnifti/pkg/header"
	"pvnifti/pkg/jcamp"
	"pvnifti/pkg/pvdata"
	"pvnifti/pkg/rawdata"
)

// ScaleMode decides where the per-frame slope/offset of the image goes.
type ScaleMode int

const (
	// ScaleNone returns stored values and leaves the header unscaled
	ScaleNone ScaleMode = iota
	// ScaleApply multiplies the data and stores it as float32
	ScaleApply
	// ScaleHeader keeps stored values and writes a uniform slope/offset to
	// the header, applying them to the data when they vary per frame
	ScaleHeader
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleApply:
		return "apply"
	case ScaleHeader:
		return "header"
	}
	return "none"
}

// ParseScaleMode accepts "none", "apply" and "header"; empty means none.
func ParseScaleMode(s string) (ScaleMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return ScaleNone, nil
	case "apply":
		return ScaleApply, nil
	case "header":
		return ScaleHeader, nil
	}
	return ScaleNone, fmt.Errorf("convert: unknown scale mode %q", s)
}

// Core converts the reconstructions of one dataset.
type Core struct {
	ds *pvdata.Dataset
}

// New returns a core bound to ds.
func New(ds *pvdata.Dataset) *Core {
	return &Core{ds: ds}
}

// Dataset returns the dataset the core reads from.
func (c *Core) Dataset() *pvdata.Dataset {
	return c.ds
}

// VisuPars loads the visu_pars of a reconstruction; 0 selects the default.
func (c *Core) VisuPars(recoID int) (*jcamp.ParameterSet, error) {
	return c.ds.Params(pvdata.VisuPars, recoID)
}

// Image loads the 2dseq of a reconstruction together with its visu_pars.
func (c *Core) Image(recoID int) (*models.RawDataset, *jcamp.ParameterSet, error) {
	visu, err := c.VisuPars(recoID)
	if err != nil {
		return nil, nil, err
	}
	path, err := c.ds.Path(pvdata.TwoDSeq, recoID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := rawdata.Load(visu, models.Image, path)
	if err != nil {
		return nil, nil, err
	}
	return raw, visu, nil
}

// KSpace loads the fid described by acqp.
func (c *Core) KSpace(acqp *jcamp.ParameterSet) (*models.RawDataset, error) {
	path, err := c.ds.Path(pvdata.Fid, 0)
	if err != nil {
		return nil, err
	}
	return rawdata.Load(acqp, models.KSpace, path)
}

// DataObject decodes an image payload, applying scaling according to mode.
func (c *Core) DataObject(raw *models.RawDataset, visu *jcamp.ParameterSet, mode ScaleMode) (*models.Volume, error) {
	vals, err := rawdata.Decode(raw)
	if err != nil {
		return nil, err
	}
	vol := &models.Volume{Shape: append([]int(nil), raw.Shape...), Data: vals}

	if mode == ScaleNone {
		return vol, nil
	}
	frameLen, slopes, offsets, err := frameScale(raw, visu)
	if err != nil {
		return nil, err
	}
	if mode == ScaleHeader && uniform(slopes) && uniform(offsets) {
		return vol, nil
	}
	for f := range slopes {
		frame := vol.Data[f*frameLen : (f+1)*frameLen]
		for i := range frame {
			frame[i] = frame[i]*slopes[f] + offsets[f]
		}
	}
	return vol, nil
}

// Affine computes the transform of the reconstruction described by visu.
func (c *Core) Affine(visu *jcamp.ParameterSet, opts affine.Options) (affine.Transform, error) {
	return affine.Compute(visu, opts)
}

// Header assembles the header matching DataObject's output for mode.
func (c *Core) Header(raw *models.RawDataset, visu *jcamp.ParameterSet, tr affine.Transform, mode ScaleMode) (*header.ImageHeader, error) {
	dt := raw.DataType
	var scale *header.Scale

	switch mode {
	case ScaleApply:
		dt = models.Float32
	case ScaleHeader:
		_, slopes, offsets, err := frameScale(raw, visu)
		if err != nil {
			return nil, err
		}
		if uniform(slopes) && uniform(offsets) {
			scale = &header.Scale{Slope: slopes[0], Inter: offsets[0]}
		} else {
			dt = models.Float32
		}
	}

	var opts []header.Option
	if visu.Has("VisuAcquisitionProtocol") {
		desc, err := visu.String("VisuAcquisitionProtocol")
		if err != nil {
			return nil, err
		}
		opts = append(opts, header.WithDescription(desc))
	}

	h, err := header.Assemble(raw, tr, dt, scale, opts...)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"dims":      h.Dims,
		"dataType":  h.DataType,
		"scaleMode": mode,
	}).Debug("Assembled header")

	return h, nil
}

// frameScale returns the frame length and per-frame slope/offset.
// Missing parameters mean identity scaling; a single value applies to every
// frame.
func frameScale(raw *models.RawDataset, visu *jcamp.ParameterSet) (int, []float64, []float64, error) {
	size, err := visu.Ints("VisuCoreSize")
	if err != nil {
		return 0, nil, nil, err
	}
	frameLen := models.Product(size)
	if frameLen == 0 || raw.Len()%frameLen != 0 {
		return 0, nil, nil, fmt.Errorf("%w: %d elements are not whole frames of %d", models.ErrShape, raw.Len(), frameLen)
	}
	frames := raw.Len() / frameLen

	slopes, err := perFrame(visu, "VisuCoreDataSlope", frames, 1)
	if err != nil {
		return 0, nil, nil, err
	}
	offsets, err := perFrame(visu, "VisuCoreDataOffs", frames, 0)
	if err != nil {
		return 0, nil, nil, err
	}
	return frameLen, slopes, offsets, nil
}

func perFrame(visu *jcamp.ParameterSet, key string, frames int, def float64) ([]float64, error) {
	out := make([]float64, frames)
	if !visu.Has(key) {
		for i := range out {
			out[i] = def
		}
		return out, nil
	}
	vals, err := visu.Floats(key)
	if err != nil {
		return nil, err
	}
	switch len(vals) {
	case 1:
		for i := range out {
			out[i] = vals[0]
		}
	case frames:
		copy(out, vals)
	default:
		return nil, fmt.Errorf("%w: %s has %d values for %d frames", models.ErrShape, key, len(vals), frames)
	}
	return out, nil
}

func uniform(vals []float64) bool {
	for _, v := range vals[1:] {
		if v != vals[0] {
			return false
		}
	}
	return true
}
