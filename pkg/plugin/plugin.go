// Package plugin is the per-dataset customization layer over the
// conversion core. A Plugin is built from a dataset handle, checks that the
// dataset is one it applies to, loads the parameters and payloads, and
// serves the data array, affine and header to the writer.
package plugin

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"pvnifti/internal/models"
	"pvnifti/pkg/affine"
	"pvnifti/pkg/convert"
	"pvnifti/pkg/header"
	"pvnifti/pkg/jcamp"
	"pvnifti/pkg/pvdata"
	"pvnifti/pkg/rawdata"
	"pvnifti/pkg/recon"
)

// State is the construction progress of a Plugin.
type State int

const (
	Uninitialized State = iota
	Inspected
	ParamsLoaded
	Ready
)

func (s State) String() string {
	switch s {
	case Inspected:
		return "inspected"
	case ParamsLoaded:
		return "params-loaded"
	case Ready:
		return "ready"
	}
	return "uninitialized"
}

// DefaultOrigins are the accepted ORIGIN records of acqp.
var DefaultOrigins = []string{"Bruker"}

// Required parameters per file for the instrument configuration the plugin
// handles.
var Required = map[string][]string{
	pvdata.Acqp:     {"ACQ_size", "NI", "BYTORDA", "GO_raw_data_format"},
	pvdata.Method:   {"Method"},
	pvdata.VisuPars: {"VisuCoreSize", "VisuCoreWordType", "VisuCoreByteOrder", "VisuCoreExtent", "VisuCoreOrientation", "VisuCorePosition"},
}

// Options are fixed at construction.
type Options struct {
	// Option doubles every element returned by DataObject. It is a hook for
	// per-dataset post-processing; the result is recomputed from the raw
	// payload on every call.
	Option bool

	// Scale selects where slope/offset scaling goes
	Scale convert.ScaleMode

	// Origins are accepted substrings of the acqp ORIGIN record; nil means
	// DefaultOrigins
	Origins []string

	// Extra carries host-specific settings the plugin passes through
	Extra map[string]string
}

// Request selects the reconstruction and subject convention of one call.
// The zero value means the default reconstruction, the conventions declared
// by the scanner and RAS output.
type Request struct {
	RecoID          int
	SubjectType     affine.SubjectType
	SubjectPosition affine.SubjectPosition
	Space           affine.Space
}

// IncompatibleError reports a dataset the plugin does not apply to. It is a
// "not applicable" signal, not a conversion failure.
type IncompatibleError struct {
	Missing []string // "file:key" entries
	Reasons []string
}

func (e *IncompatibleError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	parts = append(parts, e.Reasons...)
	return "plugin: dataset not applicable: " + strings.Join(parts, "; ")
}

// Is makes IncompatibleError match models.ErrIncompatible.
func (e *IncompatibleError) Is(target error) bool {
	return target == models.ErrIncompatible
}

// IsIncompatible reports whether err is the "not applicable" signal rather
// than a fatal error.
func IsIncompatible(err error) bool {
	return errors.Is(err, models.ErrIncompatible)
}

// Inspect checks required keys and the scanner origin of ds. Incompatible
// datasets yield an *IncompatibleError; unreadable files are fatal errors.
func Inspect(ds *pvdata.Dataset, origins []string) error {
	if origins == nil {
		origins = DefaultOrigins
	}
	e := &IncompatibleError{}
	for _, name := range []string{pvdata.Acqp, pvdata.Method, pvdata.VisuPars} {
		ps, err := ds.Params(name, 0)
		if err != nil {
			return err
		}
		for _, key := range Required[name] {
			if !ps.Has(key) {
				e.Missing = append(e.Missing, name+":"+key)
			}
		}
		if name == pvdata.Acqp {
			if reason := checkOrigin(ps, origins); reason != "" {
				e.Reasons = append(e.Reasons, reason)
			}
		}
	}
	if len(e.Missing) > 0 || len(e.Reasons) > 0 {
		return e
	}
	return nil
}

func checkOrigin(acqp *jcamp.ParameterSet, origins []string) string {
	if !acqp.Has("ORIGIN") {
		return "acqp has no ORIGIN record"
	}
	origin, err := acqp.String("ORIGIN")
	if err != nil {
		return err.Error()
	}
	for _, o := range origins {
		if strings.Contains(origin, o) {
			return ""
		}
	}
	return fmt.Sprintf("origin %q is not one of %v", origin, origins)
}

// computed remembers the most recent affine for Header.
type computed struct {
	tr     affine.Transform
	recoID int
}

// Plugin serves one dataset. It is not safe for concurrent use; convert
// datasets in parallel with one Plugin each.
type Plugin struct {
	core  *convert.Core
	opts  Options
	state State

	recoID int
	acqp   *jcamp.ParameterSet
	method *jcamp.ParameterSet
	visu   *jcamp.ParameterSet
	fid    *models.RawDataset
	image  *models.RawDataset

	last *computed
}

// New opens h and drives the plugin to Ready. On any failure, including an
// incompatible dataset, no plugin is returned.
func New(h pvdata.Handle, opts Options) (*Plugin, error) {
	ds, err := pvdata.Open(h)
	if err != nil {
		return nil, err
	}
	p := &Plugin{core: convert.New(ds), opts: opts}

	if err := p.inspect(); err != nil {
		return nil, err
	}
	if err := p.setParams(); err != nil {
		return nil, err
	}
	if _, err := p.affine(Request{}); err != nil {
		return nil, err
	}
	p.state = Ready

	log.WithFields(log.Fields{
		"dataset": ds.Kind(),
		"recos":   ds.RecoIDs(),
		"option":  opts.Option,
		"scale":   opts.Scale,
		"extra":   opts.Extra,
	}).Debug("Plugin ready")

	return p, nil
}

func (p *Plugin) inspect() error {
	if err := Inspect(p.core.Dataset(), p.opts.Origins); err != nil {
		if IsIncompatible(err) {
			log.WithFields(log.Fields{"cause": err.Error()}).Info("Dataset not applicable")
		}
		return err
	}
	p.state = Inspected
	return nil
}

// setParams loads the parameter sets and both payloads. Every file is
// closed again by the loaders before they return.
func (p *Plugin) setParams() error {
	ds := p.core.Dataset()
	p.recoID = ds.DefaultRecoID()

	var err error
	if p.acqp, err = ds.Params(pvdata.Acqp, 0); err != nil {
		return err
	}
	if p.method, err = ds.Params(pvdata.Method, 0); err != nil {
		return err
	}
	if p.fid, err = p.core.KSpace(p.acqp); err != nil {
		return err
	}
	if p.image, p.visu, err = p.core.Image(p.recoID); err != nil {
		return err
	}
	p.state = ParamsLoaded
	return nil
}

// State returns the construction state.
func (p *Plugin) State() State {
	return p.state
}

// Options returns the options the plugin was built with.
func (p *Plugin) Options() Options {
	return p.opts
}

// RecoIDs lists the reconstructions available to Request.RecoID.
func (p *Plugin) RecoIDs() []int {
	return p.core.Dataset().RecoIDs()
}

// Parameters returns the loaded acqp, method or default visu_pars.
func (p *Plugin) Parameters(name string) (*jcamp.ParameterSet, error) {
	switch name {
	case pvdata.Acqp:
		return p.acqp, nil
	case pvdata.Method:
		return p.method, nil
	case pvdata.VisuPars:
		return p.visu, nil
	}
	return nil, fmt.Errorf("%w: %s is not loaded by the plugin", models.ErrNotFound, name)
}

func (p *Plugin) ready() error {
	if p == nil || p.state != Ready {
		return errors.New("plugin: not ready")
	}
	return nil
}

// imageFor returns the payload and visu_pars of a reconstruction. The
// default one was loaded by setParams; others are read on demand.
func (p *Plugin) imageFor(recoID int) (*models.RawDataset, *jcamp.ParameterSet, int, error) {
	id, err := p.core.Dataset().ResolveRecoID(recoID)
	if err != nil {
		return nil, nil, 0, err
	}
	if id == p.recoID {
		return p.image, p.visu, id, nil
	}
	raw, visu, err := p.core.Image(id)
	return raw, visu, id, err
}

// DataObject returns the decoded image of req.RecoID.
func (p *Plugin) DataObject(req Request) (*models.Volume, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	raw, visu, _, err := p.imageFor(req.RecoID)
	if err != nil {
		return nil, err
	}
	vol, err := p.core.DataObject(raw, visu, p.opts.Scale)
	if err != nil {
		return nil, err
	}
	if p.opts.Option {
		for i := range vol.Data {
			vol.Data[i] *= 2
		}
	}
	return vol, nil
}

// Affine computes the transform of req.RecoID under req's conventions.
// Every call recomputes; the result becomes the one Header uses.
func (p *Plugin) Affine(req Request) (affine.Transform, error) {
	if err := p.ready(); err != nil {
		return affine.Transform{}, err
	}
	return p.affine(req)
}

func (p *Plugin) affine(req Request) (affine.Transform, error) {
	id, err := p.core.Dataset().ResolveRecoID(req.RecoID)
	if err != nil {
		return affine.Transform{}, err
	}
	visu := p.visu
	if id != p.recoID {
		if visu, err = p.core.VisuPars(id); err != nil {
			return affine.Transform{}, err
		}
	}
	tr, err := p.core.Affine(visu, affine.Options{
		SubjectType:     req.SubjectType,
		SubjectPosition: req.SubjectPosition,
		Space:           req.Space,
	})
	if err != nil {
		return affine.Transform{}, err
	}
	p.last = &computed{tr: tr, recoID: id}
	return tr, nil
}

// Header assembles the header for the most recently computed affine and
// the payload of its reconstruction.
func (p *Plugin) Header() (*header.ImageHeader, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	raw, visu, _, err := p.imageFor(p.last.recoID)
	if err != nil {
		return nil, err
	}
	return p.core.Header(raw, visu, p.last.tr, p.opts.Scale)
}

// KSpace returns the decoded fid and its complex shape, readout first.
func (p *Plugin) KSpace() ([]complex128, []int, error) {
	if err := p.ready(); err != nil {
		return nil, nil, err
	}
	ks, err := rawdata.DecodeComplex(p.fid)
	if err != nil {
		return nil, nil, err
	}
	shape := append([]int(nil), p.fid.Shape...)
	shape[0] /= 2
	return ks, shape, nil
}

// Reconstruct returns magnitude images of a 2D Cartesian fid, one per slice
// and repetition.
func (p *Plugin) Reconstruct() (*models.Volume, error) {
	ks, shape, err := p.KSpace()
	if err != nil {
		return nil, err
	}
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: reconstruction needs a 2D acquisition, k-space shape %v", models.ErrShape, shape)
	}
	nx, ni, ny, nr := shape[0], shape[1], shape[2], shape[3]

	// Acquisition order is readout, slice, phase, repetition.
	planes := make([]complex128, len(ks))
	for r := 0; r < nr; r++ {
		for y := 0; y < ny; y++ {
			for s := 0; s < ni; s++ {
				src := ((r*ny+y)*ni + s) * nx
				dst := ((r*ni+s)*ny + y) * nx
				copy(planes[dst:dst+nx], ks[src:src+nx])
			}
		}
	}

	mag, err := recon.Magnitude2D(planes, nx, ny, ni*nr)
	if err != nil {
		return nil, err
	}
	return &models.Volume{Shape: []int{nx, ny, ni * nr}, Data: mag}, nil
}
