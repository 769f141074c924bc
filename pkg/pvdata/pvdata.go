// Package pvdata resolves the files of a ParaVision dataset behind one of
// the supported handle shapes: a scan directory, a single reconstruction
// directory, or an explicit set of files.
package pvdata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"

	"pvnifti/internal/models"
	"pvnifti/pkg/jcamp"
)

// Names of the files a dataset is made of.
const (
	Acqp     = "acqp"
	Method   = "method"
	Fid      = "fid"
	VisuPars = "visu_pars"
	Reco     = "reco"
	TwoDSeq  = "2dseq"
)

// recoFiles live under pdata/<reco id>; the rest in the scan directory.
var recoFiles = map[string]bool{VisuPars: true, Reco: true, TwoDSeq: true}

// Kind identifies the handle shape a dataset was opened from.
type Kind int

const (
	KindScan Kind = iota
	KindReco
	KindFileSet
	KindStudy
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindReco:
		return "reco"
	case KindFileSet:
		return "fileset"
	case KindStudy:
		return "study"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Handle is an opaque reference to a dataset. The set of implementations
// is closed.
type Handle interface {
	handleKind() Kind
}

// ScanHandle points at a scan directory (acqp, method, fid, pdata/).
type ScanHandle struct {
	Dir string
}

// RecoHandle points at one pdata/<n> directory of a scan.
type RecoHandle struct {
	Dir string
}

// FileSetHandle lists files explicitly, keyed by the names above. RecoID
// labels the single reconstruction; 0 means 1.
type FileSetHandle struct {
	Files  map[string]string
	RecoID int
}

// StudyHandle points at a whole study. Studies hold many scans and cannot
// be converted as one dataset.
type StudyHandle struct {
	Dir string
}

func (ScanHandle) handleKind() Kind    { return KindScan }
func (RecoHandle) handleKind() Kind    { return KindReco }
func (FileSetHandle) handleKind() Kind { return KindFileSet }
func (StudyHandle) handleKind() Kind   { return KindStudy }

// Dataset gives access to the files behind a handle.
type Dataset struct {
	kind    Kind
	scanDir string
	recoIDs []int
	// files is only set for file sets
	files map[string]string
}

// Open checks the handle's shape and discovers its reconstructions.
func Open(h Handle) (*Dataset, error) {
	switch h := h.(type) {
	case ScanHandle:
		ids, err := listRecos(filepath.Join(h.Dir, "pdata"))
		if err != nil {
			return nil, err
		}
		return &Dataset{kind: KindScan, scanDir: h.Dir, recoIDs: ids}, nil

	case RecoHandle:
		clean := filepath.Clean(h.Dir)
		id, err := strconv.Atoi(filepath.Base(clean))
		if err != nil || id <= 0 || filepath.Base(filepath.Dir(clean)) != "pdata" {
			return nil, fmt.Errorf("%w: %s is not a pdata/<n> directory", models.ErrUnsupportedHandle, h.Dir)
		}
		if st, err := os.Stat(clean); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", models.ErrNotFound, clean)
			}
			return nil, fmt.Errorf("%w: %v", models.ErrIO, err)
		} else if !st.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", models.ErrUnsupportedHandle, clean)
		}
		scanDir := filepath.Dir(filepath.Dir(clean))
		return &Dataset{kind: KindReco, scanDir: scanDir, recoIDs: []int{id}}, nil

	case FileSetHandle:
		id := h.RecoID
		if id == 0 {
			id = 1
		}
		files := make(map[string]string, len(h.Files))
		for k, v := range h.Files {
			files[k] = v
		}
		return &Dataset{kind: KindFileSet, files: files, recoIDs: []int{id}}, nil

	case StudyHandle:
		return nil, fmt.Errorf("%w: study %s holds several scans, open one scan instead", models.ErrUnsupportedHandle, h.Dir)
	}
	return nil, fmt.Errorf("%w: %T", models.ErrUnsupportedHandle, h)
}

func listRecos(pdata string) ([]int, error) {
	entries, err := os.ReadDir(pdata)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, pdata)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	var ids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, err := strconv.Atoi(e.Name()); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no reconstructions under %s", models.ErrNotFound, pdata)
	}
	sort.Ints(ids)
	return ids, nil
}

// Kind returns the handle shape the dataset was opened from.
func (d *Dataset) Kind() Kind {
	return d.kind
}

// RecoIDs returns the available reconstruction ids in ascending order.
func (d *Dataset) RecoIDs() []int {
	return append([]int(nil), d.recoIDs...)
}

// DefaultRecoID is the first available reconstruction.
func (d *Dataset) DefaultRecoID() int {
	return d.recoIDs[0]
}

// ResolveRecoID maps 0 to the default and rejects unknown ids.
func (d *Dataset) ResolveRecoID(id int) (int, error) {
	if id == 0 {
		return d.DefaultRecoID(), nil
	}
	for _, r := range d.recoIDs {
		if r == id {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: reconstruction %d (have %v)", models.ErrNotFound, id, d.recoIDs)
}

// Path returns the location of the named file. recoID is ignored for
// scan-level files.
func (d *Dataset) Path(name string, recoID int) (string, error) {
	id, err := d.ResolveRecoID(recoID)
	if err != nil {
		return "", err
	}

	var p string
	switch {
	case d.kind == KindFileSet:
		var ok bool
		if p, ok = d.files[name]; !ok {
			return "", fmt.Errorf("%w: %s not in file set", models.ErrNotFound, name)
		}
	case recoFiles[name]:
		p = filepath.Join(d.scanDir, "pdata", strconv.Itoa(id), name)
	default:
		p = filepath.Join(d.scanDir, name)
	}

	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", models.ErrNotFound, p)
		}
		return "", fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	return p, nil
}

// Params loads the named parameter file.
func (d *Dataset) Params(name string, recoID int) (*jcamp.ParameterSet, error) {
	p, err := d.Path(name, recoID)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"dataset": d.kind,
		"file":    name,
		"reco":    recoID,
	}).Debug("Loading parameters")
	return jcamp.Load(p)
}
