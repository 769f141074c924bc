package pvdata

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"pvnifti/internal/models"
	"pvnifti/internal/pvtest"
)

func writeTwoRecoScan(t *testing.T) string {
	scan := pvtest.DefaultScan()
	scan.Recos = append(scan.Recos, pvtest.AxialReco(2, 4, 4, 3))
	return pvtest.Write(t, t.TempDir(), scan)
}

// TestOpenScan discovers reconstructions and resolves files.
func TestOpenScan(t *testing.T) {
	dir := writeTwoRecoScan(t)
	ds, err := Open(ScanHandle{Dir: dir})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if ds.Kind() != KindScan {
		t.Errorf("Expected scan kind, got %v", ds.Kind())
	}
	if !reflect.DeepEqual(ds.RecoIDs(), []int{1, 2}) || ds.DefaultRecoID() != 1 {
		t.Errorf("Unexpected reco ids %v", ds.RecoIDs())
	}

	p, err := ds.Path(TwoDSeq, 2)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if p != filepath.Join(dir, "pdata", "2", "2dseq") {
		t.Errorf("Unexpected 2dseq path %s", p)
	}
	p, err = ds.Path(Acqp, 2)
	if err != nil || p != filepath.Join(dir, "acqp") {
		t.Errorf("Unexpected acqp path %s, %v", p, err)
	}

	if _, err := ds.Path(TwoDSeq, 3); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown reco, got %v", err)
	}
	if _, err := ds.Path(Reco, 1); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for absent reco file, got %v", err)
	}

	ps, err := ds.Params(Method, 0)
	if err != nil {
		t.Fatalf("Params failed: %v", err)
	}
	if m, _ := ps.String("Method"); m != "Bruker:FLASH" {
		t.Errorf("Unexpected method %q", m)
	}
}

// TestOpenReco limits the dataset to its own reconstruction.
func TestOpenReco(t *testing.T) {
	dir := writeTwoRecoScan(t)
	ds, err := Open(RecoHandle{Dir: pvtest.RecoDir(dir, 2)})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !reflect.DeepEqual(ds.RecoIDs(), []int{2}) {
		t.Errorf("Expected only reco 2, got %v", ds.RecoIDs())
	}
	if _, err := ds.Path(Fid, 0); err != nil {
		t.Errorf("Scan files should resolve two levels up: %v", err)
	}
	if _, err := ds.ResolveRecoID(1); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for sibling reco, got %v", err)
	}

	if _, err := Open(RecoHandle{Dir: dir}); !errors.Is(err, models.ErrUnsupportedHandle) {
		t.Errorf("A scan dir is not a reco handle, got %v", err)
	}
	if _, err := Open(RecoHandle{Dir: filepath.Join(dir, "pdata", "7")}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a missing reco dir, got %v", err)
	}
	if _, err := Open(RecoHandle{Dir: pvtest.RecoDir(dir, 2) + "/2dseq"}); !errors.Is(err, models.ErrUnsupportedHandle) {
		t.Errorf("A file is not a reco handle, got %v", err)
	}
}

// TestOpenFileSet uses explicit paths only.
func TestOpenFileSet(t *testing.T) {
	dir := writeTwoRecoScan(t)
	files := map[string]string{
		Acqp:     filepath.Join(dir, "acqp"),
		VisuPars: filepath.Join(dir, "pdata", "2", "visu_pars"),
	}
	ds, err := Open(FileSetHandle{Files: files, RecoID: 2})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	files[Method] = filepath.Join(dir, "method")

	if p, err := ds.Path(VisuPars, 0); err != nil || p != filepath.Join(dir, "pdata", "2", "visu_pars") {
		t.Errorf("Unexpected visu_pars path %s, %v", p, err)
	}
	if _, err := ds.Path(Method, 0); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Handle files must be copied at open, got %v", err)
	}
}

// TestOpenUnsupported rejects study and nil handles.
func TestOpenUnsupported(t *testing.T) {
	for _, h := range []Handle{StudyHandle{Dir: t.TempDir()}, nil} {
		if _, err := Open(h); !errors.Is(err, models.ErrUnsupportedHandle) {
			t.Errorf("Expected ErrUnsupportedHandle for %#v, got %v", h, err)
		}
	}
	if _, err := Open(ScanHandle{Dir: t.TempDir()}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a scan without pdata, got %v", err)
	}
}
