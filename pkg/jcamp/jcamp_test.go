package jcamp

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"pvnifti/internal/models"
)

const visuPars = `##TITLE=Parameter List, ParaVision 6.0.1
##JCAMPDX=4.24
##DATATYPE=Parameter Values
##ORIGIN=Bruker BioSpin MRI GmbH
##OWNER=nmrsu
$$ Mon Apr 29 10:12:43 2024 KST (UT+9h)  nmrsu
$$ /opt/PV6.0.1/data/nmrsu/20240429/5/pdata/1/visu_pars
##$VisuVersion=3
##$VisuCoreFrameCount=3
##$VisuCoreDim=2
##$VisuCoreSize=( 2 )
64 32
##$VisuCoreExtent=( 2 )
25.6 12.8
##$VisuCoreOrientation=( 3, 9 )
1 0 0 0 1 0 0 0 1 1 0 0 0 1 0 0 0 1
1 0 0 0 1 0 0 0 1
$$ @vis= VisuCoreOrientation
##$VisuCoreDataSlope=( 3 )
@3*(1.5)
##$VisuCoreWordType=_16BIT_SGN_INT
##$VisuSubjectId=( 64 )
<mouse 01>
##$VisuFGOrderDesc=( 1 )
(3, <FG_SLICE>, <>, 0, 2)
##$VisuAcqEchoTime=( 2 )
4.5
9
##$VisuCoreDimDesc=( 2 )
spatial spatial
##END=
`

// TestParseVisuPars checks comments, header records, multi-line arrays,
// strings, run-length items and structs.
func TestParseVisuPars(t *testing.T) {
	ps, err := Parse(strings.NewReader(visuPars), "visu_pars")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	origin, err := ps.String("ORIGIN")
	if err != nil || origin != "Bruker BioSpin MRI GmbH" {
		t.Errorf("ORIGIN = %q, %v", origin, err)
	}

	size, err := ps.Ints("VisuCoreSize")
	if err != nil {
		t.Fatalf("VisuCoreSize: %v", err)
	}
	if !reflect.DeepEqual(size, []int{64, 32}) {
		t.Errorf("Expected VisuCoreSize [64 32], got %v", size)
	}

	orient, err := ps.Floats("VisuCoreOrientation")
	if err != nil {
		t.Fatalf("VisuCoreOrientation: %v", err)
	}
	if len(orient) != 27 {
		t.Errorf("Expected 27 orientation values, got %d", len(orient))
	}
	v, _ := ps.Get("VisuCoreOrientation")
	if !reflect.DeepEqual(v.Shape, []int{3, 9}) {
		t.Errorf("Expected shape [3 9], got %v", v.Shape)
	}

	slope, err := ps.Floats("VisuCoreDataSlope")
	if err != nil {
		t.Fatalf("VisuCoreDataSlope: %v", err)
	}
	if !reflect.DeepEqual(slope, []float64{1.5, 1.5, 1.5}) {
		t.Errorf("Run-length expansion wrong: %v", slope)
	}

	id, err := ps.String("VisuSubjectId")
	if err != nil || id != "mouse 01" {
		t.Errorf("VisuSubjectId = %q, %v", id, err)
	}

	fg, _ := ps.Get("VisuFGOrderDesc")
	if fg.Len() != 1 || !strings.HasPrefix(fg.Items[0], "(3, <FG_SLICE>") {
		t.Errorf("Struct item not kept whole: %v", fg.Items)
	}

	te, err := ps.Floats("VisuAcqEchoTime")
	if err != nil || !reflect.DeepEqual(te, []float64{4.5, 9}) {
		t.Errorf("VisuAcqEchoTime = %v, %v", te, err)
	}

	frames, err := ps.Int("VisuCoreFrameCount")
	if err != nil || frames != 3 {
		t.Errorf("VisuCoreFrameCount = %d, %v", frames, err)
	}

	desc, _ := ps.Strings("VisuCoreDimDesc")
	if !reflect.DeepEqual(desc, []string{"spatial", "spatial"}) {
		t.Errorf("VisuCoreDimDesc = %v", desc)
	}

	keys := ps.Keys()
	if keys[0] != "TITLE" || keys[len(keys)-1] != "VisuCoreDimDesc" {
		t.Errorf("Keys not in file order: %v", keys)
	}
}

// TestParseErrors verifies that malformed syntax surfaces as ErrParse.
func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"text before record":  "stray\n##$A=1\n",
		"record without =":    "##$A 1\n",
		"unterminated string": "##$A=<abc\n",
		"unbalanced paren":    "##$A=(1, 2\n",
		"bad shape":           "##$A=( x )\n1 2\n",
		"count mismatch":      "##$A=( 3 )\n1 2\n",
		"bad run length":      "##$A=( 2 )\n@x*(1)\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(src), "bad")
			if !errors.Is(err, models.ErrParse) {
				t.Fatalf("Expected ErrParse, got %v", err)
			}
			var pe *ParseError
			if !errors.As(err, &pe) || pe.File != "bad" {
				t.Errorf("Expected *ParseError naming the file, got %#v", err)
			}
		})
	}
}

// TestGetterErrors checks missing keys and type mismatches.
func TestGetterErrors(t *testing.T) {
	ps, err := Parse(strings.NewReader("##$A=<text>\n##$B=( 2 )\n1 2\n##END=\n"), "p")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, err := ps.Int("missing"); !errors.Is(err, models.ErrMissingKey) {
		t.Errorf("Expected ErrMissingKey, got %v", err)
	}
	if _, err := ps.Float("A"); !errors.Is(err, models.ErrParse) {
		t.Errorf("Expected ErrParse for a string read as number, got %v", err)
	}
	if _, err := ps.Int("B"); !errors.Is(err, models.ErrParse) {
		t.Errorf("Expected ErrParse for an array read as scalar, got %v", err)
	}
	if n, err := ps.IntOr("missing", 7); err != nil || n != 7 {
		t.Errorf("IntOr default = %d, %v", n, err)
	}
}

// TestParseStopsAtEnd verifies that content after ##END= is ignored and
// that a missing ##END= is tolerated.
func TestParseStopsAtEnd(t *testing.T) {
	ps, err := Parse(strings.NewReader("##$A=1\n##END=\ngarbage\n"), "p")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !ps.Has("A") || len(ps.Keys()) != 1 {
		t.Errorf("Unexpected keys %v", ps.Keys())
	}

	ps, err = Parse(strings.NewReader("##$A=1\n##$B=( 2 )\n3\n4"), "p")
	if err != nil {
		t.Fatalf("Parse without END failed: %v", err)
	}
	if b, _ := ps.Ints("B"); !reflect.DeepEqual(b, []int{3, 4}) {
		t.Errorf("B = %v", b)
	}
}

// TestLoad covers the file-backed entry point.
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "visu_pars")
	if err := os.WriteFile(path, []byte(visuPars), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	ps, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ps.Name() != path {
		t.Errorf("Expected name %s, got %s", path, ps.Name())
	}

	_, err = Load(filepath.Join(dir, "acqp"))
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
