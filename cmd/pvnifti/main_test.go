package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pvnifti/internal/models"
	"pvnifti/internal/pvtest"
	"pvnifti/pkg/nifti"
	"pvnifti/pkg/plugin"
)

func TestRunConvertsScan(t *testing.T) {
	tmp := t.TempDir()
	scanDir := pvtest.Write(t, tmp, pvtest.DefaultScan())
	out := filepath.Join(tmp, "out", "scan.nii.gz")
	previews := filepath.Join(tmp, "png")

	var stdout bytes.Buffer
	args := []string{
		"-scan", scanDir,
		"-o", out,
		"-config", filepath.Join(tmp, "none.yml"),
		"-option",
		"-preview", previews,
		"-kspace",
	}
	if err := run(args, &stdout); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "Wrote "+out) {
		t.Errorf("Unexpected output %q", stdout.String())
	}

	h, vol, err := nifti.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got := h.Shape(); len(got) != 3 || got[0] != 4 || got[1] != 4 || got[2] != 3 {
		t.Errorf("Unexpected shape %v", got)
	}
	if h.ElemType() != models.Int16 {
		t.Errorf("Expected int16, got %v", h.ElemType())
	}
	if vol.Data[5] != 10 {
		t.Errorf("Expected doubled value 10, got %f", vol.Data[5])
	}
	if h.Description() != "1_Localizer" {
		t.Errorf("Unexpected description %q", h.Description())
	}

	kh, _, err := nifti.ReadFile(filepath.Join(tmp, "out", "scan_kspace.nii.gz"))
	if err != nil {
		t.Fatalf("ReadFile of k-space image failed: %v", err)
	}
	if kh.ElemType() != models.Float32 {
		t.Errorf("Expected float32 reconstruction, got %v", kh.ElemType())
	}

	for _, axis := range []string{"x", "y", "z"} {
		if _, err := os.Stat(filepath.Join(previews, "mid_"+axis+".png")); err != nil {
			t.Errorf("Missing %s preview: %v", axis, err)
		}
	}
}

func TestRunDefaultName(t *testing.T) {
	tmp := t.TempDir()
	scan := pvtest.DefaultScan()
	scan.Recos = append(scan.Recos, pvtest.AxialReco(2, 4, 4, 3))
	scanDir := pvtest.Write(t, tmp, scan)

	cfgPath := filepath.Join(tmp, "pvnifti.yml")
	if err := run([]string{"-mkconf", "-config", cfgPath}, &bytes.Buffer{}); err != nil {
		t.Fatalf("mkconf failed: %v", err)
	}
	t.Setenv("PVNIFTI_OUTPUT_DIR", tmp)
	t.Setenv("PVNIFTI_OUTPUT_GZIP", "false")

	if err := run([]string{"-reco", pvtest.RecoDir(scanDir, 2), "-config", cfgPath, "-scale", "apply"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	h, _, err := nifti.ReadFile(filepath.Join(tmp, "5_2.nii"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if h.ElemType() != models.Float32 {
		t.Errorf("Expected float32 with applied scaling, got %v", h.ElemType())
	}
}

func TestRunNotApplicable(t *testing.T) {
	tmp := t.TempDir()
	scan := pvtest.DefaultScan()
	scan.OmitAcqp = []string{"GO_raw_data_format"}
	scanDir := pvtest.Write(t, tmp, scan)

	err := run([]string{"-scan", scanDir, "-config", filepath.Join(tmp, "none.yml")}, &bytes.Buffer{})
	if !plugin.IsIncompatible(err) {
		t.Errorf("Expected not-applicable error, got %v", err)
	}
}

func TestRunArguments(t *testing.T) {
	tmp := t.TempDir()
	none := filepath.Join(tmp, "none.yml")
	tests := []struct {
		name string
		args []string
	}{
		{"no dataset", []string{"-config", none}},
		{"both", []string{"-scan", tmp, "-reco", tmp, "-config", none}},
		{"bad scale", []string{"-scan", tmp, "-scale", "sideways", "-config", none}},
		{"unknown flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args, &bytes.Buffer{})
			if err == nil {
				t.Fatal("Expected an error, got nil")
			}
			if plugin.IsIncompatible(err) || errors.Is(err, models.ErrSizeMismatch) {
				t.Errorf("Unexpected error kind %v", err)
			}
		})
	}
}
