// Command pvnifti converts one ParaVision scan or reconstruction to a
// NIfTI-1 image.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"pvnifti/internal/models"
	"pvnifti/pkg/affine"
	"pvnifti/pkg/config"
	"pvnifti/pkg/convert"
	"pvnifti/pkg/header"
	"pvnifti/pkg/nifti"
	"pvnifti/pkg/plugin"
	"pvnifti/pkg/preview"
	"pvnifti/pkg/pvdata"
)

// exitNotApplicable is returned when the plugin declines the dataset.
const exitNotApplicable = 2

func main() {
	err := run(os.Args[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	case plugin.IsIncompatible(err):
		log.WithFields(log.Fields{"cause": err.Error()}).Error("Dataset not applicable")
		os.Exit(exitNotApplicable)
	default:
		log.Fatalf("Conversion failed: %v", err)
	}
}

type flags struct {
	scanDir    string
	recoDir    string
	output     string
	configPath string
	mkconf     bool
	reconOut   bool
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pvnifti", flag.ContinueOnError)
	var f flags
	fs.StringVar(&f.scanDir, "scan", "", "ParaVision scan directory (acqp, method, fid, pdata/)")
	fs.StringVar(&f.recoDir, "reco", "", "ParaVision pdata/<n> directory")
	fs.StringVar(&f.output, "o", "", "Output file (.nii or .nii.gz)")
	fs.StringVar(&f.configPath, "config", "pvnifti.yml", "YAML configuration file")
	fs.BoolVar(&f.mkconf, "mkconf", false, "Write the default configuration to -config and exit")
	fs.BoolVar(&f.reconOut, "kspace", false, "Also write a magnitude reconstruction of the fid")
	option := fs.Bool("option", false, "Double the image values")
	recoID := fs.Int("reco-id", 0, "Reconstruction to convert (0 = lowest)")
	subjType := fs.String("subj-type", "", "Override VisuSubjectType")
	subjPos := fs.String("subj-position", "", "Override VisuSubjectPosition")
	scale := fs.String("scale", "", "Scaling: none, apply or header")
	space := fs.String("space", "", "World frame: ras or scanner")
	previewDir := fs.String("preview", "", "Directory for mid-slice PNG previews")
	verbose := fs.Bool("v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if f.mkconf {
		if err := config.CreateDefaultConfigFile(f.configPath); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Wrote default configuration to %s\n", f.configPath)
		return nil
	}

	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return err
	}

	// Flags given on the command line win over the configuration.
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "option":
			cfg.Conversion.Option = *option
		case "reco-id":
			cfg.Conversion.RecoID = *recoID
		case "subj-type":
			cfg.Conversion.SubjectType = *subjType
		case "subj-position":
			cfg.Conversion.SubjectPosition = *subjPos
		case "scale":
			cfg.Conversion.Scale = *scale
		case "space":
			cfg.Conversion.Space = *space
		case "preview":
			cfg.Output.PreviewDir = *previewDir
		case "v":
			cfg.Output.Verbose = *verbose
		}
	})
	if cfg.Output.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	h, name, err := handleFor(f)
	if err != nil {
		fs.Usage()
		return err
	}
	return convertDataset(h, name, f, cfg, stdout)
}

func handleFor(f flags) (pvdata.Handle, string, error) {
	switch {
	case f.scanDir != "" && f.recoDir != "":
		return nil, "", errors.New("give either -scan or -reco, not both")
	case f.scanDir != "":
		return pvdata.ScanHandle{Dir: f.scanDir}, filepath.Base(filepath.Clean(f.scanDir)), nil
	case f.recoDir != "":
		scan := filepath.Dir(filepath.Dir(filepath.Clean(f.recoDir)))
		return pvdata.RecoHandle{Dir: f.recoDir}, filepath.Base(scan), nil
	}
	return nil, "", errors.New("one of -scan or -reco is required")
}

func options(cfg *config.Config) (plugin.Options, plugin.Request, error) {
	mode, err := convert.ParseScaleMode(cfg.Conversion.Scale)
	if err != nil {
		return plugin.Options{}, plugin.Request{}, err
	}
	req := plugin.Request{
		RecoID:          cfg.Conversion.RecoID,
		SubjectType:     affine.SubjectType(cfg.Conversion.SubjectType),
		SubjectPosition: affine.SubjectPosition(cfg.Conversion.SubjectPosition),
	}
	if strings.EqualFold(cfg.Conversion.Space, "scanner") {
		req.Space = affine.SpaceScanner
	}
	opts := plugin.Options{
		Option:  cfg.Conversion.Option,
		Scale:   mode,
		Origins: cfg.Conversion.Origins,
	}
	return opts, req, nil
}

func convertDataset(h pvdata.Handle, name string, f flags, cfg *config.Config, stdout io.Writer) error {
	opts, req, err := options(cfg)
	if err != nil {
		return err
	}

	startTime := time.Now()
	p, err := plugin.New(h, opts)
	if err != nil {
		return err
	}

	recoID := req.RecoID
	if recoID == 0 {
		recoID = p.RecoIDs()[0]
	}

	tr, err := p.Affine(req)
	if err != nil {
		return err
	}
	vol, err := p.DataObject(req)
	if err != nil {
		return err
	}
	ih, err := p.Header()
	if err != nil {
		return err
	}

	out := f.output
	if out == "" {
		out = filepath.Join(cfg.Output.Dir, fmt.Sprintf("%s_%d%s", name, recoID, extension(cfg)))
	}
	if err := write(out, ih, vol, stdout); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"reco":    recoID,
		"dims":    ih.Dims,
		"voxels":  tr.VoxelSizes(),
		"elapsed": time.Since(startTime),
	}).Info("Converted")

	if cfg.Output.PreviewDir != "" {
		viewer, err := preview.NewViewer(vol)
		if err != nil {
			return err
		}
		paths, err := viewer.SaveMidSlices(cfg.Output.PreviewDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Previews: %s\n", strings.Join(paths, ", "))
	}

	if f.reconOut {
		mag, err := p.Reconstruct()
		if err != nil {
			return err
		}
		raw := &models.RawDataset{Kind: models.Image, Shape: mag.Shape, DataType: models.Float32}
		kh, err := header.Assemble(raw, tr, models.Float32, nil, header.WithDescription("fid magnitude"))
		if err != nil {
			return err
		}
		kout := strings.TrimSuffix(strings.TrimSuffix(out, ".gz"), ".nii") + "_kspace" + extension(cfg)
		if err := write(kout, kh, mag, stdout); err != nil {
			return err
		}
	}
	return nil
}

func extension(cfg *config.Config) string {
	if cfg.Output.Gzip {
		return ".nii.gz"
	}
	return ".nii"
}

func write(path string, ih *header.ImageHeader, vol *models.Volume, stdout io.Writer) error {
	nh, err := nifti.FromImage(ih, vol)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %v", models.ErrIO, err)
		}
	}
	if err := nifti.WriteFile(path, nh, vol); err != nil {
		return err
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	fmt.Fprintf(stdout, "Wrote %s (%s)\n", path, humanize.Bytes(uint64(st.Size())))
	return nil
}
