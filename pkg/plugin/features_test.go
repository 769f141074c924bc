package plugin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/cucumber/godog"

	"pvnifti/internal/models"
	"pvnifti/internal/pvtest"
	"pvnifti/pkg/convert"
	"pvnifti/pkg/pvdata"
)

// featureContext holds state for a single scenario.
type featureContext struct {
	tmpDir string
	scan   pvtest.Scan
	opts   Options
	plugin *Plugin
	err    error
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	fc := &featureContext{}

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		tmpDir, err := os.MkdirTemp("", "pvnifti-plugin-*")
		if err != nil {
			return ctx, err
		}
		*fc = featureContext{tmpDir: tmpDir}
		return ctx, nil
	})

	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		if fc.tmpDir != "" {
			os.RemoveAll(fc.tmpDir)
		}
		return ctx, nil
	})

	sc.Step(`^a FLASH scan with (\d+) slices of (\d+)x(\d+) voxels$`, fc.aFlashScan)
	sc.Step(`^the option is enabled$`, fc.theOptionIsEnabled)
	sc.Step(`^visu_pars lacks "([^"]*)"$`, fc.visuParsLacks)
	sc.Step(`^the scanner origin is "([^"]*)"$`, fc.theScannerOriginIs)
	sc.Step(`^the image payload is (\d+) bytes short$`, fc.theImagePayloadIsShort)
	sc.Step(`^every frame has slope (\d+)$`, fc.everyFrameHasSlope)
	sc.Step(`^the scale mode is "([^"]*)"$`, fc.theScaleModeIs)
	sc.Step(`^I build the plugin$`, fc.iBuildThePlugin)
	sc.Step(`^the plugin is ready$`, fc.thePluginIsReady)
	sc.Step(`^the data has shape (\d+)x(\d+)x(\d+)$`, fc.theDataHasShape)
	sc.Step(`^the voxel sizes are ([\d.]+), ([\d.]+) and ([\d.]+)$`, fc.theVoxelSizesAre)
	sc.Step(`^element (\d+) of the data is ([\d.]+)$`, fc.elementOfTheDataIs)
	sc.Step(`^the dataset is reported as not applicable$`, fc.theDatasetIsNotApplicable)
	sc.Step(`^no plugin is returned$`, fc.noPluginIsReturned)
	sc.Step(`^building fails with a size mismatch$`, fc.buildingFailsWithSizeMismatch)
	sc.Step(`^the header datatype is "([^"]*)"$`, fc.theHeaderDatatypeIs)
}

func (fc *featureContext) aFlashScan(slices, nx, ny int) error {
	fc.scan = pvtest.DefaultScan()
	fc.scan.NI = slices
	fc.scan.Recos = []pvtest.Reco{pvtest.AxialReco(1, nx, ny, slices)}
	return nil
}

func (fc *featureContext) theOptionIsEnabled() error {
	fc.opts.Option = true
	return nil
}

func (fc *featureContext) visuParsLacks(key string) error {
	fc.scan.Recos[0].Omit = append(fc.scan.Recos[0].Omit, key)
	return nil
}

func (fc *featureContext) theScannerOriginIs(origin string) error {
	fc.scan.Origin = origin
	return nil
}

func (fc *featureContext) theImagePayloadIsShort(n int) error {
	fc.scan.Recos[0].Truncate = n
	return nil
}

func (fc *featureContext) everyFrameHasSlope(slope int) error {
	r := &fc.scan.Recos[0]
	r.Slopes = make([]float64, r.Frames)
	for i := range r.Slopes {
		r.Slopes[i] = float64(slope)
	}
	return nil
}

func (fc *featureContext) theScaleModeIs(mode string) error {
	m, err := convert.ParseScaleMode(mode)
	if err != nil {
		return err
	}
	fc.opts.Scale = m
	return nil
}

func (fc *featureContext) iBuildThePlugin() error {
	dir := pvtest.Write(godogT{}, fc.tmpDir, fc.scan)
	fc.plugin, fc.err = New(pvdata.ScanHandle{Dir: dir}, fc.opts)
	return nil
}

func (fc *featureContext) ready() error {
	if fc.err != nil {
		return fmt.Errorf("plugin failed: %w", fc.err)
	}
	return nil
}

func (fc *featureContext) thePluginIsReady() error {
	if err := fc.ready(); err != nil {
		return err
	}
	if fc.plugin.State() != Ready {
		return fmt.Errorf("expected ready, got %v", fc.plugin.State())
	}
	return nil
}

func (fc *featureContext) theDataHasShape(x, y, z int) error {
	if err := fc.ready(); err != nil {
		return err
	}
	vol, err := fc.plugin.DataObject(Request{})
	if err != nil {
		return err
	}
	if len(vol.Shape) != 3 || vol.Shape[0] != x || vol.Shape[1] != y || vol.Shape[2] != z {
		return fmt.Errorf("expected shape %dx%dx%d, got %v", x, y, z, vol.Shape)
	}
	return nil
}

func (fc *featureContext) theVoxelSizesAre(a, b, c float64) error {
	if err := fc.ready(); err != nil {
		return err
	}
	tr, err := fc.plugin.Affine(Request{})
	if err != nil {
		return err
	}
	got := tr.VoxelSizes()
	for i, want := range []float64{a, b, c} {
		if math.Abs(got[i]-want) > 1e-9 {
			return fmt.Errorf("expected voxel sizes %v %v %v, got %v", a, b, c, got)
		}
	}
	return nil
}

func (fc *featureContext) elementOfTheDataIs(i int, want float64) error {
	if err := fc.ready(); err != nil {
		return err
	}
	vol, err := fc.plugin.DataObject(Request{})
	if err != nil {
		return err
	}
	if vol.Data[i] != want {
		return fmt.Errorf("expected element %d to be %v, got %v", i, want, vol.Data[i])
	}
	return nil
}

func (fc *featureContext) theDatasetIsNotApplicable() error {
	if !IsIncompatible(fc.err) {
		return fmt.Errorf("expected a not-applicable result, got %v", fc.err)
	}
	return nil
}

func (fc *featureContext) noPluginIsReturned() error {
	if fc.plugin != nil {
		return errors.New("expected no plugin")
	}
	return nil
}

func (fc *featureContext) buildingFailsWithSizeMismatch() error {
	if !errors.Is(fc.err, models.ErrSizeMismatch) {
		return fmt.Errorf("expected a size mismatch, got %v", fc.err)
	}
	if IsIncompatible(fc.err) {
		return errors.New("size mismatch must not read as not applicable")
	}
	return nil
}

func (fc *featureContext) theHeaderDatatypeIs(name string) error {
	if err := fc.ready(); err != nil {
		return err
	}
	h, err := fc.plugin.Header()
	if err != nil {
		return err
	}
	if h.DataType.String() != name {
		return fmt.Errorf("expected %s, got %v", name, h.DataType)
	}
	return nil
}

// godogT lets the fixture writer run inside godog steps, where no
// *testing.T is at hand. Failures panic and godog reports the step.
type godogT struct {
	testing.TB
}

func (godogT) Helper() {}

func (godogT) Fatalf(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
