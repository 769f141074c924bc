// Package pvtest writes small synthetic ParaVision scan directories for
// tests.
package pvtest

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// Reco describes one pdata/<ID> reconstruction.
type Reco struct {
	ID              int
	NX, NY          int
	Frames          int
	FOV             [2]float64
	Orientation     [9]float64
	Positions       [][3]float64 // one per frame
	Thickness       float64
	Slopes          []float64 // per frame, default 1
	Offsets         []float64 // per frame, default 0
	SubjectType     string
	SubjectPosition string
	// Value returns the stored int16 of element i, default i%1000
	Value func(i int) int16
	// Omit lists visu_pars keys to leave out
	Omit []string
	// Truncate drops bytes from the end of 2dseq
	Truncate int
}

// Scan describes the scan directory.
type Scan struct {
	Origin  string
	ACQSize []int
	NI      int
	NR      int
	Method  string
	// KValue returns the stored int32 of fid element i, default i%7
	KValue func(i int) int32
	// OmitAcqp lists acqp keys to leave out
	OmitAcqp []string
	Recos    []Reco
}

// AxialReco returns a 2D multi-slice reconstruction with identity
// orientation and 2 mm slice spacing.
func AxialReco(id, nx, ny, slices int) Reco {
	pos := make([][3]float64, slices)
	for i := range pos {
		pos[i] = [3]float64{-12.8, -6.4, -3 + 2*float64(i)}
	}
	return Reco{
		ID:          id,
		NX:          nx,
		NY:          ny,
		Frames:      slices,
		FOV:         [2]float64{25.6, 12.8},
		Orientation: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		Positions:   pos,
		Thickness:   1,
	}
}

// DefaultScan is a 4x4x3 FLASH scan with one reconstruction.
func DefaultScan() Scan {
	return Scan{
		Origin:  "Bruker BioSpin MRI GmbH",
		ACQSize: []int{8, 4},
		NI:      3,
		NR:      1,
		Method:  "Bruker:FLASH",
		Recos:   []Reco{AxialReco(1, 4, 4, 3)},
	}
}

// Write creates the scan under dir and returns the scan directory.
func Write(t testing.TB, dir string, s Scan) string {
	t.Helper()
	scanDir := filepath.Join(dir, "5")
	mustWrite(t, filepath.Join(scanDir, "acqp"), s.acqp())
	mustWrite(t, filepath.Join(scanDir, "method"), s.method())
	mustWrite(t, filepath.Join(scanDir, "fid"), s.fid())
	for _, r := range s.Recos {
		recoDir := filepath.Join(scanDir, "pdata", strconv.Itoa(r.ID))
		mustWrite(t, filepath.Join(recoDir, "visu_pars"), r.visuPars(s.Origin))
		mustWrite(t, filepath.Join(recoDir, "2dseq"), r.twoDSeq())
	}
	return scanDir
}

// RecoDir returns the pdata directory of reco id below a scan.
func RecoDir(scanDir string, id int) string {
	return filepath.Join(scanDir, "pdata", strconv.Itoa(id))
}

func mustWrite(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

type writer struct {
	b    strings.Builder
	omit map[string]bool
}

func newWriter(title, origin string, omit []string) *writer {
	w := &writer{omit: make(map[string]bool)}
	for _, k := range omit {
		w.omit[k] = true
	}
	fmt.Fprintf(&w.b, "##TITLE=%s\n##JCAMPDX=4.24\n##DATATYPE=Parameter Values\n", title)
	if origin != "" {
		fmt.Fprintf(&w.b, "##ORIGIN=%s\n", origin)
	}
	w.b.WriteString("$$ generated fixture\n")
	return w
}

func (w *writer) scalar(key string, v any) {
	if !w.omit[key] {
		fmt.Fprintf(&w.b, "##$%s=%v\n", key, v)
	}
}

func (w *writer) array(key string, shape []int, vals []string) {
	if w.omit[key] {
		return
	}
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	fmt.Fprintf(&w.b, "##$%s=( %s )\n", key, strings.Join(dims, ", "))
	// Wrap long bodies like ParaVision does.
	for i := 0; i < len(vals); i += 9 {
		end := i + 9
		if end > len(vals) {
			end = len(vals)
		}
		w.b.WriteString(strings.Join(vals[i:end], " "))
		w.b.WriteByte('\n')
	}
}

func (w *writer) bytes() []byte {
	w.b.WriteString("##END=\n")
	return []byte(w.b.String())
}

func strs[T any](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprint(v)
	}
	return out
}

func (s Scan) acqp() []byte {
	w := newWriter("Parameter List, ParaVision 6.0.1", s.Origin, s.OmitAcqp)
	w.array("ACQ_size", []int{len(s.ACQSize)}, strs(s.ACQSize))
	w.scalar("NI", s.NI)
	w.scalar("NR", s.nr())
	w.scalar("BYTORDA", "little")
	w.scalar("GO_raw_data_format", "GO_32BIT_SGN_INT")
	w.scalar("GO_block_size", "continuous")
	desc := make([]string, len(s.ACQSize))
	for i := range desc {
		desc[i] = "Spatial"
	}
	w.array("ACQ_dim_desc", []int{len(desc)}, desc)
	return w.bytes()
}

func (s Scan) nr() int {
	if s.NR == 0 {
		return 1
	}
	return s.NR
}

func (s Scan) method() []byte {
	w := newWriter("Parameter List, ParaVision 6.0.1", s.Origin, nil)
	w.scalar("Method", "<"+s.Method+">")
	w.scalar("PVM_EchoTime", 4.5)
	w.scalar("PVM_RepetitionTime", 250)
	return w.bytes()
}

func (s Scan) fid() []byte {
	n := s.NI * s.nr()
	for _, d := range s.ACQSize {
		n *= d
	}
	out := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		v := int32(i % 7)
		if s.KValue != nil {
			v = s.KValue(i)
		}
		binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
	}
	return out
}

func (r Reco) visuPars(origin string) []byte {
	w := newWriter("Parameter List, ParaVision 6.0.1", origin, r.Omit)
	w.scalar("VisuVersion", 3)
	w.scalar("VisuCoreFrameCount", r.Frames)
	w.scalar("VisuCoreDim", 2)
	w.array("VisuCoreSize", []int{2}, strs([]int{r.NX, r.NY}))
	w.array("VisuCoreExtent", []int{2}, strs(r.FOV[:]))
	var orient, pos []float64
	for _, p := range r.Positions {
		orient = append(orient, r.Orientation[:]...)
		pos = append(pos, p[:]...)
	}
	w.array("VisuCoreOrientation", []int{len(r.Positions), 9}, strs(orient))
	w.array("VisuCorePosition", []int{len(r.Positions), 3}, strs(pos))
	w.array("VisuCoreFrameThickness", []int{1}, strs([]float64{r.Thickness}))
	w.scalar("VisuCoreWordType", "_16BIT_SGN_INT")
	w.scalar("VisuCoreByteOrder", "littleEndian")
	w.array("VisuCoreDataSlope", []int{r.Frames}, strs(r.perFrame(r.Slopes, 1)))
	w.array("VisuCoreDataOffs", []int{r.Frames}, strs(r.perFrame(r.Offsets, 0)))
	if r.SubjectType != "" {
		w.scalar("VisuSubjectType", r.SubjectType)
	}
	if r.SubjectPosition != "" {
		w.scalar("VisuSubjectPosition", r.SubjectPosition)
	}
	w.scalar("VisuAcquisitionProtocol", "<1_Localizer>")
	return w.bytes()
}

func (r Reco) perFrame(vals []float64, def float64) []float64 {
	if vals != nil {
		return vals
	}
	out := make([]float64, r.Frames)
	for i := range out {
		out[i] = def
	}
	return out
}

func (r Reco) twoDSeq() []byte {
	n := r.NX * r.NY * r.Frames
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := int16(i % 1000)
		if r.Value != nil {
			v = r.Value(i)
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out[:len(out)-r.Truncate]
}
