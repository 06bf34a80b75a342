package reconstruction

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/fsc"
	"tomobackproject/pkg/lattice"
	"tomobackproject/pkg/metadata"
	"tomobackproject/pkg/splat"
	"tomobackproject/pkg/weighting"
)

const testBox = 16

// deltaReader returns a point dx, dy pixels off the image center for every
// reference. A centered point has a transform of 1 at every frequency.
type deltaReader struct {
	box    int
	dx, dy int
}

func (r deltaReader) ReadImage(ref string) ([]float64, error) {
	img := make([]float64, r.box*r.box)
	img[(r.box/2+r.dy)*r.box+r.box/2+r.dx] = 1
	return img, nil
}

func tiltAboutY(deg float64) [3][3]float64 {
	s, c := math.Sincos(deg * math.Pi / 180)
	return [3][3]float64{{c, 0, -s}, {0, 1, 0}, {s, 0, c}}
}

// tiltSeries builds one particle per half set, both seeing the same tilts
// evenly spread over 180 degrees
func tiltSeries(tilts int) []models.TiltRecord {
	var recs []models.TiltRecord
	for p, half := range []models.HalfSet{models.Half1, models.Half2} {
		for i := 0; i < tilts; i++ {
			angle := float64(i) * 180 / float64(tilts)
			pose := models.Identity()
			pose.Rotation = tiltAboutY(angle)
			recs = append(recs, models.TiltRecord{
				ParticleID: fmt.Sprintf("p%d", p),
				TiltIndex:  i,
				ImageRef:   fmt.Sprintf("%d@series.mrcs", i+1),
				Pose:       pose,
				TiltAngle:  angle,
				Half:       half,
			})
		}
	}
	return recs
}

func newSource(t *testing.T, recs []models.TiltRecord) *metadata.Adapter {
	t.Helper()
	return newShiftedSource(t, recs, deltaReader{box: testBox}, metadata.AdapterOptions{})
}

func newShiftedSource(t *testing.T, recs []models.TiltRecord, reader deltaReader, opts metadata.AdapterOptions) *metadata.Adapter {
	t.Helper()
	ds := models.Dataset{BoxSize: testBox, PixelSize: 2}
	src, err := metadata.NewAdapter(ds, recs, reader, opts, nil)
	if err != nil {
		t.Fatalf("Failed to create source: %v", err)
	}
	return src
}

// testCTF is a 300 kV CTF with several zero crossings below Nyquist at 2 A
func testCTF() models.CTFParams {
	return models.CTFParams{
		PixelSize:           2,
		DefocusU:            15000,
		DefocusV:            14000,
		DefocusAngle:        10,
		Voltage:             300,
		SphericalAberration: 2.7,
		AmplitudeContrast:   0.1,
	}
}

// exposedSeries is tiltSeries with a CTF, a dose-symmetric exposure and
// stage tilts within +-60 degrees on every record, each image shifted by
// (dx, dy) pixels
func exposedSeries(tilts int, dx, dy float64) []models.TiltRecord {
	recs := tiltSeries(tilts)
	for i := range recs {
		k := recs[i].TiltIndex
		recs[i].CTF = testCTF()
		recs[i].CumulativeDose = float64(3 * k)
		recs[i].TiltAngle = -60 + 120*float64(k)/float64(tilts-1)
		recs[i].Pose.Translation = [2]float64{dx, dy}
	}
	return recs
}

func testParams(workers int) Params {
	p := DefaultParams()
	p.Workers = workers
	p.Mask = fsc.MaskOptions{Kind: fsc.MaskSphere, Inner: 0.85, Outer: 0.99}
	return p
}

// nanSource corrupts one image of the second half set
type nanSource struct {
	*metadata.Adapter
}

func (s nanSource) Load(rec models.TiltRecord) (*models.TiltImage, error) {
	img, err := s.Adapter.Load(rec)
	if err != nil {
		return nil, err
	}
	if rec.Half == models.Half2 && rec.TiltIndex == 1 {
		for i := range img.Data {
			img.Data[i] = math.NaN()
		}
	}
	return img, nil
}

// TestNewReconstructor verifies that parameters and source are checked
func TestNewReconstructor(t *testing.T) {
	src := newSource(t, tiltSeries(2))

	r, err := NewReconstructor(testParams(2), src, nil)
	if err != nil {
		t.Fatalf("Failed to create reconstructor: %v", err)
	}
	if r.Box() != testBox || r.PixelSize() != 2 {
		t.Errorf("Expected box %d at 2 A, got %d at %v A", testBox, r.Box(), r.PixelSize())
	}

	if _, err := NewReconstructor(testParams(2), nil, nil); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("Expected configuration error for nil source, got %v", err)
	}
	if _, err := NewReconstructor(testParams(0), src, nil); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("Expected configuration error for zero workers, got %v", err)
	}
}

// TestParamsValidate verifies the parameter ranges
func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(testBox); err != nil {
		t.Fatalf("Default parameters should be valid: %v", err)
	}

	testCases := []struct {
		name   string
		modify func(p *Params)
	}{
		{"no workers", func(p *Params) { p.Workers = 0 }},
		{"threshold one", func(p *Params) { p.FSCThreshold = 1 }},
		{"threshold zero", func(p *Params) { p.FSCThreshold = 0 }},
		{"negative lowpass", func(p *Params) { p.LowpassResolution = -5 }},
		{"negative edge", func(p *Params) { p.LowpassEdge = -1 }},
		{"odd preview", func(p *Params) { p.PreviewBox = 9 }},
		{"tiny preview", func(p *Params) { p.PreviewBox = 6 }},
		{"preview too large", func(p *Params) { p.PreviewBox = 2 * testBox }},
		{"inverted sphere", func(p *Params) { p.Mask = fsc.MaskOptions{Kind: fsc.MaskSphere, Inner: 0.9, Outer: 0.5} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.modify(&p)
			if err := p.Validate(testBox); !errors.Is(err, models.ErrConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

// TestProcessPointSource reconstructs a point at the box center from two
// identical half sets
func TestProcessPointSource(t *testing.T) {
	src := newSource(t, tiltSeries(18))
	r, err := NewReconstructor(testParams(3), src, nil)
	if err != nil {
		t.Fatalf("Failed to create reconstructor: %v", err)
	}

	ticks, maxDone := 0, 0
	r.SetProgressCallback(func(completed, total int, message string) {
		if message != "" {
			return
		}
		ticks++
		if total != 36 {
			t.Errorf("Expected 36 images in total, got %d", total)
		}
		if completed > maxDone {
			maxDone = completed
		}
	})

	res, err := r.Process()
	if err != nil {
		t.Fatalf("Reconstruction failed: %v", err)
	}

	if ticks != 36 || maxDone != 36 {
		t.Errorf("Expected 36 progress ticks reaching 36, got %d reaching %d", ticks, maxDone)
	}
	if res.Box != testBox || res.PixelSize != 2 {
		t.Errorf("Unexpected result sampling: box %d, %v A", res.Box, res.PixelSize)
	}
	n := testBox * testBox * testBox
	for name, m := range map[string][]float64{"merged": res.Merged, "filtered": res.Filtered, "half1": res.Half1, "half2": res.Half2} {
		if len(m) != n {
			t.Fatalf("%s map has %d voxels, want %d", name, len(m), n)
		}
	}

	c := testBox / 2
	center := (c*testBox+c)*testBox + c
	if got := floats.MaxIdx(res.Merged); got != center {
		t.Errorf("Expected merged peak at the center %d, got %d", center, got)
	}
	if got := floats.MaxIdx(res.Filtered); got != center {
		t.Errorf("Expected filtered peak at the center %d, got %d", center, got)
	}

	if !cmp.Equal(res.Half1, res.Half2) {
		t.Error("Identical half sets should give identical half maps")
	}
	if !cmp.Equal(res.Merged, res.Half1, cmpopts.EquateApprox(0, 1e-12)) {
		t.Error("Merged map should equal the half maps when both halves agree")
	}

	for i := 1; i < res.Curve.Len(); i++ {
		if res.Curve.Correlation[i] < 0.999 {
			t.Errorf("Expected FSC 1 in shell %d, got %f", i, res.Curve.Correlation[i])
		}
	}
	wantFreq := float64(testBox/2-1) / testBox
	if res.Resolution != wantFreq {
		t.Errorf("Expected resolution at the highest shell %f, got %f", wantFreq, res.Resolution)
	}
	if math.Abs(res.ResolutionAngstrom-2/wantFreq) > 1e-9 {
		t.Errorf("Expected %f A, got %f A", 2/wantFreq, res.ResolutionAngstrom)
	}
	if res.LowpassAngstrom != res.ResolutionAngstrom {
		t.Errorf("Lowpass should follow the FSC resolution, got %f", res.LowpassAngstrom)
	}
	if res.Images != [2]int{18, 18} || res.Particles != [2]int{1, 1} {
		t.Errorf("Unexpected counts: images %v, particles %v", res.Images, res.Particles)
	}
}

// TestProcessShiftedPointSource verifies that the pose translation moves an
// off-center point back to the center, at full size and in preview mode
func TestProcessShiftedPointSource(t *testing.T) {
	testCases := []struct {
		name       string
		previewBox int
		box        int
	}{
		{"full size", 0, testBox},
		{"preview", 8, 8},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			recs := tiltSeries(12)
			for i := range recs {
				recs[i].Pose.Translation = [2]float64{-4, 2}
			}
			src := newShiftedSource(t, recs, deltaReader{box: testBox, dx: 4, dy: -2}, metadata.AdapterOptions{})

			params := testParams(2)
			params.PreviewBox = tc.previewBox
			r, err := NewReconstructor(params, src, nil)
			if err != nil {
				t.Fatalf("Failed to create reconstructor: %v", err)
			}
			res, err := r.Process()
			if err != nil {
				t.Fatalf("Reconstruction failed: %v", err)
			}

			c := tc.box / 2
			center := (c*tc.box+c)*tc.box + c
			if got := floats.MaxIdx(res.Merged); got != center {
				t.Errorf("Expected merged peak at the center %d, got %d", center, got)
			}

			// the same run on centered images without a shift
			want, err := NewReconstructor(params, newSource(t, tiltSeries(12)), nil)
			if err != nil {
				t.Fatalf("Failed to create reconstructor: %v", err)
			}
			ref, err := want.Process()
			if err != nil {
				t.Fatalf("Reconstruction failed: %v", err)
			}
			if !cmp.Equal(ref.Merged, res.Merged, cmpopts.EquateApprox(0, 1e-9)) {
				t.Error("Shifted and centered point sources should give the same map")
			}
		})
	}
}

// TestProcessWithCTFAndWeighting runs the default parameters, soft FSC mask
// included, on shifted images with a CTF and both frequency weights
func TestProcessWithCTFAndWeighting(t *testing.T) {
	opts := metadata.AdapterOptions{Weighting: weighting.Options{Dose: true, Tilt: true}}

	for _, previewBox := range []int{0, 8} {
		t.Run(fmt.Sprintf("preview %d", previewBox), func(t *testing.T) {
			params := DefaultParams()
			params.Workers = 2
			params.PreviewBox = previewBox

			run := func(reader deltaReader, dx, dy float64) *Result {
				src := newShiftedSource(t, exposedSeries(12, dx, dy), reader, opts)
				r, err := NewReconstructor(params, src, nil)
				if err != nil {
					t.Fatalf("Failed to create reconstructor: %v", err)
				}
				res, err := r.Process()
				if err != nil {
					t.Fatalf("Reconstruction failed: %v", err)
				}
				return res
			}

			res := run(deltaReader{box: testBox, dx: 4, dy: -2}, -4, 2)
			if !cmp.Equal(res.Half1, res.Half2) {
				t.Error("Identical half sets should give identical half maps")
			}
			for i := 1; i < res.Curve.Len(); i++ {
				if res.Curve.Correlation[i] < 0.999 {
					t.Errorf("Expected FSC 1 in shell %d, got %f", i, res.Curve.Correlation[i])
				}
			}
			if floats.HasNaN(res.Filtered) {
				t.Error("Filtered map contains NaN")
			}

			ref := run(deltaReader{box: testBox}, 0, 0)
			if !cmp.Equal(ref.Merged, res.Merged, cmpopts.EquateApprox(0, 1e-9)) {
				t.Error("Translation should commute with the CTF and the weights")
			}

			// the phase flip must change the map
			src := newShiftedSource(t, tiltSeries(12), deltaReader{box: testBox}, metadata.AdapterOptions{})
			r, err := NewReconstructor(params, src, nil)
			if err != nil {
				t.Fatalf("Failed to create reconstructor: %v", err)
			}
			flat, err := r.Process()
			if err != nil {
				t.Fatalf("Reconstruction failed: %v", err)
			}
			if cmp.Equal(flat.Merged, res.Merged, cmpopts.EquateApprox(0, 1e-6)) {
				t.Error("CTF correction and weighting left the map unchanged")
			}
		})
	}
}

// TestPrepareSlicePreviewMatchesFull verifies that a preview slice carries
// the full-size values at the shared frequencies: the shift is rescaled to
// the preview pixels and the CTF is evaluated at the coarser sampling
func TestPrepareSlicePreviewMatchesFull(t *testing.T) {
	src := newSource(t, tiltSeries(2))
	full, err := NewReconstructor(testParams(1), src, nil)
	if err != nil {
		t.Fatalf("Failed to create reconstructor: %v", err)
	}
	params := testParams(1)
	params.PreviewBox = 8
	preview, err := NewReconstructor(params, src, nil)
	if err != nil {
		t.Fatalf("Failed to create preview reconstructor: %v", err)
	}

	n := (testBox + 1) * (testBox + 1)
	newImage := func(ctf models.CTFParams) *models.TiltImage {
		img := &models.TiltImage{
			Record:  models.TiltRecord{Pose: models.Identity(), CTF: ctf},
			Data:    make([]float64, n),
			Weights: make([]float64, n),
		}
		img.Record.Pose.Translation = [2]float64{3, -5}
		for i := range img.Data {
			img.Data[i] = math.Sin(0.37 * float64(i))
			img.Weights[i] = 0.5 + 0.5*math.Cos(0.11*float64(i))
		}
		return img
	}

	byCoord := func(coords []r3.Vec, values []float64) map[[2]int]float64 {
		out := make(map[[2]int]float64, len(coords))
		for k, c := range coords {
			if c.Z != 0 {
				t.Fatalf("Identity pose moved sample %d off the z=0 plane", k)
			}
			out[[2]int{int(math.Round(c.X)), int(math.Round(c.Y))}] = values[k]
		}
		return out
	}

	coords, values, err := full.prepareSlice(newImage(testCTF()))
	if err != nil {
		t.Fatalf("Failed to prepare full slice: %v", err)
	}
	want := byCoord(coords, values)

	coords, values, err = preview.prepareSlice(newImage(testCTF()))
	if err != nil {
		t.Fatalf("Failed to prepare preview slice: %v", err)
	}
	got := byCoord(coords, values)
	if len(got) == 0 || len(got) >= len(want) {
		t.Fatalf("Expected the preview slice to be a strict subset, got %d of %d samples", len(got), len(want))
	}
	for xy, v := range got {
		w, ok := want[xy]
		if !ok {
			t.Fatalf("Preview sample %v is outside the full slice", xy)
		}
		if math.Abs(v-w) > 1e-9 {
			t.Errorf("Sample %v: preview %v, full %v", xy, v, w)
		}
	}

	// without a CTF some samples keep the sign the phase flip changed
	coords, values, err = full.prepareSlice(newImage(models.CTFParams{}))
	if err != nil {
		t.Fatalf("Failed to prepare slice: %v", err)
	}
	flipped := 0
	for xy, v := range byCoord(coords, values) {
		if v*want[xy] < 0 {
			flipped++
		}
	}
	if flipped == 0 {
		t.Error("Expected the CTF to flip some samples")
	}

	bad := newImage(testCTF())
	bad.Weights = bad.Weights[:10]
	if _, _, err := full.prepareSlice(bad); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("Expected configuration error for short weights, got %v", err)
	}
}

// TestBackprojectHalfMatchesSplatting verifies that a slice with no shift
// and no CTF lands on the lattice exactly as a direct splat would
func TestBackprojectHalfMatchesSplatting(t *testing.T) {
	recs := tiltSeries(3)
	src := newSource(t, recs)
	r, err := NewReconstructor(testParams(1), src, nil)
	if err != nil {
		t.Fatalf("Failed to create reconstructor: %v", err)
	}

	got, err := r.BackprojectHalf(models.Half1)
	if err != nil {
		t.Fatalf("Backprojection failed: %v", err)
	}

	lat, err := lattice.New(testBox)
	if err != nil {
		t.Fatalf("Failed to create lattice: %v", err)
	}
	want, err := splat.NewAccumulator(testBox)
	if err != nil {
		t.Fatalf("Failed to create accumulator: %v", err)
	}
	mask := lat.DefaultMask()
	for _, rec := range metadata.SelectHalf(recs, models.Half1) {
		img, err := src.Load(rec)
		if err != nil {
			t.Fatalf("Failed to load image: %v", err)
		}
		values := make([]float64, len(mask))
		for k, i := range mask {
			values[k] = img.Data[i]
		}
		if err := want.AddSlice(lat.Rotate(mask, rec.Pose.Rotation), values); err != nil {
			t.Fatalf("Direct splat failed: %v", err)
		}
	}

	if diff := cmp.Diff(want.Volume, got.Volume); diff != "" {
		t.Errorf("Volume mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Counts, got.Counts); diff != "" {
		t.Errorf("Counts mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.BackprojectHalf(models.Unassigned); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("Expected configuration error for unassigned half, got %v", err)
	}
}

// TestWorkerCountReproducibility verifies that the worker count only changes
// the summation order
func TestWorkerCountReproducibility(t *testing.T) {
	recs := tiltSeries(9)

	run := func(workers int) *Result {
		r, err := NewReconstructor(testParams(workers), newSource(t, recs), nil)
		if err != nil {
			t.Fatalf("Failed to create reconstructor: %v", err)
		}
		res, err := r.Process()
		if err != nil {
			t.Fatalf("Reconstruction with %d workers failed: %v", workers, err)
		}
		return res
	}

	one := run(1)
	four := run(4)
	again := run(4)

	if !cmp.Equal(one.Merged, four.Merged, cmpopts.EquateApprox(0, 1e-9)) {
		t.Error("Merged maps differ between 1 and 4 workers")
	}
	if !cmp.Equal(four.Merged, again.Merged) {
		t.Error("Merged maps differ between two runs with 4 workers")
	}
}

// TestNonFiniteImageAborts verifies that a NaN sample fails the whole run
func TestNonFiniteImageAborts(t *testing.T) {
	src := nanSource{newSource(t, tiltSeries(4))}
	r, err := NewReconstructor(testParams(2), src, nil)
	if err != nil {
		t.Fatalf("Failed to create reconstructor: %v", err)
	}

	res, err := r.Process()
	if !errors.Is(err, models.ErrNumericDegeneracy) {
		t.Fatalf("Expected numeric degeneracy, got %v", err)
	}
	if res != nil {
		t.Error("Expected no partial result")
	}
}

// TestValidationBeforeAccumulation verifies that inconsistent metadata is
// rejected before any image is read
func TestValidationBeforeAccumulation(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(recs []models.TiltRecord)
		want   error
	}{
		{"split particle", func(recs []models.TiltRecord) { recs[1].Half = models.Half2 }, models.ErrDataConsistency},
		{"unassigned", func(recs []models.TiltRecord) {
			for i := range recs {
				recs[i].Half = models.Unassigned
			}
		}, models.ErrDataConsistency},
		{"nan rotation", func(recs []models.TiltRecord) { recs[2].Pose.Rotation[0][0] = math.NaN() }, models.ErrNumericDegeneracy},
		{"scaled rotation", func(recs []models.TiltRecord) { recs[0].Pose.Rotation[1][1] = 2 }, models.ErrConfiguration},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			recs := tiltSeries(3)
			tc.modify(recs)
			r, err := NewReconstructor(testParams(2), newSource(t, recs), nil)
			if err != nil {
				t.Fatalf("Failed to create reconstructor: %v", err)
			}
			loaded := 0
			r.SetProgressCallback(func(completed, total int, message string) {
				if message == "" {
					loaded++
				}
			})
			res, err := r.Process()
			if !errors.Is(err, tc.want) {
				t.Fatalf("Expected %v, got %v", tc.want, err)
			}
			if res != nil || loaded != 0 {
				t.Errorf("Expected no result and no images processed, got %d images", loaded)
			}
		})
	}
}

// TestPreviewBox verifies the coarser sampling of a preview reconstruction
func TestPreviewBox(t *testing.T) {
	params := testParams(2)
	params.PreviewBox = 8
	r, err := NewReconstructor(params, newSource(t, tiltSeries(12)), nil)
	if err != nil {
		t.Fatalf("Failed to create reconstructor: %v", err)
	}
	if r.Box() != 8 || r.PixelSize() != 4 {
		t.Fatalf("Expected preview box 8 at 4 A, got %d at %v A", r.Box(), r.PixelSize())
	}

	res, err := r.Process()
	if err != nil {
		t.Fatalf("Preview reconstruction failed: %v", err)
	}
	if res.Box != 8 || res.PixelSize != 4 || len(res.Merged) != 512 {
		t.Errorf("Unexpected preview result: box %d, %v A, %d voxels", res.Box, res.PixelSize, len(res.Merged))
	}
	if got := floats.MaxIdx(res.Merged); got != (4*8+4)*8+4 {
		t.Errorf("Expected preview peak at the center, got index %d", got)
	}
}

// TestFinish verifies the handedness flip and contrast inversion
func TestFinish(t *testing.T) {
	vol := []float64{0, 1, 2, 3, 4, 5, 6, 7}

	r := &Reconstructor{params: Params{Flip: true, Invert: true}}
	want := []float64{-4, -5, -6, -7, -0, -1, -2, -3}
	if got := r.finish(vol); !cmp.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	r = &Reconstructor{params: Params{Invert: true}}
	got := r.finish(vol)
	if got[3] != -3 || vol[3] != 3 {
		t.Errorf("Inversion should copy the map, got %v from %v", got, vol)
	}

	r = &Reconstructor{}
	if got := r.finish(vol); &got[0] != &vol[0] {
		t.Error("Expected the map to pass through unchanged")
	}
}
