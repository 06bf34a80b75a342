// Package reconstruction drives a weighted Fourier-space backprojection of a
// tilt-series dataset: two independent half-set reconstructions, their Fourier
// Shell Correlation, a resolution estimate and a lowpass-filtered merged map.
package reconstruction

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/fsc"
	"tomobackproject/pkg/lattice"
	"tomobackproject/pkg/metadata"
	"tomobackproject/pkg/splat"
)

// ProgressCallback reports progress of the backprojection. When message is
// not empty it is an informational line; otherwise completed and total count
// images.
type ProgressCallback func(completed, total int, message string)

// Params holds the reconstruction parameters
type Params struct {
	// Workers is the number of goroutines accumulating each half set.
	// Results are bit-identical for a given worker count.
	Workers int

	// FSCThreshold is the correlation at which the resolution is read off
	FSCThreshold float64

	// Unresolved decides the reported shell when the FSC never crosses
	// the threshold
	Unresolved fsc.Policy

	// Mask is the real-space mask applied to the half maps before the FSC
	Mask fsc.MaskOptions

	// LowpassResolution overrides the FSC-derived lowpass target, in
	// Angstrom. Zero means use the FSC resolution.
	LowpassResolution float64

	// LowpassEdge is the width of the raised-cosine lowpass edge in shells.
	// Zero gives a hard cutoff.
	LowpassEdge float64

	// PreviewBox, when non-zero, Fourier-crops every image to this smaller
	// even box for a fast, coarser reconstruction
	PreviewBox int

	// Flip mirrors the output maps along z to change handedness
	Flip bool

	// Invert multiplies the output maps by -1
	Invert bool
}

// DefaultParams returns the standard settings: one worker per CPU, FSC at
// 0.143 with a soft mask, lowpass at the FSC resolution.
func DefaultParams() Params {
	return Params{
		Workers:      runtime.NumCPU(),
		FSCThreshold: fsc.DefaultThreshold,
		Unresolved:   fsc.PolicyHighestShell,
		Mask:         fsc.DefaultMaskOptions(),
	}
}

// Validate checks the parameters against a dataset box size.
func (p Params) Validate(box int) error {
	if p.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", models.ErrConfiguration, p.Workers)
	}
	if p.FSCThreshold <= 0 || p.FSCThreshold >= 1 {
		return fmt.Errorf("%w: FSC threshold %v must lie in (0, 1)", models.ErrConfiguration, p.FSCThreshold)
	}
	if p.LowpassResolution < 0 || p.LowpassEdge < 0 {
		return fmt.Errorf("%w: lowpass resolution and edge must be non-negative", models.ErrConfiguration)
	}
	if p.PreviewBox != 0 {
		if p.PreviewBox < 8 || p.PreviewBox%2 != 0 || p.PreviewBox > box {
			return fmt.Errorf("%w: preview box %d must be even, at least 8 and at most %d", models.ErrConfiguration, p.PreviewBox, box)
		}
	}
	return p.Mask.Validate()
}

// Result holds every product of a reconstruction. Maps are real-space
// cubes of side Box indexed (z*Box + y)*Box + x.
type Result struct {
	Box       int
	PixelSize float64

	Merged   []float64
	Filtered []float64
	Half1    []float64
	Half2    []float64

	Curve *fsc.Curve

	// Resolution is the FSC resolution in cycles per pixel
	Resolution float64

	// ResolutionAngstrom is Resolution converted with PixelSize
	ResolutionAngstrom float64

	// LowpassAngstrom is the resolution the filtered map was cut at
	LowpassAngstrom float64

	// Images and Particles count the inputs of each half set
	Images    [2]int
	Particles [2]int
}

// Reconstructor runs the two-half-set backprojection of one dataset
type Reconstructor struct {
	params Params
	source metadata.Source
	log    *logrus.Logger

	dataset models.Dataset

	// full is the lattice of the input images; lat is the lattice the
	// reconstruction runs on, smaller than full in preview mode
	full *lattice.Lattice
	lat  *lattice.Lattice

	// pixelSize is the sampling of the reconstruction, larger than the
	// dataset pixel size in preview mode
	pixelSize float64

	progressMu sync.Mutex
	progress   ProgressCallback
}

// NewReconstructor validates the parameters against the source's dataset and
// prepares the lattices. logger may be nil.
func NewReconstructor(params Params, source metadata.Source, logger *logrus.Logger) (*Reconstructor, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: no metadata source", models.ErrConfiguration)
	}
	ds := source.Dataset()
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(ds.BoxSize); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	full, err := lattice.New(ds.BoxSize)
	if err != nil {
		return nil, err
	}
	lat := full
	pixelSize := ds.PixelSize
	if params.PreviewBox != 0 && params.PreviewBox != ds.BoxSize {
		if lat, err = full.Downsample(params.PreviewBox); err != nil {
			return nil, err
		}
		pixelSize = ds.PixelSize * float64(ds.BoxSize) / float64(params.PreviewBox)
	}

	return &Reconstructor{
		params:    params,
		source:    source,
		log:       logger,
		dataset:   ds,
		full:      full,
		lat:       lat,
		pixelSize: pixelSize,
	}, nil
}

// SetProgressCallback installs a progress callback. It is called from worker
// goroutines, one call at a time.
func (r *Reconstructor) SetProgressCallback(cb ProgressCallback) {
	r.progressMu.Lock()
	r.progress = cb
	r.progressMu.Unlock()
}

func (r *Reconstructor) reportProgress(completed, total int, message string) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	if r.progress != nil {
		r.progress(completed, total, message)
	}
}

// Box returns the box size of the reconstruction.
func (r *Reconstructor) Box() int { return r.lat.Box() }

// PixelSize returns the sampling of the reconstruction in Angstrom.
func (r *Reconstructor) PixelSize() float64 { return r.pixelSize }

// Process runs the complete pipeline. Any failure aborts the whole
// reconstruction and no partial result is returned.
func (r *Reconstructor) Process() (*Result, error) {
	records := r.source.Records()
	if err := r.validate(records); err != nil {
		return nil, err
	}

	halves := [2]models.HalfSet{models.Half1, models.Half2}
	counts := [2]int{}
	for i, h := range halves {
		counts[i] = len(metadata.SelectHalf(records, h))
		if counts[i] == 0 {
			return nil, fmt.Errorf("%w: %s has no images", models.ErrDataConsistency, h)
		}
	}

	r.log.WithFields(logrus.Fields{
		"box":     r.lat.Box(),
		"apix":    r.pixelSize,
		"half1":   counts[0],
		"half2":   counts[1],
		"workers": r.params.Workers,
	}).Info("backprojecting half sets")
	r.reportProgress(0, 0, fmt.Sprintf("Backprojecting %d + %d images on a %d^3 lattice...", counts[0], counts[1], r.lat.Box()))

	// Step 1: the two half sets are independent reconstructions
	var done atomic.Int64
	total := counts[0] + counts[1]
	var accs [2]*splat.Accumulator
	g, ctx := errgroup.WithContext(context.Background())
	for i, h := range halves {
		g.Go(func() error {
			acc, err := r.backproject(ctx, h, func() {
				r.reportProgress(int(done.Add(1)), total, "")
			})
			if err != nil {
				return fmt.Errorf("%s: %w", h, err)
			}
			accs[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 2: merge, assess and filter
	r.reportProgress(0, 0, "Normalizing and computing FSC...")
	res, err := r.assess(accs[0], accs[1])
	if err != nil {
		return nil, err
	}
	for i, h := range halves {
		res.Images[i] = counts[i]
		res.Particles[i] = len(metadata.Particles(metadata.SelectHalf(records, h)))
	}

	r.log.WithFields(logrus.Fields{
		"resolution": fmt.Sprintf("%.2f A", res.ResolutionAngstrom),
		"frequency":  res.Resolution,
		"lowpass":    fmt.Sprintf("%.2f A", res.LowpassAngstrom),
	}).Info("reconstruction complete")
	return res, nil
}

// validate checks half-set labels and poses before anything is accumulated.
func (r *Reconstructor) validate(records []models.TiltRecord) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: dataset has no records", models.ErrConfiguration)
	}
	if err := metadata.ValidateHalfSets(records); err != nil {
		return err
	}
	for _, rec := range records {
		if err := lattice.CheckRotation(rec.Pose.Rotation); err != nil {
			return fmt.Errorf("particle %q tilt %d: %w", rec.ParticleID, rec.TiltIndex, err)
		}
	}
	return nil
}

// BackprojectHalf accumulates every image of one half set into a fresh
// accumulator. The half-set labels of the whole dataset are validated first.
func (r *Reconstructor) BackprojectHalf(half models.HalfSet) (*splat.Accumulator, error) {
	if !half.Valid() {
		return nil, fmt.Errorf("%w: invalid half set %d", models.ErrConfiguration, int(half))
	}
	if err := r.validate(r.source.Records()); err != nil {
		return nil, err
	}
	return r.backproject(context.Background(), half, nil)
}

// backproject stripes the records of one half over the workers, each with a
// private accumulator, and reduces the partial results in worker order.
func (r *Reconstructor) backproject(parent context.Context, half models.HalfSet, tick func()) (*splat.Accumulator, error) {
	records := metadata.SelectHalf(r.source.Records(), half)
	workers := r.params.Workers
	if workers > len(records) {
		workers = len(records)
	}
	if workers < 1 {
		workers = 1
	}

	partial := make([]*splat.Accumulator, workers)
	for w := range partial {
		acc, err := splat.NewAccumulator(r.lat.Box())
		if err != nil {
			return nil, err
		}
		partial[w] = acc
	}

	g, ctx := errgroup.WithContext(parent)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := w; i < len(records); i += workers {
				if ctx.Err() != nil {
					return nil
				}
				if err := r.backprojectRecord(partial[w], records[i]); err != nil {
					return err
				}
				if tick != nil {
					tick()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}

	acc := partial[0]
	for _, p := range partial[1:] {
		if err := acc.Merge(p); err != nil {
			return nil, err
		}
	}
	r.log.WithFields(logrus.Fields{"half": half.String(), "images": len(records)}).Debug("half set accumulated")
	return acc, nil
}

func (r *Reconstructor) backprojectRecord(acc *splat.Accumulator, rec models.TiltRecord) error {
	img, err := r.source.Load(rec)
	if err != nil {
		return fmt.Errorf("particle %q tilt %d: %w", rec.ParticleID, rec.TiltIndex, err)
	}
	coords, values, err := r.prepareSlice(img)
	if err != nil {
		return fmt.Errorf("particle %q tilt %d: %w", rec.ParticleID, rec.TiltIndex, err)
	}
	if err := acc.AddSlice(coords, values); err != nil {
		return fmt.Errorf("particle %q tilt %d: %w", rec.ParticleID, rec.TiltIndex, err)
	}
	return nil
}
