// Package weighting derives the per-pixel frequency weights applied to each
// tilt image before backprojection: exposure-dependent amplitude attenuation
// and cosine tilt weighting.
package weighting

import (
	"fmt"
	"math"

	"tomobackproject/internal/models"
)

// Critical exposure fit of Grant & Grigorieff (eLife 2015), at 300 kV
const (
	criticalA = 0.24499
	criticalB = -1.6649
	criticalC = 2.8141
)

// Options selects which weights are applied
type Options struct {
	// Dose enables exposure-dependent attenuation
	Dose bool

	// Tilt enables cos(tilt angle) weighting
	Tilt bool
}

// voltageScale returns the critical exposure scale factor for an
// accelerating voltage in kV.
func voltageScale(kv float64) (float64, error) {
	switch {
	case math.Abs(kv-300) < 0.5:
		return 1, nil
	case math.Abs(kv-200) < 0.5:
		return 0.8, nil
	default:
		return 0, fmt.Errorf("%w: no critical exposure model for %v kV (supported: 200, 300)", models.ErrConfiguration, kv)
	}
}

// CriticalExposure returns the exposure in e-/A^2 at which the amplitude at
// each frequency has dropped to 1/e. freqs are in cycles per pixel. Frequency
// zero never decays and gets +Inf.
func CriticalExposure(freqs [][2]float64, pixelSize, voltage float64) ([]float64, error) {
	if !(pixelSize > 0) {
		return nil, fmt.Errorf("%w: pixel size %v must be positive", models.ErrConfiguration, pixelSize)
	}
	scale, err := voltageScale(voltage)
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(freqs))
	for i, f := range freqs {
		k := math.Hypot(f[0], f[1]) / pixelSize
		if k == 0 {
			out[i] = math.Inf(1)
			continue
		}
		out[i] = (criticalA*math.Pow(k, criticalB) + criticalC) * scale
	}
	return out, nil
}

// DoseWeights returns exp(-dose / (2 Ne(k))) for every frequency.
func DoseWeights(critical []float64, dose float64) []float64 {
	out := make([]float64, len(critical))
	for i, ne := range critical {
		out[i] = math.Exp(-0.5 * dose / ne)
	}
	return out
}

// TiltWeight returns the cosine weight of a tilt angle in degrees.
func TiltWeight(angle float64) float64 {
	return math.Cos(angle * math.Pi / 180)
}

// Calculator produces frequency weights for the images of one dataset,
// reusing the critical exposure table across tilts.
type Calculator struct {
	opts     Options
	n        int
	critical []float64
}

// NewCalculator prepares weights for images on the given frequency grid.
// The voltage is only consulted when dose weighting is enabled.
func NewCalculator(opts Options, freqs [][2]float64, pixelSize, voltage float64) (*Calculator, error) {
	c := &Calculator{opts: opts, n: len(freqs)}
	if opts.Dose {
		crit, err := CriticalExposure(freqs, pixelSize, voltage)
		if err != nil {
			return nil, err
		}
		c.critical = crit
	}
	return c, nil
}

// Weights returns the frequency weight map for one tilt, or nil when no
// weighting is enabled.
func (c *Calculator) Weights(rec models.TiltRecord) []float64 {
	if !c.opts.Dose && !c.opts.Tilt {
		return nil
	}

	var out []float64
	if c.opts.Dose {
		out = DoseWeights(c.critical, rec.CumulativeDose)
	} else {
		out = make([]float64, c.n)
		for i := range out {
			out[i] = 1
		}
	}
	if c.opts.Tilt {
		w := TiltWeight(rec.TiltAngle)
		for i := range out {
			out[i] *= w
		}
	}
	return out
}
