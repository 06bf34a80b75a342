// Package fsc measures the agreement of two independently reconstructed
// half maps as a Fourier Shell Correlation curve, converts the curve into a
// resolution estimate and lowpass filters a map to a target resolution.
package fsc

import (
	"fmt"
	"math"
	"strings"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/hartley"
)

// DefaultThreshold is the gold-standard half-map correlation cutoff
const DefaultThreshold = 0.143

// Curve is an FSC curve. Frequency is in cycles per pixel and increases
// strictly; Correlation[0] is the DC shell and always 1.
type Curve struct {
	Frequency   []float64
	Correlation []float64
}

// Len returns the number of shells.
func (c *Curve) Len() int { return len(c.Frequency) }

// Policy decides which shell is reported when the curve never falls below
// the threshold
type Policy int

const (
	// PolicyHighestShell reports the highest sampled frequency
	PolicyHighestShell Policy = iota
	// PolicyLowestShell reports the first shell above DC
	PolicyLowestShell
)

// ParsePolicy maps a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "highest":
		return PolicyHighestShell, nil
	case "lowest":
		return PolicyLowestShell, nil
	default:
		return 0, fmt.Errorf("%w: unknown unresolved policy %q (want highest or lowest)", models.ErrConfiguration, s)
	}
}

func (p Policy) String() string {
	if p == PolicyLowestShell {
		return "lowest"
	}
	return "highest"
}

// Compute correlates two centered Hartley volumes of side box, indexed
// (z*box + y)*box + x with frequency zero at box/2. Shell i holds the voxels
// with i-1 <= r < i, for i = 1 .. box/2-1; entry 0 is fixed at 1. Because the
// Hartley transform of a real map carries the same information as its Fourier
// transform, this equals the usual complex FSC.
func Compute(a, b []float64, box int) (*Curve, error) {
	if box < 4 || box%2 != 0 {
		return nil, fmt.Errorf("%w: FSC box size %d must be even and at least 4", models.ErrConfiguration, box)
	}
	n := box * box * box
	if len(a) != n || len(b) != n {
		return nil, fmt.Errorf("%w: FSC volumes have %d and %d voxels, want %d", models.ErrConfiguration, len(a), len(b), n)
	}

	shells := box / 2
	num := make([]float64, shells)
	sa := make([]float64, shells)
	sb := make([]float64, shells)

	half := box / 2
	for z := 0; z < box; z++ {
		dz := z - half
		for y := 0; y < box; y++ {
			dy := y - half
			row := (z*box + y) * box
			for x := 0; x < box; x++ {
				dx := x - half
				r := math.Sqrt(float64(dx*dx + dy*dy + dz*dz))
				// shell i collects i-1 <= r < i
				s := int(math.Floor(r)) + 1
				if s >= shells {
					continue
				}
				va, vb := a[row+x], b[row+x]
				if math.IsNaN(va) || math.IsInf(va, 0) || math.IsNaN(vb) || math.IsInf(vb, 0) {
					return nil, fmt.Errorf("%w: non-finite voxel at (%d, %d, %d)", models.ErrNumericDegeneracy, dx, dy, dz)
				}
				num[s] += va * vb
				sa[s] += va * va
				sb[s] += vb * vb
			}
		}
	}

	c := &Curve{
		Frequency:   make([]float64, shells),
		Correlation: make([]float64, shells),
	}
	for i := 0; i < shells; i++ {
		c.Frequency[i] = float64(i) / float64(box)
		if i == 0 {
			c.Correlation[i] = 1
			continue
		}
		den := math.Sqrt(sa[i] * sb[i])
		if den > 0 {
			c.Correlation[i] = num[i] / den
		}
	}
	return c, nil
}

// FromRealSpace applies mask (nil for none) to two real-space maps of side
// box, transforms them and correlates the result.
func FromRealSpace(a, b []float64, box int, mask []float64) (*Curve, error) {
	n := box * box * box
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("%w: mask has %d voxels, want %d", models.ErrConfiguration, len(mask), n)
	}
	ma, mb := a, b
	if mask != nil {
		ma = applyMask(a, mask)
		mb = applyMask(b, mask)
	}

	ha, err := hartley.HT3(ma, box)
	if err != nil {
		return nil, fmt.Errorf("failed to transform first half map: %w", err)
	}
	hb, err := hartley.HT3(mb, box)
	if err != nil {
		return nil, fmt.Errorf("failed to transform second half map: %w", err)
	}
	return Compute(ha, hb, box)
}

func applyMask(vol, mask []float64) []float64 {
	out := make([]float64, len(vol))
	for i, v := range vol {
		out[i] = v * mask[i]
	}
	return out
}

// Resolution returns the frequency, in cycles per pixel, of the first shell
// whose correlation drops below threshold. When no shell does, policy picks
// the reported shell.
func Resolution(c *Curve, threshold float64, policy Policy) (float64, error) {
	if c == nil || c.Len() < 2 {
		return 0, fmt.Errorf("%w: FSC curve needs at least two shells", models.ErrConfiguration)
	}
	for i, v := range c.Correlation {
		if v < threshold {
			return c.Frequency[i], nil
		}
	}
	if policy == PolicyLowestShell {
		return c.Frequency[1], nil
	}
	return c.Frequency[c.Len()-1], nil
}

// Angstrom converts a frequency in cycles per pixel to a resolution in
// Angstrom.
func Angstrom(freq, pixelSize float64) float64 {
	if freq <= 0 {
		return math.Inf(1)
	}
	return pixelSize / freq
}
