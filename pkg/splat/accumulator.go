// Package splat accumulates 2-D central slices into a 3-D Hartley volume by
// distributing every sample over the surrounding lattice points with a
// linear (tent) kernel, tracking the total weight each voxel received.
package splat

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"tomobackproject/internal/models"
)

// ErrSealed is returned when an accumulator is used after normalization
var ErrSealed = errors.New("splat: accumulator already normalized")

// Accumulator owns a volume and its count volume for one reconstruction.
// It is not safe for concurrent use; parallel workers each keep their own
// and combine them with Merge.
type Accumulator struct {
	// Volume holds the weighted sum of samples per voxel, (B+1)^3
	Volume []float64

	// Counts holds the total interpolation weight per voxel, (B+1)^3
	Counts []float64

	box    int
	d      int
	sealed bool
}

// NewAccumulator returns zeroed buffers for box size B.
func NewAccumulator(box int) (*Accumulator, error) {
	if box < 2 || box%2 != 0 {
		return nil, fmt.Errorf("%w: accumulator box size %d must be even and at least 2", models.ErrConfiguration, box)
	}
	d := box + 1
	n := d * d * d
	return &Accumulator{
		Volume: make([]float64, n),
		Counts: make([]float64, n),
		box:    box,
		d:      d,
	}, nil
}

// Box returns the box size B.
func (a *Accumulator) Box() int { return a.box }

// Corner is one of the eight lattice points a sample is spread over
type Corner struct {
	X, Y, Z int
	Weight  float64
}

// CornerWeights returns the eight corners built from the floor and ceiling of
// each coordinate of c, with weight max(0, 1 - |corner - c|). When a
// coordinate is an integer its floor and ceiling coincide, and the same
// lattice point appears more than once.
func CornerWeights(c r3.Vec) [8]Corner {
	xf, yf, zf := math.Floor(c.X), math.Floor(c.Y), math.Floor(c.Z)
	xc, yc, zc := math.Ceil(c.X), math.Ceil(c.Y), math.Ceil(c.Z)

	pts := [8]r3.Vec{
		{X: xf, Y: yf, Z: zf},
		{X: xc, Y: yf, Z: zf},
		{X: xf, Y: yc, Z: zf},
		{X: xf, Y: yf, Z: zc},
		{X: xc, Y: yc, Z: zf},
		{X: xf, Y: yc, Z: zc},
		{X: xc, Y: yf, Z: zc},
		{X: xc, Y: yc, Z: zc},
	}

	var out [8]Corner
	for i, p := range pts {
		w := 1 - r3.Norm(r3.Sub(p, c))
		if w < 0 {
			w = 0
		}
		out[i] = Corner{X: int(p.X), Y: int(p.Y), Z: int(p.Z), Weight: w}
	}
	return out
}

// Splat adds one sample with value v at lattice coordinate c (centered at
// zero). Corners that fall outside the grid can only arise from rounding at
// the Nyquist boundary, where their weight vanishes; they are dropped.
func (a *Accumulator) Splat(c r3.Vec, v float64) error {
	if a.sealed {
		return ErrSealed
	}
	if !finite(c.X) || !finite(c.Y) || !finite(c.Z) {
		return fmt.Errorf("%w: non-finite coordinate (%v, %v, %v)", models.ErrNumericDegeneracy, c.X, c.Y, c.Z)
	}
	if !finite(v) {
		return fmt.Errorf("%w: non-finite value %v at (%.3f, %.3f, %.3f)", models.ErrNumericDegeneracy, v, c.X, c.Y, c.Z)
	}
	a.splat(c, v)
	return nil
}

func (a *Accumulator) splat(c r3.Vec, v float64) {
	half := a.box / 2
	for _, k := range CornerWeights(c) {
		if k.Weight == 0 {
			continue
		}
		ix, iy, iz := k.X+half, k.Y+half, k.Z+half
		if ix < 0 || iy < 0 || iz < 0 || ix >= a.d || iy >= a.d || iz >= a.d {
			continue
		}
		idx := (iz*a.d+iy)*a.d + ix
		a.Volume[idx] += k.Weight * v
		a.Counts[idx] += k.Weight
	}
}

// AddSlice adds one image's masked, corrected samples at their rotated 3-D
// coordinates. The whole slice is checked before any voxel is touched, so a
// failed call leaves the accumulator unchanged.
func (a *Accumulator) AddSlice(coords []r3.Vec, values []float64) error {
	if a.sealed {
		return ErrSealed
	}
	if len(coords) != len(values) {
		return fmt.Errorf("%w: %d coordinates for %d values", models.ErrConfiguration, len(coords), len(values))
	}
	for i, c := range coords {
		if !finite(c.X) || !finite(c.Y) || !finite(c.Z) {
			return fmt.Errorf("%w: non-finite coordinate for sample %d", models.ErrNumericDegeneracy, i)
		}
	}
	if floats.HasNaN(values) {
		return fmt.Errorf("%w: NaN in slice values", models.ErrNumericDegeneracy)
	}
	for i, v := range values {
		if math.IsInf(v, 0) {
			return fmt.Errorf("%w: infinite value for sample %d", models.ErrNumericDegeneracy, i)
		}
	}

	for i, c := range coords {
		a.splat(c, values[i])
	}
	return nil
}

// Merge adds other into a element-wise. Accumulation is commutative, so
// partial accumulators from parallel workers can be reduced in any order.
func (a *Accumulator) Merge(other *Accumulator) error {
	if a.sealed || other.sealed {
		return ErrSealed
	}
	if a.box != other.box {
		return fmt.Errorf("%w: cannot merge box %d into box %d", models.ErrConfiguration, other.box, a.box)
	}
	floats.Add(a.Volume, other.Volume)
	floats.Add(a.Counts, other.Counts)
	return nil
}

// Sum returns a new accumulator holding a + b, leaving both untouched.
func Sum(a, b *Accumulator) (*Accumulator, error) {
	if a.box != b.box {
		return nil, fmt.Errorf("%w: cannot sum box %d and box %d", models.ErrConfiguration, a.box, b.box)
	}
	out, err := NewAccumulator(a.box)
	if err != nil {
		return nil, err
	}
	floats.AddTo(out.Volume, a.Volume, b.Volume)
	floats.AddTo(out.Counts, a.Counts, b.Counts)
	return out, nil
}

// Normalize divides the volume by the counts, treating zero counts as one so
// that voxels nothing reached stay exactly zero. It seals the accumulator:
// its buffers are never changed again.
func (a *Accumulator) Normalize() ([]float64, error) {
	if a.sealed {
		return nil, ErrSealed
	}
	a.sealed = true
	return Normalized(a.Volume, a.Counts), nil
}

// Normalized returns vol/counts with the zero-count safeguard, without
// touching either input.
func Normalized(vol, counts []float64) []float64 {
	out := make([]float64, len(vol))
	for i, v := range vol {
		c := counts[i]
		if c == 0 {
			c = 1
		}
		out[i] = v / c
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
