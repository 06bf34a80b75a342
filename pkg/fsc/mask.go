package fsc

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"tomobackproject/internal/models"
)

// MaskKind selects the real-space mask applied before correlating half maps
type MaskKind int

const (
	// MaskSoft thresholds the map, dilates it and adds a cosine edge
	MaskSoft MaskKind = iota
	// MaskSphere is a spherical window with a linear edge
	MaskSphere
	// MaskNone correlates the unmasked maps
	MaskNone
)

// ParseMaskKind maps a configuration value to a MaskKind.
func ParseMaskKind(s string) (MaskKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "soft":
		return MaskSoft, nil
	case "sphere":
		return MaskSphere, nil
	case "none":
		return MaskNone, nil
	default:
		return 0, fmt.Errorf("%w: unknown FSC mask %q (want soft, sphere or none)", models.ErrConfiguration, s)
	}
}

func (k MaskKind) String() string {
	switch k {
	case MaskSphere:
		return "sphere"
	case MaskNone:
		return "none"
	default:
		return "soft"
	}
}

// MaskOptions configures the FSC mask
type MaskOptions struct {
	Kind MaskKind

	// Inner and Outer bound the sphere edge as fractions of box/2
	Inner float64
	Outer float64

	// Dilation and Edge are the soft mask widths in Angstrom
	Dilation float64
	Edge     float64
}

// DefaultMaskOptions returns a soft mask with 25 A dilation and a 15 A edge.
func DefaultMaskOptions() MaskOptions {
	return MaskOptions{
		Kind:     MaskSoft,
		Inner:    0.85,
		Outer:    0.99,
		Dilation: 25,
		Edge:     15,
	}
}

// Validate checks the option ranges.
func (o MaskOptions) Validate() error {
	switch o.Kind {
	case MaskSphere:
		if o.Inner < 0 || o.Outer > 1 || o.Inner >= o.Outer {
			return fmt.Errorf("%w: sphere mask needs 0 <= inner < outer <= 1, got %v and %v", models.ErrConfiguration, o.Inner, o.Outer)
		}
	case MaskSoft:
		if o.Dilation < 0 || o.Edge < 0 {
			return fmt.Errorf("%w: soft mask widths must be non-negative", models.ErrConfiguration)
		}
	}
	return nil
}

// BuildMask returns the mask selected by opts for real-space maps of side
// box, or nil for MaskNone. The soft mask is derived from ref.
func BuildMask(opts MaskOptions, ref []float64, box int, pixelSize float64) ([]float64, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch opts.Kind {
	case MaskNone:
		return nil, nil
	case MaskSphere:
		return SphereMask(box, opts.Inner, opts.Outer), nil
	default:
		return SoftMask(ref, box, pixelSize, opts.Dilation, opts.Edge)
	}
}

// SphereMask is 1 inside inner*box/2, 0 beyond outer*box/2 and linear in
// between.
func SphereMask(box int, inner, outer float64) []float64 {
	half := box / 2
	rIn := inner * float64(half)
	rOut := outer * float64(half)

	mask := make([]float64, box*box*box)
	for z := 0; z < box; z++ {
		for y := 0; y < box; y++ {
			for x := 0; x < box; x++ {
				dx, dy, dz := x-half, y-half, z-half
				r := math.Sqrt(float64(dx*dx + dy*dy + dz*dz))
				i := (z*box+y)*box + x
				switch {
				case r <= rIn:
					mask[i] = 1
				case r < rOut:
					mask[i] = (rOut - r) / (rOut - rIn)
				}
			}
		}
	}
	return mask
}

// SoftMask thresholds vol at half of its 99.99th percentile, grows the
// result by dilation Angstrom and adds a cosine-squared falloff of edge
// Angstrom.
func SoftMask(vol []float64, box int, pixelSize, dilation, edge float64) ([]float64, error) {
	n := box * box * box
	if len(vol) != n {
		return nil, fmt.Errorf("%w: map has %d voxels, want %d", models.ErrConfiguration, len(vol), n)
	}
	if !(pixelSize > 0) {
		return nil, fmt.Errorf("%w: pixel size %v must be positive", models.ErrConfiguration, pixelSize)
	}

	sorted := append([]float64(nil), vol...)
	sort.Float64s(sorted)
	if math.IsNaN(sorted[0]) || math.IsNaN(sorted[n-1]) {
		return nil, fmt.Errorf("%w: map contains NaN", models.ErrNumericDegeneracy)
	}
	threshold := stat.Quantile(0.9999, stat.Empirical, sorted, nil) / 2

	seed := make([]bool, n)
	found := false
	for i, v := range vol {
		if v >= threshold {
			seed[i] = true
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: map has no voxels above the mask threshold", models.ErrNumericDegeneracy)
	}

	dist := distanceTransform(seed, box)
	grow := dilation / pixelSize
	width := edge / pixelSize

	mask := make([]float64, n)
	for i, d := range dist {
		switch {
		case d <= grow:
			mask[i] = 1
		case width > 0 && d < grow+width:
			c := math.Cos(0.5 * math.Pi * (d - grow) / width)
			mask[i] = c * c
		}
	}
	return mask, nil
}

type offset struct {
	dx, dy, dz int
	length     float64
}

// chamferOffsets returns the 13 neighbours that precede a voxel in raster
// order, with their Euclidean lengths.
func chamferOffsets() []offset {
	var out []offset
	for dz := -1; dz <= 0; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dz == 0 && (dy > 0 || (dy == 0 && dx >= 0)) {
					continue
				}
				out = append(out, offset{dx, dy, dz, math.Sqrt(float64(dx*dx + dy*dy + dz*dz))})
			}
		}
	}
	return out
}

// distanceTransform approximates the distance, in voxels, from every voxel
// to the nearest seed with a two-pass 26-neighbour chamfer.
func distanceTransform(seed []bool, box int) []float64 {
	dist := make([]float64, len(seed))
	for i, s := range seed {
		if !s {
			dist[i] = math.Inf(1)
		}
	}

	offs := chamferOffsets()
	relax := func(x, y, z, sign int) {
		i := (z*box+y)*box + x
		for _, o := range offs {
			nx, ny, nz := x+sign*o.dx, y+sign*o.dy, z+sign*o.dz
			if nx < 0 || ny < 0 || nz < 0 || nx >= box || ny >= box || nz >= box {
				continue
			}
			if d := dist[(nz*box+ny)*box+nx] + o.length; d < dist[i] {
				dist[i] = d
			}
		}
	}

	for z := 0; z < box; z++ {
		for y := 0; y < box; y++ {
			for x := 0; x < box; x++ {
				relax(x, y, z, 1)
			}
		}
	}
	for z := box - 1; z >= 0; z-- {
		for y := box - 1; y >= 0; y-- {
			for x := box - 1; x >= 0; x-- {
				relax(x, y, z, -1)
			}
		}
	}
	return dist
}
