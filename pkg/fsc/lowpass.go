package fsc

import (
	"fmt"
	"math"

	"tomobackproject/internal/models"
)

// Lowpass returns a copy of a centered Hartley volume with every frequency
// finer than resolution (Angstrom) removed. vol may be sampled on the box^3
// grid or on the symmetric (box+1)^3 lattice; either way frequency zero sits
// at index box/2. edge > 0 replaces the hard cutoff with a raised-cosine
// falloff that many shells wide, starting at the cutoff.
func Lowpass(vol []float64, box int, pixelSize, resolution, edge float64) ([]float64, error) {
	if !(resolution > 0) || math.IsInf(resolution, 0) {
		return nil, fmt.Errorf("%w: lowpass resolution %v must be positive and finite", models.ErrConfiguration, resolution)
	}
	if !(pixelSize > 0) {
		return nil, fmt.Errorf("%w: pixel size %v must be positive", models.ErrConfiguration, pixelSize)
	}
	if edge < 0 {
		return nil, fmt.Errorf("%w: lowpass edge %v must be non-negative", models.ErrConfiguration, edge)
	}

	var n int
	switch len(vol) {
	case box * box * box:
		n = box
	case (box + 1) * (box + 1) * (box + 1):
		n = box + 1
	default:
		return nil, fmt.Errorf("%w: volume has %d voxels, not a box %d cube", models.ErrConfiguration, len(vol), box)
	}

	// cutoff radius in lattice units: |k| / (B * apix) <= 1/res
	cutoff := float64(box) * pixelSize / resolution
	half := box / 2

	out := make([]float64, len(vol))
	for z := 0; z < n; z++ {
		dz := z - half
		for y := 0; y < n; y++ {
			dy := y - half
			row := (z*n + y) * n
			for x := 0; x < n; x++ {
				dx := x - half
				r := math.Sqrt(float64(dx*dx + dy*dy + dz*dz))
				switch {
				case r <= cutoff:
					out[row+x] = vol[row+x]
				case edge > 0 && r < cutoff+edge:
					w := 0.5 * (1 + math.Cos(math.Pi*(r-cutoff)/edge))
					out[row+x] = w * vol[row+x]
				}
			}
		}
	}
	return out, nil
}
