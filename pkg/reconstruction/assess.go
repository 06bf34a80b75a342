package reconstruction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tomobackproject/pkg/fsc"
	"tomobackproject/pkg/hartley"
	"tomobackproject/pkg/splat"
)

// assess normalizes both halves and their sum, correlates the half maps,
// derives the resolution and builds the filtered merged map.
func (r *Reconstructor) assess(h1, h2 *splat.Accumulator) (*Result, error) {
	box := r.lat.Box()

	// the merged map is the sum of the raw halves, normalized once
	sum, err := splat.Sum(h1, h2)
	if err != nil {
		return nil, err
	}
	mergedHT, err := sum.Normalize()
	if err != nil {
		return nil, err
	}
	half1HT, err := h1.Normalize()
	if err != nil {
		return nil, err
	}
	half2HT, err := h2.Normalize()
	if err != nil {
		return nil, err
	}

	merged, err := toRealSpace(mergedHT, box)
	if err != nil {
		return nil, fmt.Errorf("merged map: %w", err)
	}
	half1, err := toRealSpace(half1HT, box)
	if err != nil {
		return nil, fmt.Errorf("half map 1: %w", err)
	}
	half2, err := toRealSpace(half2HT, box)
	if err != nil {
		return nil, fmt.Errorf("half map 2: %w", err)
	}

	mask, err := fsc.BuildMask(r.params.Mask, merged, box, r.pixelSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build FSC mask: %w", err)
	}
	curve, err := fsc.FromRealSpace(half1, half2, box, mask)
	if err != nil {
		return nil, fmt.Errorf("failed to compute FSC: %w", err)
	}
	freq, err := fsc.Resolution(curve, r.params.FSCThreshold, r.params.Unresolved)
	if err != nil {
		return nil, err
	}
	resA := fsc.Angstrom(freq, r.pixelSize)

	target := r.params.LowpassResolution
	if target == 0 {
		target = resA
	}
	filteredHT, err := fsc.Lowpass(mergedHT, box, r.pixelSize, target, r.params.LowpassEdge)
	if err != nil {
		return nil, fmt.Errorf("failed to lowpass filter: %w", err)
	}
	filtered, err := toRealSpace(filteredHT, box)
	if err != nil {
		return nil, fmt.Errorf("filtered map: %w", err)
	}

	res := &Result{
		Box:                box,
		PixelSize:          r.pixelSize,
		Curve:              curve,
		Resolution:         freq,
		ResolutionAngstrom: resA,
		LowpassAngstrom:    target,
	}
	res.Merged = r.finish(merged)
	res.Filtered = r.finish(filtered)
	res.Half1 = r.finish(half1)
	res.Half2 = r.finish(half2)

	for name, m := range map[string][]float64{"merged": res.Merged, "filtered": res.Filtered} {
		if floats.HasNaN(m) {
			return nil, fmt.Errorf("%s map contains NaN", name)
		}
	}
	return res, nil
}

// toRealSpace drops the symmetric boundary of a (box+1)^3 Hartley volume and
// inverts the transform.
func toRealSpace(ht []float64, box int) ([]float64, error) {
	cropped, err := hartley.Crop3(ht, box)
	if err != nil {
		return nil, err
	}
	return hartley.IHT3(cropped, box)
}

// finish applies the optional handedness flip and contrast inversion.
func (r *Reconstructor) finish(vol []float64) []float64 {
	n := int(math.Round(math.Cbrt(float64(len(vol)))))
	out := vol
	if r.params.Flip {
		out = flipZ(vol, n)
	}
	if r.params.Invert {
		if !r.params.Flip {
			out = append([]float64(nil), vol...)
		}
		floats.Scale(-1, out)
	}
	return out
}

// flipZ mirrors a cube of side n along its slowest axis.
func flipZ(vol []float64, n int) []float64 {
	out := make([]float64, len(vol))
	plane := n * n
	for z := 0; z < n; z++ {
		copy(out[z*plane:(z+1)*plane], vol[(n-1-z)*plane:(n-z)*plane])
	}
	return out
}
