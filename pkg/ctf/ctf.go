// Package ctf evaluates the microscope contrast transfer function and applies
// phase-flipping correction to Hartley-domain tilt images.
package ctf

import (
	"fmt"
	"math"

	"tomobackproject/internal/models"
)

// Wavelength returns the relativistic electron wavelength in Angstrom for an
// accelerating voltage in kV.
func Wavelength(kv float64) float64 {
	v := kv * 1000
	return 12.2643247 / math.Sqrt(v+0.978466e-6*v*v)
}

// Compute evaluates the CTF at every frequency. freqs are in cycles per
// pixel and are converted to inverse Angstrom with params.PixelSize.
func Compute(freqs [][2]float64, params models.CTFParams) ([]float64, error) {
	if !(params.PixelSize > 0) {
		return nil, fmt.Errorf("%w: CTF pixel size %v must be positive", models.ErrConfiguration, params.PixelSize)
	}

	lambda := Wavelength(params.Voltage)
	cs := params.SphericalAberration * 1e7
	dfAng := params.DefocusAngle * math.Pi / 180
	phase := params.PhaseShift * math.Pi / 180
	w := params.AmplitudeContrast
	sqrtW := math.Sqrt(1 - w*w)

	out := make([]float64, len(freqs))
	for i, f := range freqs {
		x := f[0] / params.PixelSize
		y := f[1] / params.PixelSize
		ang := math.Atan2(y, x)
		s2 := x*x + y*y
		df := 0.5 * (params.DefocusU + params.DefocusV + (params.DefocusU-params.DefocusV)*math.Cos(2*(ang-dfAng)))
		gamma := 2*math.Pi*(-0.5*df*lambda*s2+0.25*cs*lambda*lambda*lambda*s2*s2) - phase
		sg, cg := math.Sincos(gamma)
		v := sqrtW*sg - w*cg
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: CTF is %v at frequency (%.4f, %.4f)", models.ErrNumericDegeneracy, v, f[0], f[1])
		}
		out[i] = v
	}
	return out, nil
}

// PhaseFlip multiplies img in place by the sign of the CTF. Only the sign is
// used, so contrast inversions past each zero crossing are undone without
// amplifying noise near the zeros. An all-zero parameter set means no CTF
// model and leaves the image untouched.
func PhaseFlip(img []float64, freqs [][2]float64, params models.CTFParams) error {
	if params.IsZero() {
		return nil
	}
	if len(img) != len(freqs) {
		return fmt.Errorf("%w: image has %d samples, lattice %d", models.ErrConfiguration, len(img), len(freqs))
	}

	c, err := Compute(freqs, params)
	if err != nil {
		return err
	}
	for i, v := range c {
		switch {
		case v > 0:
		case v < 0:
			img[i] = -img[i]
		default:
			img[i] = 0
		}
	}
	return nil
}
