package lattice

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tomobackproject/internal/models"
)

// rotationTolerance bounds how far R*R^T may stray from the identity
const rotationTolerance = 1e-4

// RotationFromEuler converts RELION ZYZ Euler angles (rot, tilt, psi) in
// degrees into a rotation in the row-vector convention used by Rotate.
func RotationFromEuler(rot, tilt, psi float64) [3][3]float64 {
	a := rot * math.Pi / 180
	b := tilt * math.Pi / 180
	g := psi * math.Pi / 180

	sa, ca := math.Sincos(a)
	sb, cb := math.Sincos(b)
	sg, cg := math.Sincos(g)

	ra := mat.NewDense(3, 3, []float64{
		ca, -sa, 0,
		sa, ca, 0,
		0, 0, 1,
	})
	rb := mat.NewDense(3, 3, []float64{
		cb, 0, -sb,
		0, 1, 0,
		sb, 0, cb,
	})
	rg := mat.NewDense(3, 3, []float64{
		cg, -sg, 0,
		sg, cg, 0,
		0, 0, 1,
	})

	var tmp, r mat.Dense
	tmp.Mul(rg, rb)
	r.Mul(&tmp, ra)

	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r.At(i, j)
		}
	}

	// handedness of the projection convention
	out[0][1] *= -1
	out[1][0] *= -1
	out[1][2] *= -1
	out[2][1] *= -1
	return out
}

// CheckRotation verifies that r is a finite proper rotation.
func CheckRotation(r [3][3]float64) error {
	flat := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := r[i][j]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: rotation has non-finite entry at (%d,%d)", models.ErrNumericDegeneracy, i, j)
			}
			flat = append(flat, v)
		}
	}

	m := mat.NewDense(3, 3, flat)
	var rrt mat.Dense
	rrt.Mul(m, m.T())
	eye := mat.NewDiagDense(3, []float64{1, 1, 1})
	if !mat.EqualApprox(&rrt, eye, rotationTolerance) {
		return fmt.Errorf("%w: rotation is not orthonormal", models.ErrConfiguration)
	}
	if det := mat.Det(m); math.Abs(det-1) > rotationTolerance {
		return fmt.Errorf("%w: rotation has determinant %.6f, want 1", models.ErrConfiguration, det)
	}
	return nil
}
