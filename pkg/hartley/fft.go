// Package hartley implements the centered discrete Hartley transforms used to
// move tilt images and volumes between real space and the real-valued
// frequency representation the backprojection works in.
//
// A centered transform places frequency zero at index n/2 of every axis:
// H = Re(F) - Im(F) with F = fftshift(fft(fftshift(x))). The transform is its
// own inverse up to a factor of the number of samples.
package hartley

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// HT2 computes the centered Hartley transform of a square n x n image stored
// row-major.
func HT2(img []float64, n int) ([]float64, error) {
	return transform(img, n, 2)
}

// HT3 computes the centered Hartley transform of a cubic n^3 volume indexed
// (z*n + y)*n + x.
func HT3(vol []float64, n int) ([]float64, error) {
	return transform(vol, n, 3)
}

// IHT3 inverts HT3.
func IHT3(vol []float64, n int) ([]float64, error) {
	out, err := transform(vol, n, 3)
	if err != nil {
		return nil, err
	}
	scale := 1 / float64(len(out))
	for i := range out {
		out[i] *= scale
	}
	return out, nil
}

// IHT2 inverts HT2.
func IHT2(img []float64, n int) ([]float64, error) {
	out, err := transform(img, n, 2)
	if err != nil {
		return nil, err
	}
	scale := 1 / float64(len(out))
	for i := range out {
		out[i] *= scale
	}
	return out, nil
}

// transform performs the centered Hartley transform over dims axes of size n.
// The input is shifted, transformed with a complex FFT along each axis in
// turn, and shifted back.
func transform(data []float64, n, dims int) ([]float64, error) {
	total := 1
	for i := 0; i < dims; i++ {
		total *= n
	}
	if n < 2 || n%2 != 0 {
		return nil, fmt.Errorf("hartley: size %d must be even", n)
	}
	if len(data) != total {
		return nil, fmt.Errorf("hartley: got %d samples, want %d for %d-D size %d", len(data), total, dims, n)
	}

	// fftshift of the input; for even n the shift is its own inverse
	buf := make([]complex128, total)
	shift(len(data), n, dims, func(src, dst int) {
		buf[dst] = complex(data[src], 0)
	})

	fftAxes(buf, n, dims)

	out := make([]float64, total)
	shift(total, n, dims, func(src, dst int) {
		out[dst] = real(buf[src]) - imag(buf[src])
	})
	return out, nil
}

// fftAxes applies an in-place 1-D FFT along each of the dims axes of data.
// Axis 0 is the fastest-varying index.
func fftAxes(data []complex128, n, dims int) {
	fft := fourier.NewCmplxFFT(n)
	line := make([]complex128, n)

	stride := 1
	for axis := 0; axis < dims; axis++ {
		block := stride * n
		for base := 0; base < len(data); base += block {
			for off := 0; off < stride; off++ {
				start := base + off
				for k := 0; k < n; k++ {
					line[k] = data[start+k*stride]
				}
				fft.Coefficients(line, line)
				for k := 0; k < n; k++ {
					data[start+k*stride] = line[k]
				}
			}
		}
		stride = block
	}
}

// shift visits every element once, passing its flat index and the flat index
// it moves to when every axis is rotated by n/2.
func shift(total, n, dims int, visit func(src, dst int)) {
	half := n / 2
	coord := make([]int, dims)
	for src := 0; src < total; src++ {
		rem := src
		for a := 0; a < dims; a++ {
			coord[a] = rem % n
			rem /= n
		}
		dst := 0
		for a := dims - 1; a >= 0; a-- {
			dst = dst*n + (coord[a]+half)%n
		}
		visit(src, dst)
	}
}

// Symmetrize2 embeds an n x n centered Hartley image into (n+1) x (n+1),
// duplicating the first row and column as the last so that the lattice is
// symmetric about frequency zero.
func Symmetrize2(ht []float64, n int) ([]float64, error) {
	if len(ht) != n*n {
		return nil, fmt.Errorf("hartley: got %d samples, want %d", len(ht), n*n)
	}
	d := n + 1
	out := make([]float64, d*d)
	for y := 0; y < n; y++ {
		copy(out[y*d:y*d+n], ht[y*n:(y+1)*n])
		out[y*d+n] = ht[y*n]
	}
	copy(out[n*d:], out[0:d])
	return out, nil
}

// Crop3 drops the symmetric boundary plane from each axis of a (n+1)^3
// volume, returning the n^3 volume the inverse transform expects.
func Crop3(vol []float64, n int) ([]float64, error) {
	d := n + 1
	if len(vol) != d*d*d {
		return nil, fmt.Errorf("hartley: got %d samples, want %d", len(vol), d*d*d)
	}
	out := make([]float64, n*n*n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			src := (z*d + y) * d
			dst := (z*n + y) * n
			copy(out[dst:dst+n], vol[src:src+n])
		}
	}
	return out, nil
}

// Pad3 is the inverse of Crop3: it rebuilds the symmetric boundary planes of
// an n^3 centered Hartley volume.
func Pad3(vol []float64, n int) ([]float64, error) {
	if len(vol) != n*n*n {
		return nil, fmt.Errorf("hartley: got %d samples, want %d", len(vol), n*n*n)
	}
	d := n + 1
	out := make([]float64, d*d*d)
	for z := 0; z < d; z++ {
		for y := 0; y < d; y++ {
			for x := 0; x < d; x++ {
				out[(z*d+y)*d+x] = vol[((z%n)*n+y%n)*n+x%n]
			}
		}
	}
	return out, nil
}
