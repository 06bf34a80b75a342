// Package lattice defines the frequency-domain grids that tilt images and
// volumes are sampled on.
//
// For a box size B the lattice has D = B+1 integer coordinates per axis,
// running from -B/2 to B/2, so that it is symmetric about frequency zero.
// Images are stored row-major with x fastest; coordinate x lives at index
// x + B/2.
package lattice

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"tomobackproject/internal/models"
)

// Lattice is an immutable set of 2-D frequency coordinates shared by every
// image of a dataset
type Lattice struct {
	box    int
	d      int
	extent float64

	// coords holds (x, y) in lattice units for every pixel of a D x D image
	coords [][2]float64

	// freqs holds coords/B, in cycles per pixel
	freqs [][2]float64

	// mask is the default band limit: indices inside the circle of radius B/2
	mask []int
}

// New builds the lattice for box size B.
func New(box int) (*Lattice, error) {
	if box < 2 || box%2 != 0 {
		return nil, fmt.Errorf("%w: lattice box size %d must be even and at least 2", models.ErrConfiguration, box)
	}

	d := box + 1
	half := box / 2
	l := &Lattice{
		box:    box,
		d:      d,
		extent: float64(half),
		coords: make([][2]float64, d*d),
		freqs:  make([][2]float64, d*d),
	}

	for iy := 0; iy < d; iy++ {
		for ix := 0; ix < d; ix++ {
			i := iy*d + ix
			x := float64(ix - half)
			y := float64(iy - half)
			l.coords[i] = [2]float64{x, y}
			l.freqs[i] = [2]float64{x / float64(box), y / float64(box)}
		}
	}
	l.mask = l.CircularMask(l.extent)

	return l, nil
}

// Box returns the box size B.
func (l *Lattice) Box() int { return l.box }

// D returns the number of samples per axis, B+1.
func (l *Lattice) D() int { return l.d }

// Extent returns the largest coordinate magnitude along an axis, B/2.
func (l *Lattice) Extent() float64 { return l.extent }

// Len returns the number of samples in a 2-D image on this lattice.
func (l *Lattice) Len() int { return l.d * l.d }

// Coord returns the lattice coordinate of pixel i.
func (l *Lattice) Coord(i int) (x, y float64) {
	return l.coords[i][0], l.coords[i][1]
}

// Freqs returns the spatial frequency of every pixel in cycles per pixel.
// The returned slice is shared and must not be modified.
func (l *Lattice) Freqs() [][2]float64 {
	return l.freqs
}

// CircularMask returns the indices of the pixels with x^2 + y^2 <= radius^2,
// in increasing order.
func (l *Lattice) CircularMask(radius float64) []int {
	r2 := radius * radius
	idx := make([]int, 0, l.d*l.d)
	for i, c := range l.coords {
		if c[0]*c[0]+c[1]*c[1] <= r2 {
			idx = append(idx, i)
		}
	}
	return idx
}

// DefaultMask returns the circular mask at Nyquist, radius B/2. The returned
// slice is shared and must not be modified.
func (l *Lattice) DefaultMask() []int {
	return l.mask
}

// Index3D returns the flat index of a volume voxel from lattice coordinates.
func (l *Lattice) Index3D(x, y, z int) int {
	half := l.box / 2
	return ((z+half)*l.d+y+half)*l.d + x + half
}

// Coord3D returns the lattice coordinates of volume voxel i.
func (l *Lattice) Coord3D(i int) (x, y, z int) {
	half := l.box / 2
	x = i%l.d - half
	y = (i/l.d)%l.d - half
	z = i/(l.d*l.d) - half
	return x, y, z
}

// SphericalMask returns, for every voxel of a D^3 volume, whether it lies
// within radius of the origin.
func (l *Lattice) SphericalMask(radius float64) []bool {
	r2 := radius * radius
	n := l.d * l.d * l.d
	mask := make([]bool, n)
	for i := 0; i < n; i++ {
		x, y, z := l.Coord3D(i)
		mask[i] = float64(x*x+y*y+z*z) <= r2
	}
	return mask
}

// Rotate returns the 3-D coordinates of the selected pixels after rotation.
// Coordinates are row vectors (x, y, 0) multiplied on the right by rot.
func (l *Lattice) Rotate(indices []int, rot [3][3]float64) []r3.Vec {
	out := make([]r3.Vec, len(indices))
	for k, i := range indices {
		x, y := l.coords[i][0], l.coords[i][1]
		out[k] = r3.Vec{
			X: x*rot[0][0] + y*rot[1][0],
			Y: x*rot[0][1] + y*rot[1][1],
			Z: x*rot[0][2] + y*rot[1][2],
		}
	}
	return out
}

// TranslateHT shifts a D x D Hartley image by (dx, dy) pixels. In the Hartley
// basis the phase ramp exp(-2*pi*i*(x*dx + y*dy)/B) becomes
//
//	H'(k) = cos(theta) H(k) + sin(theta) H(-k),  theta = 2*pi*(x*dx + y*dy)/B
//
// which relies on the image being symmetric about frequency zero, so that
// H(-k) is the sample at the mirrored flat index.
func (l *Lattice) TranslateHT(img []float64, dx, dy float64) []float64 {
	n := len(l.coords)
	out := make([]float64, n)
	if dx == 0 && dy == 0 {
		copy(out, img)
		return out
	}
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * (l.freqs[i][0]*dx + l.freqs[i][1]*dy)
		s, c := math.Sincos(theta)
		out[i] = c*img[i] + s*img[n-1-i]
	}
	return out
}

// Downsample returns the lattice of a smaller box covering the same physical
// extent in real space, and therefore the central part of this lattice in
// frequency space.
func (l *Lattice) Downsample(box int) (*Lattice, error) {
	if box > l.box {
		return nil, fmt.Errorf("%w: downsampled box %d exceeds box %d", models.ErrConfiguration, box, l.box)
	}
	return New(box)
}

// CropHT extracts the central region of a Hartley image sampled on from that
// corresponds to this (smaller) lattice. Fourier cropping is how a preview
// reconstruction gets its coarser sampling.
func (l *Lattice) CropHT(img []float64, from *Lattice) ([]float64, error) {
	if len(img) != from.Len() {
		return nil, fmt.Errorf("%w: image has %d samples, lattice %d", models.ErrConfiguration, len(img), from.Len())
	}
	if l.box > from.box {
		return nil, fmt.Errorf("%w: cannot crop box %d to larger box %d", models.ErrConfiguration, from.box, l.box)
	}
	off := (from.box - l.box) / 2
	out := make([]float64, l.Len())
	for y := 0; y < l.d; y++ {
		src := (y+off)*from.d + off
		copy(out[y*l.d:(y+1)*l.d], img[src:src+l.d])
	}
	return out, nil
}
