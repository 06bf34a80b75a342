package models

import (
	"fmt"
	"math"
)

// HalfSet labels which independent half of the dataset a particle belongs to
type HalfSet int

const (
	// Unassigned marks a record that has not been split yet
	Unassigned HalfSet = iota
	Half1
	Half2
)

// Valid reports whether h is one of the two half-set labels
func (h HalfSet) Valid() bool {
	return h == Half1 || h == Half2
}

func (h HalfSet) String() string {
	switch h {
	case Half1:
		return "half1"
	case Half2:
		return "half2"
	default:
		return fmt.Sprintf("halfset(%d)", int(h))
	}
}

// Dataset holds the properties shared by every image of a tilt-series dataset
type Dataset struct {
	// BoxSize is the side length B of the real-space images in pixels (even)
	BoxSize int

	// PixelSize is the sampling of the images in Angstrom per pixel
	PixelSize float64
}

// Validate checks the dataset dimensions
func (d Dataset) Validate() error {
	if d.BoxSize < 2 || d.BoxSize%2 != 0 {
		return fmt.Errorf("%w: box size %d must be even and at least 2", ErrConfiguration, d.BoxSize)
	}
	if !(d.PixelSize > 0) || math.IsInf(d.PixelSize, 0) {
		return fmt.Errorf("%w: pixel size %v must be positive", ErrConfiguration, d.PixelSize)
	}
	return nil
}

// Pose places one image in the frame of the reconstructed volume
type Pose struct {
	// Rotation maps in-plane frequency coordinates, augmented with z=0, into
	// volume frequency coordinates. Coordinates are row vectors multiplied on
	// the right: c' = c * Rotation.
	Rotation [3][3]float64

	// Translation is the in-plane shift of the image in pixels
	Translation [2]float64
}

// Identity returns a pose with no rotation and no shift
func Identity() Pose {
	return Pose{Rotation: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// CTFParams are the contrast transfer function parameters of one image
type CTFParams struct {
	PixelSize           float64 // Angstrom per pixel
	DefocusU            float64 // Angstrom
	DefocusV            float64 // Angstrom
	DefocusAngle        float64 // degrees
	Voltage             float64 // kV
	SphericalAberration float64 // mm
	AmplitudeContrast   float64 // fraction
	PhaseShift          float64 // degrees
}

// IsZero reports whether every parameter is exactly zero, meaning no CTF
// model is available for the image
func (c CTFParams) IsZero() bool {
	return c == CTFParams{}
}

// TiltRecord is one row of the particle/tilt table: everything known about a
// single tilt image except its pixels
type TiltRecord struct {
	// ParticleID groups the tilts of one particle
	ParticleID string

	// TiltIndex is the position of the image in the particle's tilt series
	TiltIndex int

	// ImageRef locates the pixels, formatted as "index@path" with a 1-based index
	ImageRef string

	Pose Pose
	CTF  CTFParams

	// CumulativeDose is the electron exposure received before this tilt in e-/A^2
	CumulativeDose float64

	// TiltAngle is the stage tilt in degrees
	TiltAngle float64

	// Half is the half-set the particle belongs to
	Half HalfSet
}

// TiltImage is a tilt record with its transformed pixels, ready for
// correction and backprojection
type TiltImage struct {
	Record TiltRecord

	// Data is the centered, symmetrized Hartley transform of the image, (B+1)^2
	Data []float64

	// Weights is the per-pixel frequency weight (dose and tilt), (B+1)^2.
	// A nil slice means unit weights.
	Weights []float64
}
