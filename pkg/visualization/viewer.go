// Package visualization renders reconstructed maps and their FSC curves as
// images for quick inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
)

// Viewer extracts 2-D sections from a cubic real-space map
type Viewer struct {
	// volumeData holds the map, indexed (z*size + y)*size + x
	volumeData []float64

	// size is the side length of the cube
	size int

	// voxelSize is the sampling in Angstrom per voxel
	voxelSize float64

	// lo and hi bound the grey-level window
	lo, hi float64
}

// NewViewer creates a viewer for a cube of side size. The grey-level window
// spans the minimum to the maximum of the map.
func NewViewer(volumeData []float64, size int, voxelSize float64) (*Viewer, error) {
	if size <= 0 || len(volumeData) != size*size*size {
		return nil, fmt.Errorf("volume has %d voxels, not a cube of side %d", len(volumeData), size)
	}
	return &Viewer{
		volumeData: volumeData,
		size:       size,
		voxelSize:  voxelSize,
		lo:         floats.Min(volumeData),
		hi:         floats.Max(volumeData),
	}, nil
}

// gray maps a voxel value into the viewer's window.
func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	t := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts the section perpendicular to axis at position.
// x sections are laid out (z, y), y sections (x, z) and z sections (x, y).
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	n := v.size
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside 0..%d", position, n-1)
	}

	img := image.NewGray16(image.Rect(0, 0, n, n))
	switch axis {
	case "x", "X":
		for y := 0; y < n; y++ {
			for z := 0; z < n; z++ {
				img.SetGray16(z, y, v.gray(v.volumeData[(z*n+y)*n+position]))
			}
		}
	case "y", "Y":
		for z := 0; z < n; z++ {
			for x := 0; x < n; x++ {
				img.SetGray16(x, z, v.gray(v.volumeData[(z*n+position)*n+x]))
			}
		}
	case "z", "Z":
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				img.SetGray16(x, y, v.gray(v.volumeData[(position*n+y)*n+x]))
			}
		}
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	return img, nil
}

// SaveSlice saves a section as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveCentralSections writes the central x, y and z sections of the map to
// outputDir as <prefix>_x.png, <prefix>_y.png and <prefix>_z.png, returning
// the paths written.
func (v *Viewer) SaveCentralSections(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, v.size/2)
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, fmt.Errorf("failed to save %s section: %w", axis, err)
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
