// Package mrc reads and writes the MRC2014 map format used for tilt image
// stacks and reconstructed volumes.
package mrc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// HeaderSize is the size of the fixed MRC header in bytes
const HeaderSize = 1024

// Data modes
const (
	ModeInt8    = 0
	ModeInt16   = 1
	ModeFloat32 = 2
	ModeUint16  = 6
)

// Header is the fixed 1024-byte MRC2014 header, little-endian
type Header struct {
	NX, NY, NZ                int32
	Mode                      int32
	NXStart, NYStart, NZStart int32
	MX, MY, MZ                int32
	CellA                     [3]float32
	CellB                     [3]float32
	MapC, MapR, MapS          int32
	DMin, DMax, DMean         float32
	ISPG                      int32
	NSymBT                    int32
	Extra1                    [8]byte
	ExtType                   [4]byte
	NVersion                  int32
	Extra2                    [84]byte
	Origin                    [3]float32
	Map                       [4]byte
	MachSt                    [4]byte
	RMS                       float32
	NLabl                     int32
	Labels                    [10][80]byte
}

// VoxelSize returns the sampling along x in Angstrom per pixel.
func (h *Header) VoxelSize() float64 {
	if h.MX == 0 {
		return 0
	}
	return float64(h.CellA[0]) / float64(h.MX)
}

func bytesPerVoxel(mode int32) (int, error) {
	switch mode {
	case ModeInt8:
		return 1, nil
	case ModeInt16, ModeUint16:
		return 2, nil
	case ModeFloat32:
		return 4, nil
	default:
		return 0, fmt.Errorf("mrc: unsupported data mode %d", mode)
	}
}

// newHeader fills a float32 header for an nx x ny x nz map.
func newHeader(nx, ny, nz int, voxelSize float64, data []float64, ispg int32, label string) *Header {
	h := &Header{
		NX: int32(nx), NY: int32(ny), NZ: int32(nz),
		Mode: ModeFloat32,
		MX:   int32(nx), MY: int32(ny), MZ: int32(nz),
		MapC: 1, MapR: 2, MapS: 3,
		ISPG:     ispg,
		NVersion: 20140,
		NLabl:    1,
	}
	h.CellA = [3]float32{float32(float64(nx) * voxelSize), float32(float64(ny) * voxelSize), float32(float64(nz) * voxelSize)}
	h.CellB = [3]float32{90, 90, 90}
	copy(h.ExtType[:], "MRCO")
	copy(h.Map[:], "MAP ")
	h.MachSt = [4]byte{0x44, 0x44, 0, 0}
	copy(h.Labels[0][:], label)

	if len(data) > 0 {
		mean, std := stat.PopMeanStdDev(data, nil)
		h.DMin = float32(floats.Min(data))
		h.DMax = float32(floats.Max(data))
		h.DMean = float32(mean)
		h.RMS = float32(std)
	}
	return h
}

// ReadHeader decodes the fixed header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("mrc: failed to read header: %w", err)
	}
	if h.NX <= 0 || h.NY <= 0 || h.NZ <= 0 {
		return nil, fmt.Errorf("mrc: invalid dimensions %dx%dx%d", h.NX, h.NY, h.NZ)
	}
	if _, err := bytesPerVoxel(h.Mode); err != nil {
		return nil, err
	}
	return &h, nil
}

// WriteVolume writes a cubic volume of side n, indexed (z*n + y)*n + x, as a
// float32 map with the given voxel size in Angstrom.
func WriteVolume(path string, vol []float64, n int, voxelSize float64) error {
	if len(vol) != n*n*n {
		return fmt.Errorf("mrc: volume has %d voxels, want %d", len(vol), n*n*n)
	}
	return write(path, newHeader(n, n, n, voxelSize, vol, 1, "tomobackproject volume"), vol)
}

// WriteStack writes count images of n x n pixels, stored back to back, as an
// image stack.
func WriteStack(path string, images []float64, n, count int, pixelSize float64) error {
	if len(images) != n*n*count {
		return fmt.Errorf("mrc: stack has %d pixels, want %d", len(images), n*n*count)
	}
	return write(path, newHeader(n, n, count, pixelSize, images, 0, "tomobackproject stack"), images)
}

func write(path string, h *Header, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("mrc: failed to create %s: %w", path, err)
	}

	if err := binary.Write(f, binary.LittleEndian, h); err != nil {
		f.Close()
		return fmt.Errorf("mrc: failed to write header: %w", err)
	}
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("mrc: failed to write data: %w", err)
	}
	return f.Close()
}

// ReadVolume reads a whole map, returning its header and voxels in file
// order.
func ReadVolume(path string) (*Header, []float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("mrc: failed to open %s: %w", path, err)
	}
	defer f.Close()

	h, err := ReadHeader(f)
	if err != nil {
		return nil, nil, err
	}
	n := int(h.NX) * int(h.NY) * int(h.NZ)
	data, err := readSection(f, h, HeaderSize+int64(h.NSymBT), n)
	if err != nil {
		return nil, nil, err
	}
	return h, data, nil
}

// readSection decodes n voxels starting at byte offset off.
func readSection(r io.ReaderAt, h *Header, off int64, n int) ([]float64, error) {
	size, err := bytesPerVoxel(h.Mode)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n*size)
	if _, err := r.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("mrc: failed to read %d voxels at offset %d: %w", n, off, err)
	}

	out := make([]float64, n)
	for i := range out {
		switch h.Mode {
		case ModeInt8:
			out[i] = float64(int8(buf[i]))
		case ModeInt16:
			out[i] = float64(int16(binary.LittleEndian.Uint16(buf[2*i:])))
		case ModeUint16:
			out[i] = float64(binary.LittleEndian.Uint16(buf[2*i:]))
		case ModeFloat32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
		}
	}
	return out, nil
}
