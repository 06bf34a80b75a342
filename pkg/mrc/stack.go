package mrc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// StackReader serves single images out of MRC stacks addressed as
// "index@path", with a 1-based index. Relative paths are resolved against
// Dir. Open files are kept until Close. It is safe for concurrent use.
type StackReader struct {
	Dir string

	mu    sync.Mutex
	files map[string]*stackFile
}

type stackFile struct {
	f      *os.File
	header *Header
}

// NewStackReader returns a reader resolving relative paths against dir.
func NewStackReader(dir string) *StackReader {
	return &StackReader{Dir: dir, files: make(map[string]*stackFile)}
}

// ParseRef splits an "index@path" reference. A bare path means index 1.
func ParseRef(ref string) (int, string, error) {
	at := strings.IndexByte(ref, '@')
	if at < 0 {
		return 1, ref, nil
	}
	idx, err := strconv.Atoi(ref[:at])
	if err != nil || idx < 1 {
		return 0, "", fmt.Errorf("mrc: invalid image index in %q", ref)
	}
	if at == len(ref)-1 {
		return 0, "", fmt.Errorf("mrc: missing path in %q", ref)
	}
	return idx, ref[at+1:], nil
}

// ReadImage returns the pixels of one image, row-major.
func (s *StackReader) ReadImage(ref string) ([]float64, error) {
	idx, path, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	sf, err := s.open(path)
	if err != nil {
		return nil, err
	}

	h := sf.header
	if idx > int(h.NZ) {
		return nil, fmt.Errorf("mrc: image %d out of range, %s holds %d", idx, path, h.NZ)
	}
	size, err := bytesPerVoxel(h.Mode)
	if err != nil {
		return nil, err
	}
	n := int(h.NX) * int(h.NY)
	off := HeaderSize + int64(h.NSymBT) + int64(idx-1)*int64(n*size)
	return readSection(sf.f, h, off, n)
}

func (s *StackReader) open(path string) (*stackFile, error) {
	if !filepath.IsAbs(path) && s.Dir != "" {
		path = filepath.Join(s.Dir, path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string]*stackFile)
	}
	if sf, ok := s.files[path]; ok {
		return sf, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mrc: failed to open stack: %w", err)
	}
	h, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sf := &stackFile{f: f, header: h}
	s.files[path] = sf
	return sf, nil
}

// Close closes every open stack.
func (s *StackReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for path, sf := range s.files {
		if err := sf.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, path)
	}
	return first
}
