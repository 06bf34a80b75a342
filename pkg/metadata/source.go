// Package metadata supplies the reconstruction with tilt records and their
// images. It owns the particle/tilt table (in a SQLite store or a YAML tilt
// table), the half-set split and the conversion of raw real-space images into
// weighted Hartley-domain tilt images.
package metadata

import (
	"fmt"

	"tomobackproject/internal/models"
)

// Source is what a reconstruction reads its input from. Load may be called
// concurrently from several goroutines.
type Source interface {
	// Dataset returns the box and pixel size shared by every image
	Dataset() models.Dataset

	// Records returns every tilt record in table order
	Records() []models.TiltRecord

	// Load reads and transforms the image of one record
	Load(rec models.TiltRecord) (*models.TiltImage, error)
}

// ValidateHalfSets checks that every record carries a half-set label of 1 or
// 2 and that all tilts of a particle share the same label.
func ValidateHalfSets(records []models.TiltRecord) error {
	seen := make(map[string]models.HalfSet, len(records))
	for _, rec := range records {
		if !rec.Half.Valid() {
			return fmt.Errorf("%w: particle %q tilt %d has half-set label %d", models.ErrDataConsistency, rec.ParticleID, rec.TiltIndex, int(rec.Half))
		}
		if prev, ok := seen[rec.ParticleID]; ok && prev != rec.Half {
			return fmt.Errorf("%w: particle %q has tilts in both %s and %s", models.ErrDataConsistency, rec.ParticleID, prev, rec.Half)
		}
		seen[rec.ParticleID] = rec.Half
	}
	return nil
}

// SelectHalf returns the records of one half-set, preserving order.
func SelectHalf(records []models.TiltRecord, half models.HalfSet) []models.TiltRecord {
	var out []models.TiltRecord
	for _, rec := range records {
		if rec.Half == half {
			out = append(out, rec)
		}
	}
	return out
}

// Particles returns the distinct particle ids in order of first appearance.
func Particles(records []models.TiltRecord) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range records {
		if !seen[rec.ParticleID] {
			seen[rec.ParticleID] = true
			ids = append(ids, rec.ParticleID)
		}
	}
	return ids
}
