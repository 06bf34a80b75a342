package metadata

import (
	"fmt"
	"math/rand"
	"sort"

	"tomobackproject/internal/models"
)

// AssignHalfSets splits the particles randomly into two halves of equal size
// (the first half gets the extra particle when the count is odd) and labels
// every tilt with its particle's half. The same seed always gives the same
// split. The input is not modified.
func AssignHalfSets(records []models.TiltRecord, seed int64) []models.TiltRecord {
	ids := Particles(records)
	r := rand.New(rand.NewSource(seed))
	perm := r.Perm(len(ids))

	n1 := (len(ids) + 1) / 2
	half := make(map[string]models.HalfSet, len(ids))
	for rank, i := range perm {
		if rank < n1 {
			half[ids[i]] = models.Half1
		} else {
			half[ids[i]] = models.Half2
		}
	}

	out := make([]models.TiltRecord, len(records))
	for i, rec := range records {
		rec.Half = half[rec.ParticleID]
		out[i] = rec
	}
	return out
}

// Filter restricts which records take part in a reconstruction. Selections
// apply in field order: image indices, particle indices, per-particle sorting,
// FirstNTilts, FirstNParticles.
type Filter struct {
	// ImageIndices keeps only these 0-based record indices. Nil keeps all.
	ImageIndices []int

	// ParticleIndices keeps only these 0-based particles, counted in table
	// order after ImageIndices. Nil keeps all.
	ParticleIndices []int

	// SortByDose orders each particle's tilts by increasing cumulative dose
	SortByDose bool

	// SortRandom shuffles each particle's tilts with SortSeed. It cannot be
	// combined with SortByDose.
	SortRandom bool
	SortSeed   int64

	// FirstNTilts keeps the first N tilts of each particle, after sorting, and
	// drops particles with fewer than N tilts. Zero keeps all.
	FirstNTilts int

	// FirstNParticles keeps the first N remaining particles in table order.
	// Zero keeps all.
	FirstNParticles int
}

// Active reports whether f removes or reorders any record.
func (f Filter) Active() bool {
	return f.ImageIndices != nil || f.ParticleIndices != nil || f.SortByDose || f.SortRandom ||
		f.FirstNTilts != 0 || f.FirstNParticles != 0
}

// Validate checks the settings that do not depend on the records.
func (f Filter) Validate() error {
	if f.FirstNTilts < 0 || f.FirstNParticles < 0 {
		return fmt.Errorf("%w: filter counts must be non-negative", models.ErrConfiguration)
	}
	if f.SortByDose && f.SortRandom {
		return fmt.Errorf("%w: tilts cannot be sorted both by dose and randomly", models.ErrConfiguration)
	}
	for _, indices := range [][]int{f.ImageIndices, f.ParticleIndices} {
		for _, i := range indices {
			if i < 0 {
				return fmt.Errorf("%w: negative filter index %d", models.ErrConfiguration, i)
			}
		}
	}
	return nil
}

// Apply returns the records selected by f. Particles stay in table order.
// The input is not modified.
func (f Filter) Apply(records []models.TiltRecord) ([]models.TiltRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	if f.ImageIndices != nil {
		picked, err := pick(records, f.ImageIndices, "image")
		if err != nil {
			return nil, err
		}
		records = picked
	}

	ids := Particles(records)
	if f.ParticleIndices != nil {
		picked, err := pick(ids, f.ParticleIndices, "particle")
		if err != nil {
			return nil, err
		}
		ids = picked
	}

	byParticle := make(map[string][]models.TiltRecord, len(ids))
	for _, rec := range records {
		byParticle[rec.ParticleID] = append(byParticle[rec.ParticleID], rec)
	}

	var rng *rand.Rand
	if f.SortRandom {
		rng = rand.New(rand.NewSource(f.SortSeed))
	}

	var out []models.TiltRecord
	kept := 0
	for _, id := range ids {
		if f.FirstNParticles > 0 && kept == f.FirstNParticles {
			break
		}
		tilts := byParticle[id]
		switch {
		case f.SortByDose:
			sort.SliceStable(tilts, func(i, j int) bool {
				return tilts[i].CumulativeDose < tilts[j].CumulativeDose
			})
		case f.SortRandom:
			rng.Shuffle(len(tilts), func(i, j int) {
				tilts[i], tilts[j] = tilts[j], tilts[i]
			})
		}
		if f.FirstNTilts > 0 {
			if len(tilts) < f.FirstNTilts {
				continue
			}
			tilts = tilts[:f.FirstNTilts]
		}
		out = append(out, tilts...)
		kept++
	}
	return out, nil
}

// pick returns the elements of items at the given indices, in index order.
func pick[T any](items []T, indices []int, what string) ([]T, error) {
	out := make([]T, 0, len(indices))
	seen := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(items) {
			return nil, fmt.Errorf("%w: %s index %d outside 0..%d", models.ErrConfiguration, what, i, len(items)-1)
		}
		if seen[i] {
			return nil, fmt.Errorf("%w: duplicate %s index %d", models.ErrConfiguration, what, i)
		}
		seen[i] = true
		out = append(out, items[i])
	}
	return out, nil
}

// PrepareHalfSets applies f and splits the selected particles into half
// sets. Existing labels are kept only when no filter is active and every
// selected record carries one; otherwise the selection is split afresh with
// seed, so the halves stay balanced for whatever the filter left. split
// reports whether the labels were reassigned.
func PrepareHalfSets(records []models.TiltRecord, f Filter, seed int64) (selected []models.TiltRecord, split bool, err error) {
	selected, err = f.Apply(records)
	if err != nil {
		return nil, false, err
	}
	if len(selected) == 0 {
		return nil, false, fmt.Errorf("%w: filter left no records", models.ErrConfiguration)
	}
	if !f.Active() && allLabeled(selected) {
		return selected, false, nil
	}
	return AssignHalfSets(selected, seed), true, nil
}

func allLabeled(records []models.TiltRecord) bool {
	for _, rec := range records {
		if rec.Half == models.Unassigned {
			return false
		}
	}
	return true
}
