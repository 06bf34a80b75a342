package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/lattice"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "tilts.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreMigrations(t *testing.T) {
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// already at the latest version
	require.NoError(t, s.MigrateUp())
}

func TestStoreDataset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Dataset(ctx)
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	require.NoError(t, s.SaveDataset(ctx, models.Dataset{BoxSize: 64, PixelSize: 1.5}))
	require.NoError(t, s.SaveDataset(ctx, models.Dataset{BoxSize: 32, PixelSize: 3}))

	ds, err := s.Dataset(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Dataset{BoxSize: 32, PixelSize: 3}, ds)

	err = s.SaveDataset(ctx, models.Dataset{BoxSize: 31, PixelSize: 3})
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestStoreRecordsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := AssignHalfSets(makeRecords(3, 2), 5)
	recs[0].Pose.Rotation = lattice.RotationFromEuler(10, 20, 30)
	recs[0].Pose.Translation = [2]float64{0.25, -1}
	recs[0].CTF = models.CTFParams{
		PixelSize: 1.5, DefocusU: 20000, DefocusV: 19500, DefocusAngle: 45,
		Voltage: 300, SphericalAberration: 2.7, AmplitudeContrast: 0.07, PhaseShift: 90,
	}

	require.NoError(t, s.InsertRecords(ctx, recs))

	got, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestStoreDuplicateInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := makeRecords(1, 2)
	require.NoError(t, s.InsertRecords(ctx, recs))

	// the whole batch is rolled back on a conflict
	batch := append(makeRecords(2, 1)[1:], recs[0])
	assert.Error(t, s.InsertRecords(ctx, batch))

	got, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStoreUpdateHalfSets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := makeRecords(4, 2)
	require.NoError(t, s.InsertRecords(ctx, recs))

	split := AssignHalfSets(recs, 9)
	require.NoError(t, s.UpdateHalfSets(ctx, split))

	got, err := s.Records(ctx)
	require.NoError(t, err)
	require.NoError(t, ValidateHalfSets(got))
	assert.Equal(t, split, got)

	missing := []models.TiltRecord{{ParticleID: "nobody", Half: models.Half1}}
	assert.True(t, errors.Is(s.UpdateHalfSets(ctx, missing), models.ErrDataConsistency))
}
