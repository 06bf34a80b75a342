package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"tomobackproject/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store keeps a dataset's particle/tilt table in a SQLite database
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

// OpenStore opens (creating if needed) the database at path and migrates it
// to the latest schema. logger may be nil.
func OpenStore(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = discardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	// one writer; also keeps in-memory databases on a single connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: logger}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MigrateUp runs all pending migrations. It is a no-op on an up-to-date
// database.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared connection
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version and dirty flag, or 0
// when no migration has been applied.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: s.log}
	return m, nil
}

// migrateLogger routes golang-migrate output to logrus
type migrateLogger struct {
	log *logrus.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return l.log.IsLevelEnabled(logrus.TraceLevel)
}

// SaveDataset stores the box and pixel size, replacing any previous values.
func (s *Store) SaveDataset(ctx context.Context, d models.Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset (id, box_size, pixel_size) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET box_size = excluded.box_size, pixel_size = excluded.pixel_size
	`, d.BoxSize, d.PixelSize)
	if err != nil {
		return fmt.Errorf("failed to save dataset: %w", err)
	}
	return nil
}

// Dataset returns the stored dataset description.
func (s *Store) Dataset(ctx context.Context) (models.Dataset, error) {
	var d models.Dataset
	err := s.db.QueryRowContext(ctx, `SELECT box_size, pixel_size FROM dataset WHERE id = 1`).Scan(&d.BoxSize, &d.PixelSize)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("%w: metadata store has no dataset", models.ErrConfiguration)
	}
	if err != nil {
		return d, fmt.Errorf("failed to read dataset: %w", err)
	}
	return d, nil
}

const tiltColumns = `particle_id, tilt_index, image_ref,
	rot00, rot01, rot02, rot10, rot11, rot12, rot20, rot21, rot22,
	shift_x, shift_y,
	ctf_pixel_size, defocus_u, defocus_v, defocus_angle, voltage, cs, amp_contrast, phase_shift,
	cumulative_dose, tilt_angle, half_set`

// InsertRecords appends records to the tilt table in one transaction. A
// duplicate (particle, tilt) pair aborts the whole insert.
func (s *Store) InsertRecords(ctx context.Context, records []models.TiltRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tilts (`+tiltColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		r := rec.Pose.Rotation
		c := rec.CTF
		_, err := stmt.ExecContext(ctx,
			rec.ParticleID, rec.TiltIndex, rec.ImageRef,
			r[0][0], r[0][1], r[0][2], r[1][0], r[1][1], r[1][2], r[2][0], r[2][1], r[2][2],
			rec.Pose.Translation[0], rec.Pose.Translation[1],
			c.PixelSize, c.DefocusU, c.DefocusV, c.DefocusAngle, c.Voltage, c.SphericalAberration, c.AmplitudeContrast, c.PhaseShift,
			rec.CumulativeDose, rec.TiltAngle, int(rec.Half),
		)
		if err != nil {
			return fmt.Errorf("failed to insert particle %q tilt %d: %w", rec.ParticleID, rec.TiltIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	s.log.WithField("records", len(records)).Debug("stored tilt records")
	return nil
}

// Records returns every tilt record in insertion order.
func (s *Store) Records(ctx context.Context) ([]models.TiltRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tiltColumns+` FROM tilts ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []models.TiltRecord
	for rows.Next() {
		var rec models.TiltRecord
		var half int
		r := &rec.Pose.Rotation
		c := &rec.CTF
		err := rows.Scan(
			&rec.ParticleID, &rec.TiltIndex, &rec.ImageRef,
			&r[0][0], &r[0][1], &r[0][2], &r[1][0], &r[1][1], &r[1][2], &r[2][0], &r[2][1], &r[2][2],
			&rec.Pose.Translation[0], &rec.Pose.Translation[1],
			&c.PixelSize, &c.DefocusU, &c.DefocusV, &c.DefocusAngle, &c.Voltage, &c.SphericalAberration, &c.AmplitudeContrast, &c.PhaseShift,
			&rec.CumulativeDose, &rec.TiltAngle, &half,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Half = models.HalfSet(half)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return out, nil
}

// UpdateHalfSets stores the half-set label of every record, keyed by
// particle and tilt.
func (s *Store) UpdateHalfSets(ctx context.Context, records []models.TiltRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		res, err := tx.ExecContext(ctx, `UPDATE tilts SET half_set = ? WHERE particle_id = ? AND tilt_index = ?`,
			int(rec.Half), rec.ParticleID, rec.TiltIndex)
		if err != nil {
			return fmt.Errorf("failed to update particle %q tilt %d: %w", rec.ParticleID, rec.TiltIndex, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: particle %q tilt %d is not in the store", models.ErrDataConsistency, rec.ParticleID, rec.TiltIndex)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit half sets: %w", err)
	}
	return nil
}
