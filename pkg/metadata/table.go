package metadata

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/lattice"
)

// Table is the YAML form of a particle/tilt table
type Table struct {
	BoxSize   int         `yaml:"boxSize"`
	PixelSize float64     `yaml:"pixelSize"`
	Tilts     []TiltEntry `yaml:"tilts"`
}

// TiltEntry is one tilt of a Table. The pose is given either as RELION Euler
// angles or as an explicit rotation matrix.
type TiltEntry struct {
	Particle string      `yaml:"particle"`
	Tilt     int         `yaml:"tilt"`
	Image    string      `yaml:"image"`
	Euler    []float64   `yaml:"euler,omitempty"`
	Rotation [][]float64 `yaml:"rotation,omitempty"`
	Shift    []float64   `yaml:"shift,omitempty"`
	CTF      CTFEntry    `yaml:"ctf"`
	Dose     float64     `yaml:"dose"`
	Angle    float64     `yaml:"angle"`
	Half     int         `yaml:"half"`
}

// CTFEntry holds the CTF columns of a TiltEntry
type CTFEntry struct {
	DefocusU            float64 `yaml:"defocusU"`
	DefocusV            float64 `yaml:"defocusV"`
	DefocusAngle        float64 `yaml:"defocusAngle"`
	Voltage             float64 `yaml:"voltage"`
	SphericalAberration float64 `yaml:"cs"`
	AmplitudeContrast   float64 `yaml:"amplitudeContrast"`
	PhaseShift          float64 `yaml:"phaseShift"`
}

// LoadTable reads a YAML tilt table from path.
func LoadTable(path string) (models.Dataset, []models.TiltRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Dataset{}, nil, fmt.Errorf("error opening tilt table: %w", err)
	}
	defer f.Close()
	return ReadTable(f)
}

// ReadTable parses a YAML tilt table and converts it into records. Rows with
// an invalid rotation are rejected.
func ReadTable(r io.Reader) (models.Dataset, []models.TiltRecord, error) {
	var t Table
	if err := yaml.NewDecoder(r).Decode(&t); err != nil {
		return models.Dataset{}, nil, fmt.Errorf("error parsing tilt table: %w", err)
	}

	ds := models.Dataset{BoxSize: t.BoxSize, PixelSize: t.PixelSize}
	if err := ds.Validate(); err != nil {
		return models.Dataset{}, nil, err
	}

	records := make([]models.TiltRecord, 0, len(t.Tilts))
	for i, entry := range t.Tilts {
		rec, err := entry.record(ds.PixelSize)
		if err != nil {
			return models.Dataset{}, nil, fmt.Errorf("tilt table row %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return ds, records, nil
}

func (s TiltEntry) record(pixelSize float64) (models.TiltRecord, error) {
	if s.Particle == "" {
		return models.TiltRecord{}, fmt.Errorf("%w: missing particle id", models.ErrConfiguration)
	}

	pose := models.Identity()
	switch {
	case len(s.Rotation) > 0:
		if len(s.Rotation) != 3 {
			return models.TiltRecord{}, fmt.Errorf("%w: rotation needs 3 rows", models.ErrConfiguration)
		}
		for i, row := range s.Rotation {
			if len(row) != 3 {
				return models.TiltRecord{}, fmt.Errorf("%w: rotation row %d needs 3 columns", models.ErrConfiguration, i)
			}
			copy(pose.Rotation[i][:], row)
		}
	case len(s.Euler) > 0:
		if len(s.Euler) != 3 {
			return models.TiltRecord{}, fmt.Errorf("%w: euler needs rot, tilt and psi", models.ErrConfiguration)
		}
		pose.Rotation = lattice.RotationFromEuler(s.Euler[0], s.Euler[1], s.Euler[2])
	}
	if err := lattice.CheckRotation(pose.Rotation); err != nil {
		return models.TiltRecord{}, err
	}

	switch len(s.Shift) {
	case 0:
	case 2:
		pose.Translation = [2]float64{s.Shift[0], s.Shift[1]}
	default:
		return models.TiltRecord{}, fmt.Errorf("%w: shift needs dx and dy", models.ErrConfiguration)
	}

	ctf := models.CTFParams{
		DefocusU:            s.CTF.DefocusU,
		DefocusV:            s.CTF.DefocusV,
		DefocusAngle:        s.CTF.DefocusAngle,
		Voltage:             s.CTF.Voltage,
		SphericalAberration: s.CTF.SphericalAberration,
		AmplitudeContrast:   s.CTF.AmplitudeContrast,
		PhaseShift:          s.CTF.PhaseShift,
	}
	// a row without CTF columns stays all-zero, which disables correction
	if !ctf.IsZero() {
		ctf.PixelSize = pixelSize
	}

	return models.TiltRecord{
		ParticleID:     s.Particle,
		TiltIndex:      s.Tilt,
		ImageRef:       s.Image,
		Pose:           pose,
		CTF:            ctf,
		CumulativeDose: s.Dose,
		TiltAngle:      s.Angle,
		Half:           models.HalfSet(s.Half),
	}, nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
