package metadata

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/hartley"
	"tomobackproject/pkg/lattice"
	"tomobackproject/pkg/weighting"
)

// ImageReader returns the real-space pixels of one image reference as a
// row-major B x B slice. Implementations must be safe for concurrent use.
type ImageReader interface {
	ReadImage(ref string) ([]float64, error)
}

// AdapterOptions controls how raw images become tilt images
type AdapterOptions struct {
	// Invert multiplies the pixels by -1, turning dark-on-light particles
	// into positive density
	Invert bool

	Weighting weighting.Options
}

// Adapter is a Source backed by a record table and an ImageReader.
type Adapter struct {
	dataset models.Dataset
	records []models.TiltRecord
	reader  ImageReader
	opts    AdapterOptions
	lat     *lattice.Lattice
	log     *logrus.Logger

	mu sync.Mutex
	// calculators caches one weight calculator per voltage
	calculators map[float64]*weighting.Calculator
}

// NewAdapter validates the dataset and builds an Adapter. logger may be nil.
func NewAdapter(dataset models.Dataset, records []models.TiltRecord, reader ImageReader, opts AdapterOptions, logger *logrus.Logger) (*Adapter, error) {
	if err := dataset.Validate(); err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, fmt.Errorf("%w: no image reader", models.ErrConfiguration)
	}
	lat, err := lattice.New(dataset.BoxSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Adapter{
		dataset:     dataset,
		records:     records,
		reader:      reader,
		opts:        opts,
		lat:         lat,
		log:         logger,
		calculators: make(map[float64]*weighting.Calculator),
	}, nil
}

// Dataset implements Source.
func (a *Adapter) Dataset() models.Dataset { return a.dataset }

// Records implements Source.
func (a *Adapter) Records() []models.TiltRecord { return a.records }

// Load reads the image of rec, optionally inverts it, and returns its
// centered Hartley transform on the symmetric (B+1)^2 lattice together with
// its frequency weights.
func (a *Adapter) Load(rec models.TiltRecord) (*models.TiltImage, error) {
	box := a.dataset.BoxSize
	pixels, err := a.reader.ReadImage(rec.ImageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", rec.ImageRef, err)
	}
	if len(pixels) != box*box {
		return nil, fmt.Errorf("%w: image %s has %d pixels, want %dx%d", models.ErrConfiguration, rec.ImageRef, len(pixels), box, box)
	}

	if a.opts.Invert {
		inv := make([]float64, len(pixels))
		for i, v := range pixels {
			inv[i] = -v
		}
		pixels = inv
	}

	ht, err := hartley.HT2(pixels, box)
	if err != nil {
		return nil, fmt.Errorf("failed to transform image %s: %w", rec.ImageRef, err)
	}
	data, err := hartley.Symmetrize2(ht, box)
	if err != nil {
		return nil, err
	}

	calc, err := a.calculator(rec.CTF.Voltage)
	if err != nil {
		return nil, fmt.Errorf("particle %q tilt %d: %w", rec.ParticleID, rec.TiltIndex, err)
	}

	a.log.WithFields(logrus.Fields{
		"particle": rec.ParticleID,
		"tilt":     rec.TiltIndex,
		"image":    rec.ImageRef,
	}).Trace("loaded tilt image")

	return &models.TiltImage{
		Record:  rec,
		Data:    data,
		Weights: calc.Weights(rec),
	}, nil
}

func (a *Adapter) calculator(voltage float64) (*weighting.Calculator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.calculators[voltage]; ok {
		return c, nil
	}
	c, err := weighting.NewCalculator(a.opts.Weighting, a.lat.Freqs(), a.dataset.PixelSize, voltage)
	if err != nil {
		return nil, err
	}
	a.calculators[voltage] = c
	return c, nil
}
