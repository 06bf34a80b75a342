package weighting

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/lattice"
)

func TestCriticalExposure(t *testing.T) {
	freqs := [][2]float64{{0, 0}, {0.25, 0}, {0.5, 0}}
	crit, err := CriticalExposure(freqs, 1.0, 300)
	require.NoError(t, err)

	assert.True(t, math.IsInf(crit[0], 1))
	assert.InDelta(t, 0.24499*math.Pow(0.25, -1.6649)+2.8141, crit[1], 1e-12)
	// higher frequencies are damaged sooner
	assert.Greater(t, crit[1], crit[2])

	crit200, err := CriticalExposure(freqs, 1.0, 200)
	require.NoError(t, err)
	assert.InDelta(t, 0.8*crit[2], crit200[2], 1e-12)
}

func TestCriticalExposureErrors(t *testing.T) {
	_, err := CriticalExposure([][2]float64{{0, 0}}, 1.0, 120)
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = CriticalExposure([][2]float64{{0, 0}}, 0, 300)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestDoseWeights(t *testing.T) {
	crit := []float64{math.Inf(1), 10, 2}
	w := DoseWeights(crit, 20)
	assert.Equal(t, 1.0, w[0])
	assert.InDelta(t, math.Exp(-1), w[1], 1e-12)
	assert.InDelta(t, math.Exp(-5), w[2], 1e-12)

	unexposed := DoseWeights(crit, 0)
	for _, v := range unexposed {
		assert.Equal(t, 1.0, v)
	}
}

func TestTiltWeight(t *testing.T) {
	assert.InDelta(t, 1.0, TiltWeight(0), 1e-15)
	assert.InDelta(t, 0.5, TiltWeight(60), 1e-12)
	assert.InDelta(t, 0.5, TiltWeight(-60), 1e-12)
}

func TestCalculator(t *testing.T) {
	l, err := lattice.New(8)
	require.NoError(t, err)
	rec := models.TiltRecord{CumulativeDose: 30, TiltAngle: 60}

	none, err := NewCalculator(Options{}, l.Freqs(), 2.0, 300)
	require.NoError(t, err)
	assert.Nil(t, none.Weights(rec))

	tilt, err := NewCalculator(Options{Tilt: true}, l.Freqs(), 2.0, 0)
	require.NoError(t, err)
	for _, v := range tilt.Weights(rec) {
		assert.InDelta(t, 0.5, v, 1e-12)
	}

	both, err := NewCalculator(Options{Dose: true, Tilt: true}, l.Freqs(), 2.0, 300)
	require.NoError(t, err)
	w := both.Weights(rec)
	require.Len(t, w, l.Len())

	center := (l.D()/2)*l.D() + l.D()/2
	assert.InDelta(t, 0.5, w[center], 1e-12)
	for i, v := range w {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 0.5+1e-12, "pixel %d", i)
	}
}
