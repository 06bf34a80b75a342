package reconstruction

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/ctf"
)

// prepareSlice applies the per-image corrections and returns the masked
// samples with their 3-D lattice coordinates:
//
//	crop (preview) -> translate -> CTF phase flip -> frequency weight -> mask -> rotate
func (r *Reconstructor) prepareSlice(img *models.TiltImage) ([]r3.Vec, []float64, error) {
	if len(img.Data) != r.full.Len() {
		return nil, nil, fmt.Errorf("%w: image has %d samples, want %d", models.ErrConfiguration, len(img.Data), r.full.Len())
	}
	if img.Weights != nil && len(img.Weights) != r.full.Len() {
		return nil, nil, fmt.Errorf("%w: weights have %d samples, want %d", models.ErrConfiguration, len(img.Weights), r.full.Len())
	}

	data, weights := img.Data, img.Weights
	scale := 1.0
	if r.lat != r.full {
		var err error
		if data, err = r.lat.CropHT(data, r.full); err != nil {
			return nil, nil, err
		}
		if weights != nil {
			if weights, err = r.lat.CropHT(weights, r.full); err != nil {
				return nil, nil, err
			}
		}
		scale = float64(r.lat.Box()) / float64(r.full.Box())
	}

	pose := img.Record.Pose
	data = r.lat.TranslateHT(data, pose.Translation[0]*scale, pose.Translation[1]*scale)

	params := img.Record.CTF
	if !params.IsZero() {
		params.PixelSize /= scale
		if err := ctf.PhaseFlip(data, r.lat.Freqs(), params); err != nil {
			return nil, nil, err
		}
	}

	if weights != nil {
		for i := range data {
			data[i] *= weights[i]
		}
	}

	mask := r.lat.DefaultMask()
	values := make([]float64, len(mask))
	for k, i := range mask {
		values[k] = data[i]
	}
	return r.lat.Rotate(mask, pose.Rotation), values, nil
}
