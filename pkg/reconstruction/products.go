package reconstruction

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tomobackproject/pkg/mrc"
	"tomobackproject/pkg/visualization"
)

// ProductOptions selects the optional outputs
type ProductOptions struct {
	// Plots writes <out>_FSC.png
	Plots bool

	// Previews writes central sections of the merged and filtered maps
	Previews bool
}

// Summary describes one reconstruction run; it is written as
// <out>_summary.yaml
type Summary struct {
	RunID   string    `yaml:"runId"`
	Created time.Time `yaml:"created"`

	BoxSize   int     `yaml:"boxSize"`
	PixelSize float64 `yaml:"pixelSize"`

	Half1Images    int `yaml:"half1Images"`
	Half2Images    int `yaml:"half2Images"`
	Half1Particles int `yaml:"half1Particles"`
	Half2Particles int `yaml:"half2Particles"`

	FSCThreshold        float64 `yaml:"fscThreshold"`
	FSCMask             string  `yaml:"fscMask"`
	UnresolvedPolicy    string  `yaml:"unresolvedPolicy"`
	ResolutionFrequency float64 `yaml:"resolutionFrequency"`
	ResolutionAngstrom  float64 `yaml:"resolutionAngstrom"`
	LowpassAngstrom     float64 `yaml:"lowpassAngstrom"`

	Files []string `yaml:"files"`
}

// ProductPaths derives the output file names from the merged map path.
func ProductPaths(out string) (merged, filtered, half1, half2, curve, plot, summary string) {
	base := strings.TrimSuffix(out, filepath.Ext(out))
	return base + ".mrc", base + "_filt.mrc", base + "_half1.mrc", base + "_half2.mrc",
		base + "_FSC.txt", base + "_FSC.png", base + "_summary.yaml"
}

// WriteProducts writes the maps, the FSC curve and the run summary of res.
// logger may be nil.
func WriteProducts(res *Result, params Params, out string, opts ProductOptions, logger *logrus.Logger) (*Summary, error) {
	if res == nil {
		return nil, fmt.Errorf("no reconstruction result to write")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.WarnLevel)
	}
	mergedPath, filtPath, half1Path, half2Path, curvePath, plotPath, summaryPath := ProductPaths(out)
	if dir := filepath.Dir(mergedPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	maps := []struct {
		path string
		vol  []float64
	}{
		{mergedPath, res.Merged},
		{filtPath, res.Filtered},
		{half1Path, res.Half1},
		{half2Path, res.Half2},
	}
	var files []string
	for _, m := range maps {
		if err := mrc.WriteVolume(m.path, m.vol, res.Box, res.PixelSize); err != nil {
			return nil, err
		}
		logger.WithField("path", m.path).Info("wrote map")
		files = append(files, m.path)
	}

	if err := writeCurve(curvePath, res); err != nil {
		return nil, err
	}
	files = append(files, curvePath)

	if opts.Plots {
		err := visualization.PlotFSC(res.Curve.Frequency, res.Curve.Correlation, res.PixelSize, params.FSCThreshold, plotPath)
		if err != nil {
			return nil, err
		}
		files = append(files, plotPath)
	}

	if opts.Previews {
		dir := filepath.Join(filepath.Dir(mergedPath), "previews")
		base := strings.TrimSuffix(filepath.Base(mergedPath), ".mrc")
		for name, vol := range map[string][]float64{base: res.Merged, base + "_filt": res.Filtered} {
			viewer, err := visualization.NewViewer(vol, res.Box, res.PixelSize)
			if err != nil {
				return nil, err
			}
			paths, err := viewer.SaveCentralSections(dir, name)
			if err != nil {
				return nil, err
			}
			files = append(files, paths...)
		}
	}

	summary := &Summary{
		RunID:               uuid.NewString(),
		Created:             time.Now().UTC(),
		BoxSize:             res.Box,
		PixelSize:           res.PixelSize,
		Half1Images:         res.Images[0],
		Half2Images:         res.Images[1],
		Half1Particles:      res.Particles[0],
		Half2Particles:      res.Particles[1],
		FSCThreshold:        params.FSCThreshold,
		FSCMask:             params.Mask.Kind.String(),
		UnresolvedPolicy:    params.Unresolved.String(),
		ResolutionFrequency: res.Resolution,
		ResolutionAngstrom:  res.ResolutionAngstrom,
		LowpassAngstrom:     res.LowpassAngstrom,
		Files:               files,
	}
	data, err := yaml.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("error marshaling summary: %w", err)
	}
	if err := os.WriteFile(summaryPath, data, 0644); err != nil {
		return nil, fmt.Errorf("error writing summary: %w", err)
	}
	logger.WithFields(logrus.Fields{"run": summary.RunID, "path": summaryPath}).Info("wrote summary")
	return summary, nil
}

// writeCurve writes the FSC as two columns: frequency in 1/px and
// correlation.
func writeCurve(path string, res *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create FSC file: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# frequency(1/px) correlation  apix=%g\n", res.PixelSize)
	for i := range res.Curve.Frequency {
		fmt.Fprintf(w, "%.6f %.6f\n", res.Curve.Frequency[i], res.Curve.Correlation[i])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write FSC file: %w", err)
	}
	return f.Close()
}
