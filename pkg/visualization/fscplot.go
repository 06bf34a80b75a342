package visualization

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotFSC draws a half-map FSC curve against spatial frequency in 1/A with a
// horizontal line at threshold, and saves it to filename. The image format
// follows the file extension.
func PlotFSC(frequency, correlation []float64, pixelSize, threshold float64, filename string) error {
	if len(frequency) != len(correlation) || len(frequency) < 2 {
		return fmt.Errorf("FSC curve needs matching frequency and correlation slices of at least 2 points")
	}
	if !(pixelSize > 0) {
		return fmt.Errorf("pixel size %v must be positive", pixelSize)
	}

	p := plot.New()
	p.Title.Text = "Half-map FSC"
	p.X.Label.Text = "Spatial frequency (1/Å)"
	p.Y.Label.Text = "Correlation"
	p.Y.Min = -0.1
	p.Y.Max = 1.05

	pts := make(plotter.XYs, len(frequency))
	for i := range frequency {
		pts[i] = plotter.XY{X: frequency[i] / pixelSize, Y: correlation[i]}
	}
	curve, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create FSC line: %w", err)
	}
	curve.Width = vg.Points(1.5)
	curve.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(curve)
	p.Legend.Add("FSC", curve)

	xMax := frequency[len(frequency)-1] / pixelSize
	cut, err := plotter.NewLine(plotter.XYs{{X: 0, Y: threshold}, {X: xMax, Y: threshold}})
	if err != nil {
		return fmt.Errorf("failed to create threshold line: %w", err)
	}
	cut.Width = vg.Points(1)
	cut.Color = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	cut.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(cut)
	p.Legend.Add(fmt.Sprintf("%.3f", threshold), cut)
	p.Legend.Top = true

	if err := p.Save(6*vg.Inch, 4*vg.Inch, filename); err != nil {
		return fmt.Errorf("failed to save FSC plot: %w", err)
	}
	return nil
}
