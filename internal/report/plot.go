// Package report renders training curves, qualitative segmentation grids
// and a run summary.
package report

import (
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Curves are per-epoch losses. Val may be empty or hold NaN for epochs
// without validation data.
type Curves struct {
	Train []float64
	Val   []float64
}

func points(values []float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i + 1), Y: v})
	}
	return pts
}

// PlotLoss saves a line plot of the train and validation loss of model name
// to path. The image format follows the file extension.
func PlotLoss(c Curves, name, path string) error {
	train := points(c.Train)
	if len(train) == 0 {
		return fmt.Errorf("report: no training loss to plot for %s", name)
	}
	p := plot.New()
	p.Title.Text = name + " loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())

	series := []interface{}{"Train Loss", train}
	if val := points(c.Val); len(val) > 0 {
		series = append(series, "Validation Loss", val)
	}
	if err := plotutil.AddLinePoints(p, series...); err != nil {
		return fmt.Errorf("report: plot %s: %w", name, err)
	}
	p.Legend.Top = true

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("report: save %s: %w", path, err)
	}
	return nil
}
