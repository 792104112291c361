package risk

import (
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/respirex/core/model"
	"github.com/YuminosukeSato/respirex/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
)

// PlotImportances draws the forest's feature importances as a bar chart and
// writes it to path. The image format follows the extension (png, svg, pdf).
func PlotImportances(a *Artifact, path string) error {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "" {
		return errors.NewValueError("risk.PlotImportances", "output path needs an extension such as .png")
	}
	return model.WriteFileAtomic(path, func(w io.Writer) error {
		return WriteImportancePlot(a, w, format)
	})
}

// WriteImportancePlot renders the importance chart in the given format.
func WriteImportancePlot(a *Artifact, w io.Writer, format string) error {
	if err := a.Validate(); err != nil {
		return err
	}
	importances := a.FeatureImportances()

	p := plot.New()
	p.Title.Text = "Symptom feature importance"
	p.Y.Label.Text = "Mean impurity decrease"
	p.Y.Min = 0

	bars, err := plotter.NewBarChart(plotter.Values(importances), vg.Points(18))
	if err != nil {
		return errors.Wrap(err, "failed to build bar chart")
	}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(FeatureNames[:]...)
	p.X.Tick.Label.Rotation = math.Pi / 4
	p.X.Tick.Label.XAlign = text.XRight

	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, format)
	if err != nil {
		return errors.Wrapf(err, "unsupported plot format %q", format)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return errors.Wrap(err, "failed to write plot")
	}
	return nil
}
