package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"github.com/itohio/batterylife/pkg/analysis"
	"github.com/itohio/batterylife/pkg/scope"
)

// plotOptions selects what -plot draws.
type plotOptions struct {
	together    bool
	patch       string
	patchTime   string
	patchColumn string
}

// buildPlots loads a run file and the optional patch CSV into charts.
func buildPlots(path string, opts plotOptions) ([]scope.Plot, error) {
	rec, err := analysis.ParseFile(path)
	if err != nil {
		return nil, err
	}

	var patch *analysis.Patch
	if opts.patch != "" {
		if !rec.HasStartTime {
			return nil, errors.New("patch overlay needs a run file with a start time header")
		}
		patch, err = analysis.ParsePatchFile(opts.patch, opts.patchTime, opts.patchColumn, rec.StartTime())
		if err != nil {
			return nil, err
		}
	}

	plots := scope.Separate(rec, patch)
	if opts.together {
		plots = append(plots, scope.Together(rec))
	}
	return plots, nil
}

// plot shows the charts of one run file in a window and blocks until it
// is closed.
func plot(path string, opts plotOptions, stderr io.Writer) int {
	plots, err := buildPlots(path, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to plot: %v\n", err)
		return 1
	}

	application := app.NewWithID("com.itohio.batterylife")
	window := application.NewWindow("Battery Life - " + filepath.Base(path))
	window.Resize(fyne.NewSize(1200, 800))
	window.CenterOnScreen()

	charts := make([]fyne.CanvasObject, len(plots))
	for i, p := range plots {
		s := scope.New()
		s.SetPlot(p)
		charts[i] = s
	}
	window.SetContent(container.NewGridWithRows(len(charts), charts...))

	window.ShowAndRun()
	return 0
}
