// Package scope draws measurement recordings as oscilloscope-style charts.
package scope

import (
	"image/color"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/widget"
)

// DefaultMaxDisplayPoints limits the points drawn per trace.
const DefaultMaxDisplayPoints = 2000

// ScopeWidget is a custom Fyne widget that displays one Plot.
type ScopeWidget struct {
	widget.BaseWidget

	// Data (protected by mu)
	mu      sync.RWMutex
	plot    Plot
	display []Trace // Downsampled copies of plot.Traces

	// Auto-scaling
	t, left, right Range

	// Display settings
	maxDisplayPoints int
}

// New creates a new ScopeWidget instance.
func New() *ScopeWidget {
	s := &ScopeWidget{
		t:                Range{Min: 0, Max: 1},
		left:             Range{Min: 0, Max: 1},
		right:            Range{Min: 0, Max: 1},
		maxDisplayPoints: DefaultMaxDisplayPoints,
	}
	s.ExtendBaseWidget(s)
	return s
}

// SetPlot replaces the displayed chart.
func (s *ScopeWidget) SetPlot(p Plot) {
	s.mu.Lock()

	s.plot = p
	// Fresh buffers: the renderer may still hold the previous ones
	s.display = make([]Trace, len(p.Traces))
	for i, tr := range p.Traces {
		s.display[i] = tr
		s.display[i].X, s.display[i].Y = Downsample(nil, nil, tr.X, tr.Y, s.maxDisplayPoints)
	}

	s.t = p.TimeRange()
	s.left = p.ValueRange(false)
	s.right = p.ValueRange(true)

	s.mu.Unlock()

	// Refresh the widget (must be outside lock to avoid potential deadlock)
	s.Refresh()
}

// CreateRenderer creates the widget renderer.
func (s *ScopeWidget) CreateRenderer() fyne.WidgetRenderer {
	grid := canvas.NewRectangle(color.RGBA{R: 20, G: 20, B: 20, A: 255}) // Dark background
	return &scopeRenderer{
		scope:   s,
		grid:    grid,
		objects: []fyne.CanvasObject{grid},
	}
}
