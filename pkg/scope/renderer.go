package scope

import (
	"image/color"
	"math"
	"strconv"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"github.com/itohio/batterylife/pkg/analysis"
)

var (
	colorGrid  = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	colorLabel = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	colorTitle = color.RGBA{R: 220, G: 220, B: 220, A: 255}
)

// scopeRenderer renders the scope widget.
type scopeRenderer struct {
	scope *ScopeWidget

	// Background
	grid *canvas.Rectangle

	// Trace segments, one slice per trace
	traceLines [][]*canvas.Line

	// Event markers (vertical lines)
	eventLines []*canvas.Line

	// Grid lines
	gridLines []*canvas.Line
	gridTexts []*canvas.Text

	// Objects list for Fyne
	objects []fyne.CanvasObject

	// Track last size to detect changes
	lastSize fyne.Size
}

// MinSize returns the minimum size of the widget.
func (r *scopeRenderer) MinSize() fyne.Size {
	return fyne.NewSize(400, 200)
}

// Layout arranges the widget components.
func (r *scopeRenderer) Layout(size fyne.Size) {
	// Background fills entire widget
	r.grid.Resize(size)

	if r.lastSize != size {
		r.lastSize = size
		// Size changed, redraw with new dimensions
		r.scope.BaseWidget.Refresh()
	}
}

// Refresh updates the widget display.
func (r *scopeRenderer) Refresh() {
	r.scope.mu.RLock()
	plot := r.scope.plot
	traces := r.scope.display
	tRange := r.scope.t
	left := r.scope.left
	right := r.scope.right
	r.scope.mu.RUnlock()

	// Clear old objects (but keep grid)
	r.objects = []fyne.CanvasObject{r.grid}
	r.gridLines = r.gridLines[:0]
	r.gridTexts = r.gridTexts[:0]
	r.eventLines = r.eventLines[:0]
	r.traceLines = r.traceLines[:0]

	size := r.scope.Size()
	if size.Width == 0 || size.Height == 0 {
		return
	}

	// Calculate margins
	marginLeft := float32(70.0)
	marginRight := float32(20.0)
	if plot.HasRight() {
		marginRight = 70
	}
	marginTop := float32(24.0)
	marginBottom := float32(30.0)

	plotWidth := size.Width - marginLeft - marginRight
	plotHeight := size.Height - marginTop - marginBottom
	if plotWidth <= 0 || plotHeight <= 0 {
		return
	}

	leftFrame := frame{x: marginLeft, y: marginTop, w: plotWidth, h: plotHeight, t: tRange, v: left}
	rightFrame := leftFrame
	rightFrame.v = right

	r.drawGrid(leftFrame, unitOf(traces, false))
	if plot.HasRight() {
		r.drawRightAxis(rightFrame, unitOf(traces, true))
	}

	for _, tr := range traces {
		f := leftFrame
		if tr.Right {
			f = rightFrame
		}
		r.drawTrace(f, tr)
	}

	r.drawEvents(leftFrame, plot.Events)
	r.drawTitle(leftFrame, plot.Title, traces)
}

// unitOf returns the unit of the first trace on an axis.
func unitOf(traces []Trace, right bool) string {
	for _, tr := range traces {
		if tr.Right == right {
			return tr.Unit
		}
	}
	return ""
}

// drawGrid draws the oscilloscope-style grid with time and left axis labels.
func (r *scopeRenderer) drawGrid(f frame, unit string) {
	// Horizontal grid lines (values)
	numHLines := 6
	for i := 0; i < numHLines+1; i++ {
		y := f.y + float32(i)*f.h/float32(numHLines)
		r.addGridLine(fyne.NewPos(f.x, y), fyne.NewPos(f.x+f.w, y))

		value := f.v.Max - float64(i)*(f.v.Max-f.v.Min)/float64(numHLines)
		r.addGridText(formatValue(value, unit), fyne.NewPos(f.x-5, y-6), fyne.TextAlignTrailing)
	}

	// Vertical grid lines (time)
	numVLines := 10
	for i := 0; i < numVLines+1; i++ {
		x := f.x + float32(i)*f.w/float32(numVLines)
		r.addGridLine(fyne.NewPos(x, f.y), fyne.NewPos(x, f.y+f.h))

		t := f.t.Min + float64(i)*(f.t.Max-f.t.Min)/float64(numVLines)
		r.addGridText(formatTime(t), fyne.NewPos(x-20, f.y+f.h+5), fyne.TextAlignCenter)
	}
}

// drawRightAxis labels the right hand axis.
func (r *scopeRenderer) drawRightAxis(f frame, unit string) {
	numHLines := 6
	for i := 0; i < numHLines+1; i++ {
		y := f.y + float32(i)*f.h/float32(numHLines)
		value := f.v.Max - float64(i)*(f.v.Max-f.v.Min)/float64(numHLines)
		r.addGridText(formatValue(value, unit), fyne.NewPos(f.x+f.w+5, y-6), fyne.TextAlignLeading)
	}
}

func (r *scopeRenderer) addGridLine(p1, p2 fyne.Position) {
	line := canvas.NewLine(colorGrid)
	line.Position1 = p1
	line.Position2 = p2
	line.StrokeWidth = 1
	r.gridLines = append(r.gridLines, line)
	r.objects = append(r.objects, line)
}

func (r *scopeRenderer) addGridText(s string, pos fyne.Position, align fyne.TextAlign) {
	text := canvas.NewText(s, colorLabel)
	text.TextSize = 10
	text.Alignment = align
	text.Move(pos)
	r.gridTexts = append(r.gridTexts, text)
	r.objects = append(r.objects, text)
}

// drawTrace draws one series as connected line segments.
func (r *scopeRenderer) drawTrace(f frame, tr Trace) {
	n := min(len(tr.X), len(tr.Y))
	segments := make([]*canvas.Line, 0, max(n-1, 0))
	for i := 1; i < n; i++ {
		line := canvas.NewLine(tr.Color)
		line.Position1 = f.point(tr.X[i-1], tr.Y[i-1])
		line.Position2 = f.point(tr.X[i], tr.Y[i])
		line.StrokeWidth = 1.5
		segments = append(segments, line)
		r.objects = append(r.objects, line)
	}
	r.traceLines = append(r.traceLines, segments)
}

// drawEvents draws a labelled vertical line per event.
func (r *scopeRenderer) drawEvents(f frame, events []analysis.Event) {
	for _, ev := range events {
		if !f.contains(ev.At) {
			continue
		}
		x := f.timeX(ev.At)
		line := canvas.NewLine(ColorEvent)
		line.Position1 = fyne.NewPos(x, f.y)
		line.Position2 = fyne.NewPos(x, f.y+f.h)
		line.StrokeWidth = 1
		r.eventLines = append(r.eventLines, line)
		r.objects = append(r.objects, line)

		text := canvas.NewText(ev.Name, ColorEvent)
		text.TextSize = 10
		text.Move(fyne.NewPos(x+3, f.y+2))
		r.objects = append(r.objects, text)
	}
}

// drawTitle prints the chart title and a legend with trace colors.
func (r *scopeRenderer) drawTitle(f frame, title string, traces []Trace) {
	text := canvas.NewText(title, colorTitle)
	text.TextSize = 12
	text.TextStyle = fyne.TextStyle{Bold: true}
	text.Move(fyne.NewPos(f.x, 4))
	r.objects = append(r.objects, text)

	x := f.x + f.w
	for i := len(traces) - 1; i >= 0; i-- {
		tr := traces[i]
		label := tr.Name
		if tr.Unit != "" {
			label += " (" + tr.Unit + ")"
		}
		legend := canvas.NewText(label, tr.Color)
		legend.TextSize = 10
		legend.Alignment = fyne.TextAlignTrailing
		legend.Move(fyne.NewPos(x, 6))
		r.objects = append(r.objects, legend)
		x -= float32(len(label))*6 + 12
	}
}

// Objects returns all canvas objects for rendering.
func (r *scopeRenderer) Objects() []fyne.CanvasObject {
	return r.objects
}

// Destroy cleans up resources.
func (r *scopeRenderer) Destroy() {
	// Cleanup handled by Fyne
}

// Helper functions for formatting

func formatValue(v float64, unit string) string {
	decimals := 3
	if a := math.Abs(v); a >= 100 {
		decimals = 0
	} else if a >= 10 {
		decimals = 1
	}
	return strconv.FormatFloat(v, 'f', decimals, 64) + unit
}

func formatTime(seconds float64) string {
	if math.Abs(seconds) < 10 {
		return strconv.FormatFloat(seconds, 'f', 2, 64) + "s"
	}
	return strconv.FormatFloat(seconds, 'f', 0, 64) + "s"
}
