package scope

import (
	"image/color"
	"math"

	"fyne.io/fyne/v2"
	"github.com/itohio/batterylife/pkg/analysis"
)

var (
	ColorCurrent = color.RGBA{R: 100, G: 200, B: 255, A: 255} // Light blue
	ColorVoltage = color.RGBA{R: 230, G: 60, B: 60, A: 255}   // Red
	ColorPower   = color.RGBA{R: 255, G: 165, B: 0, A: 255}   // Orange
	ColorPatch   = color.RGBA{R: 200, G: 200, B: 200, A: 255} // Light gray
	ColorEvent   = color.RGBA{R: 60, G: 200, B: 80, A: 255}   // Green
)

// Trace is one series drawn against time.
type Trace struct {
	Name  string
	Unit  string
	Color color.RGBA
	X, Y  []float64 // Seconds since the run started, value in Unit
	Right bool      // Scaled on the right hand axis
}

// Plot is one chart: traces sharing the time axis and vertical event markers.
type Plot struct {
	Title  string
	Traces []Trace
	Events []analysis.Event
}

// Separate returns the current (mA), supply voltage and power panels of a
// recording. A non-nil patch is overlaid on the current panel.
func Separate(rec *analysis.Recording, patch *analysis.Patch) []Plot {
	current := Plot{
		Title:  "Current",
		Traces: []Trace{currentTrace(rec, false)},
		Events: rec.Events,
	}
	if patch != nil {
		current.Traces = append(current.Traces, Trace{
			Name:  patch.Name,
			Color: ColorPatch,
			X:     patch.Times,
			Y:     patch.Values,
		})
	}

	return []Plot{
		current,
		{
			Title:  "Voltage",
			Traces: []Trace{voltageTrace(rec, false)},
			Events: rec.Events,
		},
		{
			Title: "Power",
			Traces: []Trace{{
				Name:  "Power",
				Unit:  "W",
				Color: ColorPower,
				X:     rec.Timepoints,
				Y:     rec.Power(),
			}},
			Events: rec.Events,
		},
	}
}

// Together returns current (left axis) and supply voltage (right axis) in
// one chart.
func Together(rec *analysis.Recording) Plot {
	return Plot{
		Title:  "Current and Voltage",
		Traces: []Trace{currentTrace(rec, false), voltageTrace(rec, true)},
		Events: rec.Events,
	}
}

func currentTrace(rec *analysis.Recording, right bool) Trace {
	ma := rec.Current()
	for i := range ma {
		ma[i] *= 1000
	}
	return Trace{Name: "Current", Unit: "mA", Color: ColorCurrent, X: rec.Timepoints, Y: ma, Right: right}
}

func voltageTrace(rec *analysis.Recording, right bool) Trace {
	return Trace{Name: "Voltage", Unit: "V", Color: ColorVoltage, X: rec.Timepoints, Y: rec.Supply, Right: right}
}

// Range is a closed interval on one axis.
type Range struct {
	Min, Max float64
}

// Span returns Max-Min, or 1 for an empty range.
func (r Range) Span() float64 {
	if s := r.Max - r.Min; s > 0 {
		return s
	}
	return 1
}

// HasRight reports whether any trace uses the right hand axis.
func (p *Plot) HasRight() bool {
	for _, tr := range p.Traces {
		if tr.Right {
			return true
		}
	}
	return false
}

// TimeRange spans every trace and event.
func (p *Plot) TimeRange() Range {
	r := Range{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, tr := range p.Traces {
		for _, x := range tr.X {
			r.Min = math.Min(r.Min, x)
			r.Max = math.Max(r.Max, x)
		}
	}
	for _, ev := range p.Events {
		r.Min = math.Min(r.Min, ev.At)
		r.Max = math.Max(r.Max, ev.At)
	}
	if math.IsInf(r.Min, 0) {
		return Range{Min: 0, Max: 1}
	}
	if r.Max == r.Min {
		r.Max = r.Min + 1
	}
	return r
}

// ValueRange auto-scales the left or right axis with a 10% margin.
func (p *Plot) ValueRange(right bool) Range {
	r := Range{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, tr := range p.Traces {
		if tr.Right != right {
			continue
		}
		for _, y := range tr.Y {
			r.Min = math.Min(r.Min, y)
			r.Max = math.Max(r.Max, y)
		}
	}
	if math.IsInf(r.Min, 0) {
		return Range{Min: 0, Max: 1}
	}

	span := r.Max - r.Min
	if span == 0 {
		span = 1
	}
	margin := span * 0.1
	return Range{Min: r.Min - margin, Max: r.Max + margin}
}

// Downsample reduces x/y to at most maxPoints points, keeping the minimum and
// maximum of every bucket so narrow pulses stay visible.
// Destination-based: reuses dstX/dstY if they have sufficient capacity.
func Downsample(dstX, dstY, x, y []float64, maxPoints int) ([]float64, []float64) {
	n := min(len(x), len(y))
	if n <= maxPoints || maxPoints < 2 {
		dstX = append(dstX[:0], x[:n]...)
		dstY = append(dstY[:0], y[:n]...)
		return dstX, dstY
	}

	dstX, dstY = dstX[:0], dstY[:0]
	buckets := maxPoints / 2
	step := float64(n) / float64(buckets)
	for b := 0; b < buckets; b++ {
		lo := int(float64(b) * step)
		hi := min(int(float64(b+1)*step), n)
		if lo >= hi {
			continue
		}
		iMin, iMax := lo, lo
		for i := lo + 1; i < hi; i++ {
			if y[i] < y[iMin] {
				iMin = i
			}
			if y[i] > y[iMax] {
				iMax = i
			}
		}
		first, second := min(iMin, iMax), max(iMin, iMax)
		dstX = append(dstX, x[first])
		dstY = append(dstY, y[first])
		if second != first {
			dstX = append(dstX, x[second])
			dstY = append(dstY, y[second])
		}
	}
	return dstX, dstY
}

// frame maps data coordinates into the plot area of the widget.
type frame struct {
	x, y, w, h float32
	t, v       Range
}

func (f frame) timeX(t float64) float32 {
	return f.x + float32((t-f.t.Min)/f.t.Span())*f.w
}

func (f frame) valueY(v float64) float32 {
	return f.y + f.h - float32((v-f.v.Min)/f.v.Span())*f.h
}

func (f frame) point(t, v float64) fyne.Position {
	return fyne.NewPos(f.timeX(t), f.valueY(v))
}

// contains reports whether t lies on the time axis.
func (f frame) contains(t float64) bool {
	return t >= f.t.Min && t <= f.t.Max
}
