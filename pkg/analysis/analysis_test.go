package analysis

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/itohio/batterylife/pkg/config"
	"github.com/itohio/batterylife/pkg/daq"
	"github.com/itohio/batterylife/pkg/experiment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recordingWithEvents = `Start Hour: 14
Start Minute: 5
Start Second: 9
Samples: 2
Data Points Per Sample: 2
Sampling Rate: 10
Resistance: 2
Applied Voltage: 1.5
Start Time: 0
0.2, 1.4
0.4, 1.2
Start Time: 1
0, 1.5
1, 1
Button press: 3

Screen off: 7.5
`

func TestParse(t *testing.T) {
	rec, err := Parse(strings.NewReader(recordingWithEvents))
	require.NoError(t, err)

	assert.True(t, rec.HasStartTime)
	assert.Equal(t, 14*3600+5*60+9, rec.StartTime())
	assert.Equal(t, 2, rec.Samples)
	assert.Equal(t, 2, rec.PointsPerSample)
	assert.Equal(t, 10.0, rec.SamplingRate)
	assert.Equal(t, 2.0, rec.Resistance)
	assert.Equal(t, 1.5, rec.AppliedVoltage)
	assert.False(t, rec.Truncated)

	assert.Equal(t, []float64{0, 1}, rec.SampleStarts)
	assert.InDeltaSlice(t, []float64{0, 0.1, 1, 1.1}, rec.Timepoints, 1e-12)
	assert.Equal(t, []float64{0.2, 0.4, 0, 1}, rec.Shunt)
	assert.Equal(t, []float64{1.4, 1.2, 1.5, 1}, rec.Supply)
	assert.Equal(t, []Event{{Name: "Button press", At: 3}, {Name: "Screen off", At: 7.5}}, rec.Events)

	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0, 0.5}, rec.Current(), 1e-12)
	assert.InDeltaSlice(t, []float64{0.14, 0.24, 0, 0.5}, rec.Power(), 1e-12)
	assert.InDelta(t, 0.4, rec.TotalTime(), 1e-12)
	assert.InDelta(t, 0.088, rec.EnergyUsage(), 1e-12)
	assert.InDelta(t, 0.22, rec.AveragePower(), 1e-12)
}

func TestParse_NoStartHeaderSingleChannel(t *testing.T) {
	in := "Samples: 1\n" +
		"Data Points Per Sample: 3\n" +
		"Sampling Rate: 1000\n" +
		"Resistance: 1.36\n" +
		"Applied Voltage: 1.3\n" +
		"Start Time: 5\n" +
		"0.1\n" +
		"0.2\n" +
		"0.3\n"

	rec, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	assert.False(t, rec.HasStartTime)
	assert.Equal(t, 0, rec.StartTime())
	assert.Equal(t, []float64{1.3, 1.3, 1.3}, rec.Supply)
	assert.InDeltaSlice(t, []float64{5, 5.001, 5.002}, rec.Timepoints, 1e-12)
	assert.Empty(t, rec.Events)
}

func TestParse_Truncated(t *testing.T) {
	tests := []struct {
		name    string
		tail    string
		samples int
		rows    int
	}{
		{"no samples", "", 0, 0},
		{"marker only", "Start Time: 0\n", 1, 0},
		{"partial block", "Start Time: 0\n1, 2\n", 1, 1},
		{"second marker only", "Start Time: 0\n1, 2\n3, 4\nStart Time: 1\n", 2, 2},
	}

	head := "Start Hour: 1\nStart Minute: 2\nStart Second: 3\n" +
		"Samples: 2\nData Points Per Sample: 2\nSampling Rate: 100\n" +
		"Resistance: 1\nApplied Voltage: 1\n"

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse(strings.NewReader(head + tt.tail))
			require.NoError(t, err)
			assert.True(t, rec.Truncated)
			assert.Len(t, rec.SampleStarts, tt.samples)
			assert.Len(t, rec.Shunt, tt.rows)
			assert.InDelta(t, float64(tt.rows)/100, rec.TotalTime(), 1e-12)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "empty recording"},
		{"wrong first line", "Hello: 1\n", `expected "Samples"`},
		{"bad hour", "Start Hour: x\n", "Start Hour"},
		{"missing minute", "Start Hour: 1\n", `missing "Start Minute"`},
		{"bad samples", "Samples: many\n", "Samples"},
		{"wrong label", "Samples: 1\nPoints: 1\n", `expected "Data Points Per Sample"`},
		{"bad rate", "Samples: 1\nData Points Per Sample: 1\nSampling Rate: fast\n", "Sampling Rate"},
		{"zero rate", "Samples: 1\nData Points Per Sample: 1\nSampling Rate: 0\nResistance: 1\nApplied Voltage: 1\n", "sampling rate must be > 0"},
		{"negative", "Samples: -1\nData Points Per Sample: 1\nSampling Rate: 1\nResistance: 1\nApplied Voltage: 1\n", "negative"},
		{"missing marker", "Samples: 1\nData Points Per Sample: 1\nSampling Rate: 1\nResistance: 1\nApplied Voltage: 1\n1, 2\n", `expected "Start Time"`},
		{"bad row", "Samples: 1\nData Points Per Sample: 1\nSampling Rate: 1\nResistance: 1\nApplied Voltage: 1\nStart Time: 0\n1; 2\n", "sample 1 row 1"},
		{"bad second value", "Samples: 1\nData Points Per Sample: 1\nSampling Rate: 1\nResistance: 1\nApplied Voltage: 1\nStart Time: 0\n1, x\n", "line 7"},
		{"bad event", "Samples: 0\nData Points Per Sample: 1\nSampling Rate: 1\nResistance: 1\nApplied Voltage: 1\nsomething happened\n", "malformed event"},
		{"bad event time", "Samples: 0\nData Points Per Sample: 1\nSampling Rate: 1\nResistance: 1\nApplied Voltage: 1\nClick: soon\n", "event Click"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "measurement0.txt")
	require.NoError(t, os.WriteFile(path, []byte(recordingWithEvents), 0644))

	rec, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, rec.Shunt, 4)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// pulses builds a single-sample recording whose shunt voltage goes high for
// width points at every edge.
func pulses(points, width int, rate float64, edges ...int) *Recording {
	rec := &Recording{
		Samples:         1,
		PointsPerSample: points,
		SamplingRate:    rate,
		Resistance:      1,
		Shunt:           make([]float64, points),
		Supply:          make([]float64, points),
	}
	for i := range rec.Shunt {
		rec.Shunt[i] = 0.01
		rec.Supply[i] = 1.5
	}
	for _, e := range edges {
		for i := e; i < e+width && i < points; i++ {
			rec.Shunt[i] = 0.3
		}
	}
	return rec
}

func TestPeriod(t *testing.T) {
	t.Run("regular", func(t *testing.T) {
		rec := pulses(1000, 20, 1000, 100, 200, 300, 400, 500, 600, 700, 800, 900)
		p, ok := rec.Period()
		require.True(t, ok)
		assert.InDelta(t, 0.1, p, 1e-9)
	})

	t.Run("missing pulse is ignored", func(t *testing.T) {
		rec := pulses(1000, 20, 1000, 100, 200, 300, 600, 700, 800, 900)
		p, ok := rec.Period()
		require.True(t, ok)
		assert.InDelta(t, 0.1, p, 1e-9)
	})

	t.Run("glitch within cooldown", func(t *testing.T) {
		rec := pulses(1000, 1, 1000, 100, 103, 300, 500)
		p, ok := rec.Period()
		require.True(t, ok)
		assert.InDelta(t, 0.2, p, 1e-9)
	})

	t.Run("pulse at sample start is not an edge", func(t *testing.T) {
		rec := pulses(1000, 50, 100, 0, 400)
		_, ok := rec.Period()
		assert.False(t, ok)
	})

	t.Run("constant", func(t *testing.T) {
		rec := pulses(500, 0, 1000)
		_, ok := rec.Period()
		assert.False(t, ok)
	})

	t.Run("empty", func(t *testing.T) {
		_, ok := (&Recording{SamplingRate: 1}).Period()
		assert.False(t, ok)
	})
}

func TestPeriod_EdgesDoNotSpanSamples(t *testing.T) {
	// Two samples of 100 points with one edge each: no gap inside a sample
	rec := pulses(200, 10, 1000, 50, 150)
	rec.Samples = 2
	rec.PointsPerSample = 100
	_, ok := rec.Period()
	assert.False(t, ok)
}

func TestAveragePower_Empty(t *testing.T) {
	rec := &Recording{SamplingRate: 1000, Resistance: 1}
	assert.Zero(t, rec.AveragePower())
	assert.Zero(t, rec.EnergyUsage())
}

func TestSummary_WriteTo(t *testing.T) {
	s := Summary{
		Start:        14*3600 + 5*60 + 9,
		Samples:      60,
		TotalTime:    600,
		EnergyUsage:  48.5,
		AveragePower: 0.25,
		Period:       1,
		HasPeriod:    true,
		Events:       []Event{{Name: "Button press", At: 12}},
	}

	var out bytes.Buffer
	n, err := s.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(out.Len()), n)
	assert.Equal(t, "Start: 14:05:09\n"+
		"Samples: 60\n"+
		"Button press at time 12s\n"+
		"Energy Usage: 48.5J used over a 600s time span\n"+
		"Average Power: 0.25W\n"+
		"Period: 1s\n", out.String())

	out.Reset()
	s.HasPeriod = false
	s.Truncated = true
	s.Events = nil
	_, err = s.WriteTo(&out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Samples: 60 (truncated)\n")
	assert.Contains(t, out.String(), "no period detected\n")
}

func TestRecordedExperiment(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Output.Dir = dir
	cfg.Run.Measurements = 1
	cfg.Run.Samples = 2
	cfg.Run.PointsPerSample = 3000
	cfg.Mock.NoiseLevel = 0

	e := experiment.New(daq.NewMock(&cfg.Mock), cfg, nil)
	results, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	rec, err := ParseFile(results[0].Path)
	require.NoError(t, err)

	start := results[0].Start
	assert.Equal(t, start.Hour()*3600+start.Minute()*60+start.Second(), rec.StartTime())
	assert.Equal(t, 2, rec.Samples)
	assert.Equal(t, 3000, rec.PointsPerSample)
	assert.Equal(t, 1000.0, rec.SamplingRate)
	assert.Equal(t, 1.36, rec.Resistance)
	assert.Equal(t, 1.3, rec.AppliedVoltage)
	assert.Len(t, rec.Shunt, 6000)
	assert.InDelta(t, 6.0, rec.TotalTime(), 1e-9)

	// 1 s pulses, 20% duty at 0.25 A on a 1.3 Ω shunt, 10 mA idle
	p, ok := rec.Period()
	require.True(t, ok)
	assert.InDelta(t, time.Second.Seconds(), p, 0.005)
	assert.InDelta(t, 0.0808, rec.AveragePower(), 0.005)
}
