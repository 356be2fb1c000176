package sample

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/itohio/batterylife/pkg/config"
	"github.com/itohio/batterylife/pkg/daq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDriver returns fixed channel-major data and records every call.
type scriptedDriver struct {
	data   []float64 // channel-major values handed out by ReadAnalog
	read   int       // samples per channel to report, 0 = requested
	failAt string    // operation to fail (daq.Op*)
	clear  error

	calls  []string
	tasks  int
	closed int
}

func (d *scriptedDriver) NewTask() (daq.Task, error) {
	d.calls = append(d.calls, daq.OpCreate)
	if d.failAt == daq.OpCreate {
		return nil, &daq.Error{Op: daq.OpCreate, Code: -1, Extended: "no device"}
	}
	d.tasks++
	return &scriptedTask{d: d}, nil
}

func (d *scriptedDriver) Close() error { return nil }

type scriptedTask struct {
	d *scriptedDriver
}

func (t *scriptedTask) step(op string) error {
	t.d.calls = append(t.d.calls, op)
	if t.d.failAt == op {
		return &daq.Error{Op: op, Code: -200000, Extended: "scripted " + op + " failure"}
	}
	return nil
}

func (t *scriptedTask) AddVoltageChannels(channels []string, min, max float64) error {
	return t.step(daq.OpChannel)
}

func (t *scriptedTask) ConfigureSampleClock(rate float64, edge daq.Edge, mode daq.SampleMode, n int) error {
	return t.step(daq.OpTiming)
}

func (t *scriptedTask) Start() error { return t.step(daq.OpStart) }

func (t *scriptedTask) ReadAnalog(n int, timeout time.Duration, layout daq.Layout, buf []float64) (int, error) {
	if err := t.step(daq.OpRead); err != nil {
		return 0, err
	}
	copy(buf, t.d.data)
	if t.d.read > 0 {
		return t.d.read, nil
	}
	return n, nil
}

func (t *scriptedTask) Clear() error {
	t.d.calls = append(t.d.calls, daq.OpClear)
	t.d.closed++
	return t.d.clear
}

func twoChannelRequest(n int) Request {
	return Request{
		Channels:   []string{"Dev1/ai1", "Dev1/ai3"},
		Timepoints: n,
		Rate:       1000,
	}
}

func TestAcquire_ChannelMajorRows(t *testing.T) {
	drv := &scriptedDriver{data: []float64{1, 2, 3, 4, 5, 6}}
	var out bytes.Buffer

	blk, err := Acquire(drv, twoChannelRequest(3), &out)
	require.NoError(t, err)

	assert.Equal(t, "1, 4\n2, 5\n3, 6\n", out.String())
	assert.Equal(t, 2, blk.Channels)
	assert.Equal(t, 3, blk.Timepoints)
	assert.Equal(t, 3, blk.Read)
	assert.Len(t, blk.Data, 6)
	assert.Equal(t, []string{daq.OpCreate, daq.OpChannel, daq.OpTiming, daq.OpStart, daq.OpRead, daq.OpClear}, drv.calls)
}

func TestAcquire_ShortRead(t *testing.T) {
	// Two of three points read: channel 1 starts right after channel 0's two points
	drv := &scriptedDriver{data: []float64{1, 2, 4, 5, 0, 0}, read: 2}
	var out bytes.Buffer

	blk, err := Acquire(drv, twoChannelRequest(3), &out)
	require.NoError(t, err)
	assert.Equal(t, 2, blk.Read)
	assert.Equal(t, "1, 4\n2, 5\n", out.String())
}

func TestAcquire_DriverFailureClearsTask(t *testing.T) {
	tests := []struct {
		failAt    string
		wantCalls []string
	}{
		{daq.OpChannel, []string{daq.OpCreate, daq.OpChannel, daq.OpClear}},
		{daq.OpTiming, []string{daq.OpCreate, daq.OpChannel, daq.OpTiming, daq.OpClear}},
		{daq.OpStart, []string{daq.OpCreate, daq.OpChannel, daq.OpTiming, daq.OpStart, daq.OpClear}},
		{daq.OpRead, []string{daq.OpCreate, daq.OpChannel, daq.OpTiming, daq.OpStart, daq.OpRead, daq.OpClear}},
	}

	for _, tt := range tests {
		t.Run(tt.failAt, func(t *testing.T) {
			drv := &scriptedDriver{data: []float64{1, 2, 3, 4, 5, 6}, failAt: tt.failAt}
			var out bytes.Buffer

			blk, err := Acquire(drv, twoChannelRequest(3), &out)
			assert.Nil(t, blk)
			de, ok := daq.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.failAt, de.Op)
			assert.Equal(t, "scripted "+tt.failAt+" failure", de.Extended)

			assert.Empty(t, out.String(), "no rows on failure")
			assert.Equal(t, tt.wantCalls, drv.calls)
			assert.Equal(t, 1, drv.closed)
		})
	}
}

func TestAcquire_CreateFailure(t *testing.T) {
	drv := &scriptedDriver{failAt: daq.OpCreate}
	_, err := Acquire(drv, twoChannelRequest(3), &bytes.Buffer{})
	de, ok := daq.AsError(err)
	require.True(t, ok)
	assert.Equal(t, daq.OpCreate, de.Op)
	assert.Equal(t, 0, drv.closed)
}

func TestAcquire_ClearFailure(t *testing.T) {
	clearErr := &daq.Error{Op: daq.OpClear, Code: -1, Extended: "stuck"}

	drv := &scriptedDriver{data: []float64{1, 2, 3, 4, 5, 6}, clear: clearErr}
	var out bytes.Buffer
	blk, err := Acquire(drv, twoChannelRequest(3), &out)
	assert.Nil(t, blk)
	assert.Equal(t, clearErr, err)
	assert.Empty(t, out.String(), "rows written despite failed clear")
	assert.Equal(t, 1, drv.closed)

	// An earlier failure wins over the clear failure
	drv = &scriptedDriver{failAt: daq.OpStart, clear: clearErr}
	_, err = Acquire(drv, twoChannelRequest(3), &bytes.Buffer{})
	de, ok := daq.AsError(err)
	require.True(t, ok)
	assert.Equal(t, daq.OpStart, de.Op)
}

func TestAcquire_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"no channels", Request{Timepoints: 3, Rate: 1000}},
		{"zero timepoints", Request{Channels: []string{"Dev1/ai1"}, Rate: 1000}},
		{"zero rate", Request{Channels: []string{"Dev1/ai1"}, Timepoints: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := &scriptedDriver{}
			_, err := Acquire(drv, tt.req, &bytes.Buffer{})
			require.Error(t, err)
			_, ok := daq.AsError(err)
			assert.False(t, ok)
			assert.Empty(t, drv.calls, "driver must not be touched")
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestAcquire_WriteFailure(t *testing.T) {
	drv := &scriptedDriver{data: []float64{1, 2, 3, 4, 5, 6}}
	_, err := Acquire(drv, twoChannelRequest(3), failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, drv.closed)
}

func TestBlock_RowsAndValues(t *testing.T) {
	// Rows and values per row for several channel/timepoint combinations
	for _, channels := range []int{1, 2, 3, 5} {
		for _, timepoints := range []int{1, 2, 7, 100} {
			blk := NewBlock(channels, timepoints)
			assert.Len(t, blk.Data, channels*timepoints)
			for i := range blk.Data {
				blk.Data[i] = float64(i)
			}
			blk.Read = timepoints

			var out bytes.Buffer
			n, err := blk.WriteTo(&out)
			require.NoError(t, err)
			assert.Equal(t, int64(out.Len()), n)

			lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
			require.Len(t, lines, timepoints)
			for i, line := range lines {
				values := strings.Split(line, ", ")
				require.Len(t, values, channels, "row %d", i)
				for c, v := range values {
					assert.Equal(t, FormatValue(float64(c*timepoints+i)), v)
				}
			}
		}
	}
}

func TestAppendRow(t *testing.T) {
	assert.Equal(t, "1, 4\n", string(AppendRow(nil, []float64{1, 4})))
	assert.Equal(t, "0.5\n", string(AppendRow(nil, []float64{0.5})))
	assert.Equal(t, "-1.23457, 1e+06, 0\n", string(AppendRow(nil, []float64{-1.2345678, 1e6, 0})))
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		v    float64
		want string
	}{
		{0, "0"},
		{12, "12"},
		{1000, "1000"},
		{1.36, "1.36"},
		{1.3, "1.3"},
		{0.000123456789, "0.000123457"},
		{123456789, "1.23457e+08"},
		{-0.25, "-0.25"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatValue(tt.v))
		})
	}
}

func TestAcquire_Mock(t *testing.T) {
	cfg := config.Default().Mock
	cfg.NoiseLevel = 0
	drv := daq.NewMock(&cfg)

	var out bytes.Buffer
	blk, err := Acquire(drv, Request{
		Channels:   []string{"Dev1/ai1", "Dev1/ai3"},
		Timepoints: 50,
		Rate:       100,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 50, blk.Read)
	assert.Equal(t, 50, strings.Count(out.String(), "\n"))

	// The device is released: a second acquisition succeeds
	_, err = Acquire(drv, twoChannelRequest(10), &out)
	assert.NoError(t, err)
}
