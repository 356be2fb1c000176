package sample

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/itohio/batterylife/pkg/daq"
)

const (
	// DefaultMinVoltage and DefaultMaxVoltage bound the input range (V).
	DefaultMinVoltage = -10.0
	DefaultMaxVoltage = 10.0
	// DefaultTimeout bounds the blocking read.
	DefaultTimeout = 10 * time.Second
)

// Request describes one finite multi-channel voltage acquisition.
type Request struct {
	Channels   []string // Device qualified names, e.g. Dev1/ai1
	Timepoints int      // Samples per channel
	Rate       float64  // Hz
	MinVoltage float64
	MaxVoltage float64
	Timeout    time.Duration
}

func (r *Request) normalize() error {
	if len(r.Channels) == 0 {
		return errors.New("no channels requested")
	}
	if r.Timepoints <= 0 {
		return fmt.Errorf("timepoints must be > 0, got %d", r.Timepoints)
	}
	if r.Rate <= 0 {
		return fmt.Errorf("sampling rate must be > 0, got %g", r.Rate)
	}
	if r.MinVoltage == 0 && r.MaxVoltage == 0 {
		r.MinVoltage, r.MaxVoltage = DefaultMinVoltage, DefaultMaxVoltage
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	return nil
}

// Block is the result of one acquisition. Data is laid out channel-major:
// all points of channel 0, then all points of channel 1, and so on.
type Block struct {
	Channels   int
	Timepoints int // Requested samples per channel
	Read       int // Samples per channel actually read
	Data       []float64
}

// NewBlock allocates a block for timepoints samples on each channel.
func NewBlock(channels, timepoints int) *Block {
	return &Block{
		Channels:   channels,
		Timepoints: timepoints,
		Data:       make([]float64, channels*timepoints),
	}
}

// Row returns the values of all channels at timepoint i.
// Destination-based: reuses dst if it has sufficient capacity.
func (b *Block) Row(dst []float64, i int) []float64 {
	dst = dst[:0]
	for c := 0; c < b.Channels; c++ {
		dst = append(dst, b.Data[c*b.Read+i])
	}
	return dst
}

// WriteTo writes one line per timepoint, channel values separated by ", ".
func (b *Block) WriteTo(w io.Writer) (int64, error) {
	var (
		total int64
		line  []byte
		row   = make([]float64, 0, b.Channels)
	)
	for i := 0; i < b.Read; i++ {
		line = AppendRow(line[:0], b.Row(row, i))
		n, err := w.Write(line)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// AppendRow appends values as "v0, v1, ...\n".
func AppendRow(dst []byte, values []float64) []byte {
	for c, v := range values {
		if c > 0 {
			dst = append(dst, ", "...)
		}
		dst = AppendValue(dst, v)
	}
	return append(dst, '\n')
}

// AppendValue formats v with six significant digits, the way a default
// iostream prints a double (1.36, 1000, 1e+06, 0.000123457).
func AppendValue(dst []byte, v float64) []byte {
	return strconv.AppendFloat(dst, v, 'g', 6, 64)
}

// FormatValue is AppendValue returning a string.
func FormatValue(v float64) string {
	return string(AppendValue(nil, v))
}

// Acquire runs one finite acquisition against drv and writes the resulting
// rows to w. The task is cleared before any row is written, and on every
// failure path. On failure, a failed clear included, no rows are written and
// the driver error is returned unchanged (see daq.AsError).
func Acquire(drv daq.Driver, req Request, w io.Writer) (blk *Block, err error) {
	if err := req.normalize(); err != nil {
		return nil, fmt.Errorf("invalid acquisition request: %w", err)
	}

	task, err := drv.NewTask()
	if err != nil {
		return nil, err
	}
	cleared := false
	defer func() {
		if cleared {
			return
		}
		if cerr := task.Clear(); cerr != nil && err == nil {
			blk, err = nil, cerr
		}
	}()

	if err := task.AddVoltageChannels(req.Channels, req.MinVoltage, req.MaxVoltage); err != nil {
		return nil, err
	}
	if err := task.ConfigureSampleClock(req.Rate, daq.Rising, daq.FiniteSamples, req.Timepoints); err != nil {
		return nil, err
	}
	if err := task.Start(); err != nil {
		return nil, err
	}

	blk = NewBlock(len(req.Channels), req.Timepoints)
	read, err := task.ReadAnalog(req.Timepoints, req.Timeout, daq.GroupByChannel, blk.Data)
	if err != nil {
		return nil, err
	}
	blk.Read = read

	cleared = true
	if err := task.Clear(); err != nil {
		return nil, err
	}

	if _, err := blk.WriteTo(w); err != nil {
		return nil, fmt.Errorf("failed to write sample block: %w", err)
	}

	return blk, nil
}
