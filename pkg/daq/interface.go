package daq

import (
	"fmt"
	"time"
)

// Edge selects the active edge of the sample clock.
type Edge int

const (
	Rising Edge = iota
	Falling
)

func (e Edge) String() string {
	switch e {
	case Rising:
		return "RISING"
	case Falling:
		return "FALLING"
	default:
		return fmt.Sprintf("Edge(%d)", int(e))
	}
}

// SampleMode selects finite or continuous acquisition.
type SampleMode int

const (
	FiniteSamples SampleMode = iota
	ContinuousSamples
)

func (m SampleMode) String() string {
	switch m {
	case FiniteSamples:
		return "FINITE"
	case ContinuousSamples:
		return "CONTINUOUS"
	default:
		return fmt.Sprintf("SampleMode(%d)", int(m))
	}
}

// Layout is the order of values in a read buffer.
type Layout int

const (
	// GroupByChannel places all samples of the first channel, then all samples
	// of the second channel, and so on.
	GroupByChannel Layout = iota
	// GroupByScanNumber interleaves one value per channel for every timepoint.
	GroupByScanNumber
)

// Driver creates acquisition tasks on a device (real or simulated).
type Driver interface {
	NewTask() (Task, error)
	Close() error
}

// Task is one acquisition session. Methods must be called in order:
// AddVoltageChannels, ConfigureSampleClock, Start, ReadAnalog, Clear.
// Clear is safe to call at any point and more than once.
type Task interface {
	AddVoltageChannels(channels []string, min, max float64) error
	ConfigureSampleClock(rate float64, edge Edge, mode SampleMode, samplesPerChannel int) error
	Start() error
	// ReadAnalog blocks until samplesPerChannel samples per channel were
	// acquired or timeout elapsed. It returns the number of samples read per
	// channel. With GroupByChannel, channel c occupies buf[c*read : (c+1)*read].
	ReadAnalog(samplesPerChannel int, timeout time.Duration, layout Layout, buf []float64) (int, error)
	Clear() error
}

// Ensure drivers implement Driver.
var (
	_ Driver = (*Serial)(nil)
	_ Driver = (*Mock)(nil)
)

// fill copies scans (one slice of channel values per timepoint) into buf using layout.
func fill(buf []float64, scans [][]float64, channels int, layout Layout) {
	n := len(scans)
	for i, scan := range scans {
		for c := 0; c < channels; c++ {
			switch layout {
			case GroupByScanNumber:
				buf[i*channels+c] = scan[c]
			default:
				buf[c*n+i] = scan[c]
			}
		}
	}
}
