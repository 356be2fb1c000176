// Package experiment drives sample acquisitions into measurement run files.
//
// A measurement run is one text file: a header with the start time of day and
// the run parameters, followed by one "Start Time" marker and one block of
// "chanA, chanB" rows per sample. An experiment is a sequence of runs, each
// written to its own file, strictly one after another.
package experiment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/itohio/batterylife/pkg/config"
	"github.com/itohio/batterylife/pkg/daq"
	"github.com/itohio/batterylife/pkg/notify"
	"github.com/itohio/batterylife/pkg/sample"
)

// State is the lifecycle state of a measurement run.
type State int

const (
	Init State = iota
	HeaderWritten
	Sampling
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case HeaderWritten:
		return "header-written"
	case Sampling:
		return "sampling"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Params are the fixed parameters shared by every run of an experiment.
type Params struct {
	Samples         int
	PointsPerSample int
	SamplingRate    float64
	Resistance      float64
	AppliedVoltage  float64

	Channels   []string
	MinVoltage float64
	MaxVoltage float64
	Timeout    time.Duration
}

// ParamsFromConfig extracts run parameters from cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		Samples:         cfg.Run.Samples,
		PointsPerSample: cfg.Run.PointsPerSample,
		SamplingRate:    cfg.Run.SamplingRate,
		Resistance:      cfg.Run.Resistance,
		AppliedVoltage:  cfg.Run.AppliedVoltage,
		Channels:        cfg.Acquisition.Channels,
		MinVoltage:      cfg.Acquisition.MinVoltage,
		MaxVoltage:      cfg.Acquisition.MaxVoltage,
		Timeout:         cfg.Acquisition.Timeout,
	}
}

func (p Params) request() sample.Request {
	return sample.Request{
		Channels:   p.Channels,
		Timepoints: p.PointsPerSample,
		Rate:       p.SamplingRate,
		MinVoltage: p.MinVoltage,
		MaxVoltage: p.MaxVoltage,
		Timeout:    p.Timeout,
	}
}

// OpenError reports a run whose output file could not be opened.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Measurement is the outcome of one measurement run.
type Measurement struct {
	Run      int
	Path     string
	State    State
	FailedIn State // State reached before failing: Init, HeaderWritten or Sampling
	Start    time.Time
	Markers  []int // Elapsed whole seconds at the start of each sample
	Rows     int   // Data rows written
	Err      error
}

// Runner writes measurement runs.
type Runner struct {
	drv      daq.Driver
	params   Params
	notifier notify.Notifier
	now      func() time.Time
}

// NewRunner creates a runner acquiring from drv. n may be nil.
func NewRunner(drv daq.Driver, params Params, n notify.Notifier) *Runner {
	if n == nil {
		n = notify.Multi(nil)
	}
	return &Runner{
		drv:      drv,
		params:   params,
		notifier: n,
		now:      time.Now,
	}
}

// Measure performs one measurement run into path. The returned Measurement
// is never nil; its Err equals the returned error.
func (r *Runner) Measure(ctx context.Context, run int, path string) (*Measurement, error) {
	m := &Measurement{Run: run, Path: path, State: Init}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return m.fail(&OpenError{Path: path, Err: err})
	}
	w := bufio.NewWriter(f)

	err = r.sampleInto(ctx, m, w)

	if ferr := w.Flush(); ferr != nil && err == nil {
		err = fmt.Errorf("failed to flush %s: %w", path, ferr)
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close %s: %w", path, cerr)
	}
	if err != nil {
		return m.fail(err)
	}

	m.State = Closed
	return m, nil
}

func (r *Runner) sampleInto(ctx context.Context, m *Measurement, w *bufio.Writer) error {
	p := r.params

	m.Start = r.now()
	if _, err := w.Write(appendHeader(nil, m.Start, p)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	m.State = HeaderWritten

	req := p.request()
	last := 0
	var line []byte
	for i := 0; i < p.Samples; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("measurement %d stopped before sample %d: %w", m.Run, i+1, err)
		}

		m.State = Sampling
		r.notifier.SampleStarted(m.Run, i+1, p.Samples)

		elapsed := max(int(r.now().Sub(m.Start)/time.Second), last)
		last = elapsed
		m.Markers = append(m.Markers, elapsed)

		line = append(line[:0], "Start Time: "...)
		line = sample.AppendValue(line, float64(elapsed))
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("failed to write start time: %w", err)
		}

		blk, err := sample.Acquire(r.drv, req, w)
		if err != nil {
			return fmt.Errorf("sample %d of %d: %w", i+1, p.Samples, err)
		}
		m.Rows += blk.Read
	}
	return nil
}

func (m *Measurement) fail(err error) (*Measurement, error) {
	m.FailedIn = m.State
	m.State = Failed
	m.Err = err
	return m, err
}

// appendHeader renders the run header. Floats use the same formatting as the
// data rows.
func appendHeader(b []byte, start time.Time, p Params) []byte {
	b = fmt.Appendf(b, "Start Hour: %d\n", start.Hour())
	b = fmt.Appendf(b, "Start Minute: %d\n", start.Minute())
	b = fmt.Appendf(b, "Start Second: %d\n", start.Second())
	b = fmt.Appendf(b, "Samples: %d\n", p.Samples)
	b = fmt.Appendf(b, "Data Points Per Sample: %d\n", p.PointsPerSample)
	b = appendFloatLine(b, "Sampling Rate", p.SamplingRate)
	b = appendFloatLine(b, "Resistance", p.Resistance)
	b = appendFloatLine(b, "Applied Voltage", p.AppliedVoltage)
	return b
}

func appendFloatLine(b []byte, label string, v float64) []byte {
	b = append(b, label...)
	b = append(b, ": "...)
	b = sample.AppendValue(b, v)
	return append(b, '\n')
}

// Experiment runs a fixed number of measurement runs, one file each.
type Experiment struct {
	runner  *Runner
	runs    int
	dir     string
	pattern string
	policy  string
}

// New creates an experiment from cfg acquiring from drv. n may be nil.
func New(drv daq.Driver, cfg *config.Config, n notify.Notifier) *Experiment {
	runner := NewRunner(drv, ParamsFromConfig(cfg), n)
	return &Experiment{
		runner:  runner,
		runs:    cfg.Run.Measurements,
		dir:     cfg.Output.Dir,
		pattern: cfg.Output.Pattern,
		policy:  cfg.Run.OnDriverError,
	}
}

// Path returns the output file of run.
func (e *Experiment) Path(run int) string {
	return filepath.Join(e.dir, fmt.Sprintf(e.pattern, run))
}

// Run executes every measurement run in order. A run whose file cannot be
// opened is skipped. A failed acquisition stops the experiment unless the
// policy is config.PolicySkipRun. The returned slice holds one entry per
// attempted run.
func (e *Experiment) Run(ctx context.Context) ([]*Measurement, error) {
	n := e.runner.notifier
	results := make([]*Measurement, 0, e.runs)

	for run := 0; run < e.runs; run++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		path := e.Path(run)
		n.RunStarted(run, path)
		m, err := e.runner.Measure(ctx, run, path)
		results = append(results, m)
		n.RunFinished(run, path, err)
		if err == nil {
			continue
		}

		var openErr *OpenError
		switch {
		case errors.As(err, &openErr):
			log.Printf("Failed to load file: %s: %v", path, openErr.Err)
		case ctx.Err() != nil:
			return results, err
		case e.policy == config.PolicySkipRun:
			log.Printf("Measurement %d aborted, continuing with the next one: %v", run, err)
		default:
			return results, err
		}
	}

	return results, nil
}
