// Package notify reports experiment progress to the console and other sinks.
package notify

import (
	"errors"
	"fmt"
	"io"
)

// Notifier receives experiment progress events. Implementations must not
// block the acquisition for long; delivery failures are logged, not returned.
type Notifier interface {
	RunStarted(run int, path string)
	SampleStarted(run, sample, total int)
	RunFinished(run int, path string, err error)
	Close() error
}

// Console prints the progress lines operators watch during a run.
type Console struct {
	w io.Writer
}

var (
	_ Notifier = (*Console)(nil)
	_ Notifier = (*MQTT)(nil)
	_ Notifier = Multi(nil)
)

// NewConsole creates a console notifier writing to w.
func NewConsole(w io.Writer) *Console { return &Console{w: w} }

func (c *Console) RunStarted(run int, path string) {
	fmt.Fprintf(c.w, "Starting Measurement: %d\n", run)
}

// SampleStarted prints a 1-based progress line.
func (c *Console) SampleStarted(run, sample, total int) {
	fmt.Fprintf(c.w, "Sample number %d of %d\n", sample, total)
}

func (c *Console) RunFinished(run int, path string, err error) {}

func (c *Console) Close() error { return nil }

// Multi fans events out to several notifiers.
type Multi []Notifier

func (m Multi) RunStarted(run int, path string) {
	for _, n := range m {
		n.RunStarted(run, path)
	}
}

func (m Multi) SampleStarted(run, sample, total int) {
	for _, n := range m {
		n.SampleStarted(run, sample, total)
	}
}

func (m Multi) RunFinished(run int, path string, err error) {
	for _, n := range m {
		n.RunFinished(run, path, err)
	}
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
