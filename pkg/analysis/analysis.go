// Package analysis reads measurement run files back and derives current,
// power, energy and pulse period from them.
package analysis

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const (
	// PeakThreshold is the fraction of the maximum shunt voltage above which a
	// point belongs to a load pulse.
	PeakThreshold = 0.4
	// PeakCooldown is the minimum distance in points between two pulse edges.
	PeakCooldown = 10
)

// Event is a named marker appended to a run file after the samples.
type Event struct {
	Name string
	At   float64 // Seconds since the run started
}

// Recording is a parsed measurement run.
type Recording struct {
	HasStartTime bool
	StartHour    int
	StartMinute  int
	StartSecond  int

	Samples         int
	PointsPerSample int
	SamplingRate    float64
	Resistance      float64
	AppliedVoltage  float64

	SampleStarts []float64 // "Start Time" of every sample read
	Timepoints   []float64 // Seconds since start, one per row
	Shunt        []float64 // First channel: voltage across the shunt
	Supply       []float64 // Second channel, or AppliedVoltage if absent
	Events       []Event

	// Truncated is set when the file ends before all samples were read,
	// as it does for a run that was stopped by a driver error.
	Truncated bool
}

// ParseFile parses the run file at path.
func ParseFile(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	rec, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return rec, nil
}

// scanner tracks line numbers for error messages.
type scanner struct {
	s    *bufio.Scanner
	line int
	eof  bool
}

func (s *scanner) next() (string, bool) {
	if s.eof || !s.s.Scan() {
		s.eof = true
		return "", false
	}
	s.line++
	return strings.TrimRight(s.s.Text(), "\r"), true
}

func (s *scanner) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("line %d: %s", s.line, fmt.Sprintf(format, args...))
}

// field splits "Label: value" and checks the label.
func (s *scanner) field(label string) (string, error) {
	line, ok := s.next()
	if !ok {
		return "", s.errorf("missing %q", label)
	}
	name, value, ok := strings.Cut(line, ": ")
	if !ok || name != label {
		return "", s.errorf("expected %q, got %q", label, line)
	}
	return value, nil
}

func (s *scanner) intField(label string) (int, error) {
	v, err := s.field(label)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, s.errorf("%s: %v", label, err)
	}
	return n, nil
}

func (s *scanner) floatField(label string) (float64, error) {
	v, err := s.field(label)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, s.errorf("%s: %v", label, err)
	}
	return f, nil
}

// Parse reads a run file. Files written without the start-of-day header are
// accepted. A file that ends inside the sample section yields a Truncated
// recording holding every complete row.
func Parse(r io.Reader) (*Recording, error) {
	bs := bufio.NewScanner(r)
	bs.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	s := &scanner{s: bs}
	rec := &Recording{}

	first, ok := s.next()
	if !ok {
		if err := bs.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("empty recording")
	}

	var err error
	if strings.HasPrefix(first, "Start Hour: ") {
		rec.HasStartTime = true
		if rec.StartHour, err = strconv.Atoi(strings.TrimPrefix(first, "Start Hour: ")); err != nil {
			return nil, s.errorf("Start Hour: %v", err)
		}
		if rec.StartMinute, err = s.intField("Start Minute"); err != nil {
			return nil, err
		}
		if rec.StartSecond, err = s.intField("Start Second"); err != nil {
			return nil, err
		}
		if rec.Samples, err = s.intField("Samples"); err != nil {
			return nil, err
		}
	} else {
		name, value, _ := strings.Cut(first, ": ")
		if name != "Samples" {
			return nil, s.errorf("expected %q, got %q", "Samples", first)
		}
		if rec.Samples, err = strconv.Atoi(value); err != nil {
			return nil, s.errorf("Samples: %v", err)
		}
	}

	if rec.PointsPerSample, err = s.intField("Data Points Per Sample"); err != nil {
		return nil, err
	}
	if rec.SamplingRate, err = s.floatField("Sampling Rate"); err != nil {
		return nil, err
	}
	if rec.Resistance, err = s.floatField("Resistance"); err != nil {
		return nil, err
	}
	if rec.AppliedVoltage, err = s.floatField("Applied Voltage"); err != nil {
		return nil, err
	}
	if rec.Samples < 0 || rec.PointsPerSample < 0 {
		return nil, s.errorf("negative sample counts")
	}
	if rec.SamplingRate <= 0 {
		return nil, s.errorf("sampling rate must be > 0, got %g", rec.SamplingRate)
	}

	if err := rec.parseSamples(s); err != nil {
		return nil, err
	}
	if !rec.Truncated {
		if err := rec.parseEvents(s); err != nil {
			return nil, err
		}
	}
	if err := bs.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (rec *Recording) parseSamples(s *scanner) error {
	total := rec.Samples * rec.PointsPerSample
	rec.Timepoints = make([]float64, 0, total)
	rec.Shunt = make([]float64, 0, total)
	rec.Supply = make([]float64, 0, total)

	for i := 0; i < rec.Samples; i++ {
		line, ok := s.next()
		if !ok {
			rec.Truncated = true
			return nil
		}
		name, value, _ := strings.Cut(line, ": ")
		if name != "Start Time" {
			return s.errorf("sample %d: expected %q, got %q", i+1, "Start Time", line)
		}
		start, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return s.errorf("Start Time: %v", err)
		}
		rec.SampleStarts = append(rec.SampleStarts, start)

		for j := 0; j < rec.PointsPerSample; j++ {
			line, ok := s.next()
			if !ok {
				rec.Truncated = true
				return nil
			}
			shunt, supply, err := rec.parseRow(line)
			if err != nil {
				return s.errorf("sample %d row %d: %v", i+1, j+1, err)
			}
			rec.Timepoints = append(rec.Timepoints, start+float64(j)/rec.SamplingRate)
			rec.Shunt = append(rec.Shunt, shunt)
			rec.Supply = append(rec.Supply, supply)
		}
	}
	return nil
}

func (rec *Recording) parseRow(line string) (shunt, supply float64, err error) {
	a, b, two := strings.Cut(line, ", ")
	if shunt, err = strconv.ParseFloat(a, 64); err != nil {
		return 0, 0, err
	}
	if !two {
		return shunt, rec.AppliedVoltage, nil
	}
	if supply, err = strconv.ParseFloat(b, 64); err != nil {
		return 0, 0, err
	}
	return shunt, supply, nil
}

func (rec *Recording) parseEvents(s *scanner) error {
	for {
		line, ok := s.next()
		if !ok {
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return s.errorf("malformed event %q", line)
		}
		at, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return s.errorf("event %s: %v", name, err)
		}
		rec.Events = append(rec.Events, Event{Name: name, At: at})
	}
}

// StartTime returns the wall clock start of the run in seconds of the day.
func (rec *Recording) StartTime() int {
	return rec.StartHour*3600 + rec.StartMinute*60 + rec.StartSecond
}

// TotalTime returns the acquired signal duration in seconds.
func (rec *Recording) TotalTime() float64 {
	return float64(len(rec.Shunt)) / rec.SamplingRate
}

// Current returns the load current (A) at every timepoint.
func (rec *Recording) Current() []float64 {
	out := make([]float64, len(rec.Shunt))
	for i, v := range rec.Shunt {
		out[i] = v / rec.Resistance
	}
	return out
}

// Power returns the power (W) drawn from the supply at every timepoint.
func (rec *Recording) Power() []float64 {
	out := make([]float64, len(rec.Shunt))
	for i, v := range rec.Shunt {
		out[i] = rec.Supply[i] * v / rec.Resistance
	}
	return out
}

// EnergyUsage integrates power over the recording (J).
func (rec *Recording) EnergyUsage() float64 {
	var sum float64
	for i, v := range rec.Shunt {
		sum += rec.Supply[i] * v
	}
	return sum / rec.Resistance / rec.SamplingRate
}

// AveragePower returns EnergyUsage over TotalTime, or 0 for an empty recording.
func (rec *Recording) AveragePower() float64 {
	t := rec.TotalTime()
	if t == 0 {
		return 0
	}
	return rec.EnergyUsage() / t
}

// Period estimates the load pulse period in seconds. Pulse edges are points
// where the shunt voltage rises above PeakThreshold of its maximum, more than
// PeakCooldown points after the previous edge of the same sample. Gaps further
// from the mean than one standard deviation (or one sampling interval,
// whichever is larger) are ignored.
func (rec *Recording) Period() (float64, bool) {
	if len(rec.Shunt) == 0 || rec.PointsPerSample <= 0 {
		return 0, false
	}
	peak := rec.Shunt[0]
	for _, v := range rec.Shunt {
		peak = math.Max(peak, v)
	}
	threshold := peak * PeakThreshold

	var gaps []float64
	for off := 0; off < len(rec.Shunt); off += rec.PointsPerSample {
		end := min(off+rec.PointsPerSample, len(rec.Shunt))
		last := -1
		for i := off + 1; i < end; i++ {
			if rec.Shunt[i] < threshold || rec.Shunt[i-1] >= threshold {
				continue
			}
			if last >= 0 {
				if i-last <= PeakCooldown {
					continue
				}
				gaps = append(gaps, float64(i-last)/rec.SamplingRate)
			}
			last = i
		}
	}
	if len(gaps) == 0 {
		return 0, false
	}

	mean, variance := meanVar(gaps)
	tolerance := math.Max(math.Sqrt(variance), 1/rec.SamplingRate)
	var sum float64
	var n int
	for _, g := range gaps {
		if math.Abs(g-mean) <= tolerance {
			sum += g
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func meanVar(xs []float64) (mean, variance float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return mean, variance / float64(len(xs))
}

// Summary is the per-file report printed by the analyze command.
type Summary struct {
	Start        int
	Samples      int
	Truncated    bool
	TotalTime    float64
	EnergyUsage  float64
	AveragePower float64
	Period       float64
	HasPeriod    bool
	Events       []Event
}

// Summarize computes the report for rec.
func (rec *Recording) Summarize() Summary {
	period, ok := rec.Period()
	return Summary{
		Start:        rec.StartTime(),
		Samples:      len(rec.SampleStarts),
		Truncated:    rec.Truncated,
		TotalTime:    rec.TotalTime(),
		EnergyUsage:  rec.EnergyUsage(),
		AveragePower: rec.AveragePower(),
		Period:       period,
		HasPeriod:    ok,
		Events:       rec.Events,
	}
}

// WriteTo prints the summary the way operators read it.
func (s Summary) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Start: %02d:%02d:%02d\n", s.Start/3600, s.Start/60%60, s.Start%60)
	fmt.Fprintf(&b, "Samples: %d", s.Samples)
	if s.Truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteByte('\n')
	for _, ev := range s.Events {
		fmt.Fprintf(&b, "%s at time %gs\n", ev.Name, ev.At)
	}
	fmt.Fprintf(&b, "Energy Usage: %gJ used over a %gs time span\n", s.EnergyUsage, s.TotalTime)
	fmt.Fprintf(&b, "Average Power: %gW\n", s.AveragePower)
	if s.HasPeriod {
		fmt.Fprintf(&b, "Period: %gs\n", s.Period)
	} else {
		b.WriteString("no period detected\n")
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
