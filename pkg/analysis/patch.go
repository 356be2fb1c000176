package analysis

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PatchStep spreads readings logged within the same wall clock second.
const PatchStep = 0.2

// Patch is a series logged by an external instrument as CSV with a
// "HH:MM:SS" time column, aligned to a run's start time.
type Patch struct {
	Name   string
	Times  []float64 // Seconds since the run started
	Values []float64
}

// ParsePatchFile parses the CSV at path; see ParsePatch.
func ParsePatchFile(path, timeColumn, valueColumn string, runStart int) (*Patch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	p, err := ParsePatch(f, timeColumn, valueColumn, runStart)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return p, nil
}

// ParsePatch reads timeColumn and valueColumn from CSV with a header row.
// runStart is the run's start in seconds of the day (Recording.StartTime).
// The k-th consecutive reading stamped with the same second is placed
// k*PatchStep seconds after it.
func ParsePatch(r io.Reader, timeColumn, valueColumn string, runStart int) (*Patch, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty patch file")
		}
		return nil, err
	}
	ti, vi := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case timeColumn:
			ti = i
		case valueColumn:
			vi = i
		}
	}
	if ti < 0 || vi < 0 {
		return nil, fmt.Errorf("columns %q and %q required, header is %v", timeColumn, valueColumn, header)
	}

	p := &Patch{Name: valueColumn}
	last, repeat := -1, 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return p, nil
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)

		sec, err := secondsOfDay(rec[ti])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[vi]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, valueColumn, err)
		}

		if sec == last {
			repeat++
		} else {
			last, repeat = sec, 0
		}
		p.Times = append(p.Times, float64(sec-runStart)+float64(repeat)*PatchStep)
		p.Values = append(p.Values, v)
	}
}

// secondsOfDay parses "HH:MM:SS".
func secondsOfDay(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	var hms [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		hms[i] = n
	}
	return hms[0]*3600 + hms[1]*60 + hms[2], nil
}
