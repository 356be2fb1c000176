package daq

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate is the standard baud rate of the bridge firmware.
	DefaultBaudRate = 115200
	// BridgeFullScale is the largest count reported by the 12-bit bridge ADC.
	BridgeFullScale = 4095

	commandTimeout = 2 * time.Second
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// port is the part of serial.Port the bridge protocol needs.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Serial drives a DAQ bridge MCU over a serial line.
//
// Protocol (one command per line, replies "OK" or "ERR <code> <text>"):
//
//	CHAN Dev1/ai1,Dev1/ai3 -10 10
//	CLK 1000 RISING FINITE 10000
//	START                          -> OK, then one "c0,c1" count line per timepoint, then END
//	STOP
type Serial struct {
	port     string
	baudRate int
	open     func() (port, error)

	mu    sync.Mutex
	conn  port
	lines *lineReader
	busy  bool
}

// New creates a new Serial driver for the given port.
func New(portName string, baudRate int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	d := &Serial{
		port:     portName,
		baudRate: baudRate,
	}
	d.open = func() (port, error) {
		return serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	}
	return d
}

// Ports returns a list of available serial ports. USB ports are described
// by product name and VID:PID so the bridge is easy to spot.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, err := serial.GetPortsList()
		if err != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", err)
		}
		result := make([]Port, 0, len(names))
		for _, name := range names {
			result = append(result, Port{Name: name})
		}
		return result, nil
	}

	result := make([]Port, 0, len(details))
	for _, d := range details {
		p := Port{Name: d.Name}
		if d.IsUSB {
			p.Description = strings.TrimSpace(fmt.Sprintf("%s [%s:%s] %s", d.Product, d.VID, d.PID, d.SerialNumber))
		}
		result = append(result, p)
	}
	return result, nil
}

// NewTask reserves the bridge for one acquisition. The port is opened on first use.
func (d *Serial) NewTask() (Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.busy {
		return nil, newError(OpCreate, CodeReserved, "device %s is reserved by another task", d.port)
	}

	if d.conn == nil {
		conn, err := d.open()
		if err != nil {
			return nil, newError(OpCreate, CodeDeviceUnavailable, "failed to open serial port %s: %v", d.port, err)
		}
		d.conn = conn
		d.lines = &lineReader{port: conn}
	}

	d.busy = true
	return &serialTask{dev: d}, nil
}

// Close closes the serial port.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.lines = nil
	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", d.port, err)
	}
	return nil
}

func (d *Serial) release() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

type serialTask struct {
	dev *Serial

	channels  int
	min, max  float64
	samples   int
	streaming bool
	cleared   bool
}

func (t *serialTask) AddVoltageChannels(channels []string, min, max float64) error {
	if err := t.check(OpChannel); err != nil {
		return err
	}
	if len(channels) == 0 {
		return newError(OpChannel, CodeInvalidChannel, "no physical channels specified")
	}
	if min >= max {
		return newError(OpChannel, CodeInvalidRange, "minimum %g is not below maximum %g", min, max)
	}
	cmd := fmt.Sprintf("CHAN %s %s %s", strings.Join(channels, ","), formatFloat(min), formatFloat(max))
	if err := t.command(OpChannel, cmd); err != nil {
		return err
	}
	t.channels = len(channels)
	t.min, t.max = min, max
	return nil
}

func (t *serialTask) ConfigureSampleClock(rate float64, edge Edge, mode SampleMode, samplesPerChannel int) error {
	if err := t.check(OpTiming); err != nil {
		return err
	}
	if t.channels == 0 {
		return newError(OpTiming, CodeInvalidState, "no channels in task")
	}
	if rate <= 0 || samplesPerChannel <= 0 {
		return newError(OpTiming, CodeInvalidRange, "rate %g and samples %d must be positive", rate, samplesPerChannel)
	}
	cmd := fmt.Sprintf("CLK %s %s %s %d", formatFloat(rate), edge, mode, samplesPerChannel)
	if err := t.command(OpTiming, cmd); err != nil {
		return err
	}
	t.samples = samplesPerChannel
	return nil
}

func (t *serialTask) Start() error {
	if err := t.check(OpStart); err != nil {
		return err
	}
	if t.samples == 0 {
		return newError(OpStart, CodeInvalidState, "sample clock not configured")
	}
	if err := t.command(OpStart, "START"); err != nil {
		return err
	}
	t.streaming = true
	return nil
}

func (t *serialTask) ReadAnalog(samplesPerChannel int, timeout time.Duration, layout Layout, buf []float64) (int, error) {
	if err := t.check(OpRead); err != nil {
		return 0, err
	}
	if !t.streaming {
		return 0, newError(OpRead, CodeInvalidState, "task not started")
	}
	if len(buf) < samplesPerChannel*t.channels {
		return 0, newError(OpRead, CodeBufferTooSmall, "buffer holds %d values, need %d", len(buf), samplesPerChannel*t.channels)
	}

	deadline := time.Now().Add(timeout)
	scans := make([][]float64, 0, samplesPerChannel)
	for {
		line, err := t.dev.lines.readLine(deadline)
		if err != nil {
			if err == errTimeout {
				return 0, newError(OpRead, CodeTimeout, "some or all samples requested have not yet been acquired (%d of %d after %v)", len(scans), samplesPerChannel, timeout)
			}
			return 0, newError(OpRead, CodeDeviceUnavailable, "serial read: %v", err)
		}
		switch {
		case line == "END":
			t.streaming = false
			fill(buf, scans, t.channels, layout)
			return len(scans), nil
		case strings.HasPrefix(line, "ERR"):
			t.streaming = false
			return 0, parseErr(OpRead, line)
		}
		if len(scans) == samplesPerChannel {
			return 0, newError(OpRead, CodeProtocol, "bridge sent more than %d samples", samplesPerChannel)
		}
		scan, err := parseCounts(line, t.channels, t.min, t.max)
		if err != nil {
			return 0, newError(OpRead, CodeProtocol, "%v", err)
		}
		scans = append(scans, scan)
	}
}

func (t *serialTask) Clear() error {
	if t.cleared {
		return nil
	}
	t.cleared = true
	defer t.dev.release()

	if t.streaming {
		t.streaming = false
		if err := t.command(OpClear, "STOP"); err != nil {
			return err
		}
	}
	return nil
}

func (t *serialTask) check(op string) error {
	if t.cleared {
		return newError(op, CodeInvalidState, "task has been cleared")
	}
	return nil
}

// command sends one line and waits for OK or ERR. Stale sample lines left
// over from an aborted stream are skipped.
func (t *serialTask) command(op, cmd string) error {
	if _, err := t.dev.conn.Write([]byte(cmd + "\n")); err != nil {
		return newError(op, CodeDeviceUnavailable, "failed to send %q: %v", cmd, err)
	}

	deadline := time.Now().Add(commandTimeout)
	for {
		line, err := t.dev.lines.readLine(deadline)
		if err != nil {
			if err == errTimeout {
				return newError(op, CodeTimeout, "no reply to %q within %v", cmd, commandTimeout)
			}
			return newError(op, CodeDeviceUnavailable, "serial read: %v", err)
		}
		switch {
		case line == "OK":
			return nil
		case strings.HasPrefix(line, "ERR"):
			return parseErr(op, line)
		}
	}
}

// parseErr parses "ERR <code> <text>".
func parseErr(op, line string) *Error {
	fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "ERR")), " ", 2)
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return newError(op, CodeProtocol, "%s", strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
	}
	text := ""
	if len(fields) == 2 {
		text = strings.TrimSpace(fields[1])
	}
	return &Error{Op: op, Code: code, Extended: text}
}

// parseCounts parses a "c0,c1,..." line of 12-bit counts and scales it to volts.
func parseCounts(line string, channels int, min, max float64) ([]float64, error) {
	parts := strings.Split(line, ",")
	if len(parts) != channels {
		return nil, fmt.Errorf("invalid sample line %q: expected %d values, got %d", line, channels, len(parts))
	}
	scan := make([]float64, channels)
	for i, p := range parts {
		count, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid count %q: %w", p, err)
		}
		if count > BridgeFullScale {
			return nil, fmt.Errorf("count out of range: %d (max %d)", count, BridgeFullScale)
		}
		scan[i] = countsToVolts(uint16(count), min, max)
	}
	return scan, nil
}

// countsToVolts maps a full-scale count onto the configured input range.
func countsToVolts(count uint16, min, max float64) float64 {
	return min + float64(count)/BridgeFullScale*(max-min)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var errTimeout = errors.New("timeout")

// lineReader splits the serial stream into trimmed, non-empty lines.
type lineReader struct {
	port  port
	buf   []byte
	chunk [256]byte
}

func (l *lineReader) readLine(deadline time.Time) (string, error) {
	for {
		if i := bytes.IndexByte(l.buf, '\n'); i >= 0 {
			line := strings.TrimSpace(string(l.buf[:i]))
			l.buf = l.buf[i+1:]
			if line == "" {
				continue
			}
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errTimeout
		}
		if err := l.port.SetReadTimeout(remaining); err != nil {
			return "", err
		}
		n, err := l.port.Read(l.chunk[:])
		if err != nil {
			return "", err
		}
		l.buf = append(l.buf, l.chunk[:n]...)
	}
}
