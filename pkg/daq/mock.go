package daq

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/batterylife/pkg/config"
)

// Mock simulates a DAQ measuring a battery that discharges through a pulsed
// load. Channel 0 is the shunt voltage, channel 1 the battery terminal voltage.
type Mock struct {
	cfg *config.MockConfig

	mu   sync.Mutex
	busy bool

	// Simulation state: seconds of acquired signal so far.
	t float32
}

// NewMock creates a new mocked device instance.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}

	return &Mock{
		cfg: cfg,
	}
}

// NewTask reserves the simulated device.
func (m *Mock) NewTask() (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy {
		return nil, newError(OpCreate, CodeReserved, "simulated device is reserved by another task")
	}
	m.busy = true
	return &mockTask{dev: m}, nil
}

// Close releases the simulated device.
func (m *Mock) Close() error { return nil }

// Elapsed returns the amount of simulated signal acquired so far.
func (m *Mock) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(float64(m.t) * float64(time.Second))
}

func (m *Mock) release() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

// fail returns the injected failure for op, if configured.
func (m *Mock) fail(step, op string) error {
	if m.cfg.FailAt == step {
		return newError(op, CodeSimulated, "simulated %s failure", step)
	}
	return nil
}

// acquire generates n scans of len(channels) values starting at the current simulated time.
func (m *Mock) acquire(n, channels int, rate float32) [][]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	scans := make([][]float64, n)
	for i := 0; i < n; i++ {
		shunt, terminal := m.signal(m.t + float32(i)/rate)
		scan := make([]float64, channels)
		for c := 0; c < channels; c++ {
			switch c {
			case 0:
				scan[c] = float64(shunt)
			case 1:
				scan[c] = float64(terminal)
			default:
				scan[c] = float64(m.noise(m.t+float32(i)/rate, float32(c)))
			}
		}
		scans[i] = scan
	}
	m.t += float32(n) / rate

	return scans
}

// signal computes the shunt and terminal voltage at time t (seconds).
func (m *Mock) signal(t float32) (shunt, terminal float32) {
	cfg := m.cfg

	// Load current: pulsed on top of an idle draw
	current := float32(cfg.BaseCurrent)
	period := float32(cfg.PulsePeriod.Seconds())
	if period > 0 && math32.Mod(t, period) < period*float32(cfg.PulseDuty) {
		current = float32(cfg.PulseCurrent)
	}

	// Open circuit voltage decays exponentially
	ocv := float32(cfg.CellVoltage)
	if tau := float32(cfg.DischargeTau.Seconds()); tau > 0 {
		ocv *= math32.Exp(-t / tau)
	}

	shunt = current*float32(cfg.ShuntResistance) + m.noise(t, 0)
	terminal = ocv - current*float32(cfg.InternalR) + m.noise(t, 1)
	return shunt, terminal
}

// noise is a deterministic pseudo-random disturbance in [-NoiseLevel, NoiseLevel].
func (m *Mock) noise(t, channel float32) float32 {
	x := math32.Sin(t*12.9898+channel*78.233) * 43758.5453
	frac := x - math32.Floor(x)
	return (2*frac - 1) * float32(m.cfg.NoiseLevel)
}

type mockTask struct {
	dev *Mock

	channels int
	rate     float64
	samples  int
	started  bool
	cleared  bool
}

func (t *mockTask) AddVoltageChannels(channels []string, min, max float64) error {
	if err := t.check(OpChannel); err != nil {
		return err
	}
	if err := t.dev.fail("channel", OpChannel); err != nil {
		return err
	}
	if len(channels) == 0 {
		return newError(OpChannel, CodeInvalidChannel, "no physical channels specified")
	}
	for _, ch := range channels {
		if !validChannelName(ch) {
			return newError(OpChannel, CodeInvalidChannel, "physical channel %q does not exist", ch)
		}
	}
	if min >= max {
		return newError(OpChannel, CodeInvalidRange, "minimum %g is not below maximum %g", min, max)
	}
	t.channels = len(channels)
	return nil
}

func (t *mockTask) ConfigureSampleClock(rate float64, edge Edge, mode SampleMode, samplesPerChannel int) error {
	if err := t.check(OpTiming); err != nil {
		return err
	}
	if err := t.dev.fail("timing", OpTiming); err != nil {
		return err
	}
	if t.channels == 0 {
		return newError(OpTiming, CodeInvalidState, "no channels in task")
	}
	if rate <= 0 || samplesPerChannel <= 0 {
		return newError(OpTiming, CodeInvalidRange, "rate %g and samples %d must be positive", rate, samplesPerChannel)
	}
	if mode != FiniteSamples {
		return newError(OpTiming, CodeInvalidRange, "sample mode %s is not supported", mode)
	}
	t.rate = rate
	t.samples = samplesPerChannel
	return nil
}

func (t *mockTask) Start() error {
	if err := t.check(OpStart); err != nil {
		return err
	}
	if err := t.dev.fail("start", OpStart); err != nil {
		return err
	}
	if t.samples == 0 {
		return newError(OpStart, CodeInvalidState, "sample clock not configured")
	}
	t.started = true
	return nil
}

func (t *mockTask) ReadAnalog(samplesPerChannel int, timeout time.Duration, layout Layout, buf []float64) (int, error) {
	if err := t.check(OpRead); err != nil {
		return 0, err
	}
	if err := t.dev.fail("read", OpRead); err != nil {
		return 0, err
	}
	if !t.started {
		return 0, newError(OpRead, CodeInvalidState, "task not started")
	}
	if samplesPerChannel > t.samples {
		samplesPerChannel = t.samples
	}
	if len(buf) < samplesPerChannel*t.channels {
		return 0, newError(OpRead, CodeBufferTooSmall, "buffer holds %d values, need %d", len(buf), samplesPerChannel*t.channels)
	}

	if t.dev.cfg.Realtime {
		acquisition := time.Duration(float64(samplesPerChannel) / t.rate * float64(time.Second))
		if acquisition > timeout {
			time.Sleep(timeout)
			return 0, newError(OpRead, CodeTimeout, "some or all samples requested have not yet been acquired (timeout %v)", timeout)
		}
		time.Sleep(acquisition)
	}

	scans := t.dev.acquire(samplesPerChannel, t.channels, float32(t.rate))
	fill(buf, scans, t.channels, layout)
	t.started = false
	return samplesPerChannel, nil
}

func (t *mockTask) Clear() error {
	if t.cleared {
		return nil
	}
	t.cleared = true
	t.dev.release()
	return nil
}

func (t *mockTask) check(op string) error {
	if t.cleared {
		return newError(op, CodeInvalidState, "task has been cleared")
	}
	return nil
}

// validChannelName accepts device qualified analog input names like Dev1/ai3.
func validChannelName(name string) bool {
	dev, ch, ok := strings.Cut(name, "/")
	if !ok || dev == "" || !strings.HasPrefix(ch, "ai") {
		return false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(ch, "ai"))
	return err == nil && n >= 0
}
