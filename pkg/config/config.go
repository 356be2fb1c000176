package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver error policies.
const (
	PolicyAbort   = "abort"
	PolicySkipRun = "skip-run"
)

// Config represents the application configuration.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Run         RunConfig         `yaml:"run"`
	Output      OutputConfig      `yaml:"output"`
	Notify      NotifyConfig      `yaml:"notify"`
	Mock        MockConfig        `yaml:"mock"`
}

// DeviceConfig contains the serial bridge configuration.
type DeviceConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// AcquisitionConfig describes one finite multi-channel voltage read.
type AcquisitionConfig struct {
	Channels   []string      `yaml:"channels"`    // Device qualified names, e.g. Dev1/ai1
	MinVoltage float64       `yaml:"min_voltage"` // Input range lower bound (V)
	MaxVoltage float64       `yaml:"max_voltage"` // Input range upper bound (V)
	Timeout    time.Duration `yaml:"timeout"`     // Blocking read timeout
}

// RunConfig contains the parameters of every measurement run.
type RunConfig struct {
	Samples         int     `yaml:"samples"`           // Sample blocks per run
	PointsPerSample int     `yaml:"points_per_sample"` // Timepoints per sample block
	SamplingRate    float64 `yaml:"sampling_rate"`     // Hz
	Resistance      float64 `yaml:"resistance"`        // Written to the "Resistance" header line
	AppliedVoltage  float64 `yaml:"applied_voltage"`   // Written to the "Applied Voltage" header line
	Measurements    int     `yaml:"measurements"`      // Number of runs (files)
	OnDriverError   string  `yaml:"on_driver_error"`   // abort | skip-run
}

// OutputConfig controls where run files are written.
type OutputConfig struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"` // fmt pattern taking the run index
}

// NotifyConfig contains progress reporting configuration.
type NotifyConfig struct {
	Console bool       `yaml:"console"`
	MQTT    MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig enables MQTT progress events when Server is set.
type MQTTConfig struct {
	Server   string `yaml:"server"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
}

// MockConfig contains simulated device configuration.
type MockConfig struct {
	CellVoltage     float64       `yaml:"cell_voltage"`     // Open circuit voltage at t=0 (V)
	DischargeTau    time.Duration `yaml:"discharge_tau"`    // Exponential decay constant of the cell voltage
	InternalR       float64       `yaml:"internal_r"`       // Cell internal resistance (Ohm)
	ShuntResistance float64       `yaml:"shunt_resistance"` // Shunt resistor (Ohm)
	BaseCurrent     float64       `yaml:"base_current"`     // Idle load current (A)
	PulseCurrent    float64       `yaml:"pulse_current"`    // Load current during a pulse (A)
	PulsePeriod     time.Duration `yaml:"pulse_period"`     // Time between load pulses
	PulseDuty       float64       `yaml:"pulse_duty"`       // Fraction of the period the pulse is on
	NoiseLevel      float64       `yaml:"noise_level"`      // Noise amplitude (V)
	Realtime        bool          `yaml:"realtime"`         // Block for samples/rate like real hardware
	FailAt          string        `yaml:"fail_at"`          // Inject a driver failure: channel, timing, start, read
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Port:     "COM3", // Default for Windows, should be "/dev/ttyACM0" on Linux/Mac
			BaudRate: 115200,
		},
		Acquisition: AcquisitionConfig{
			Channels:   []string{"Dev1/ai1", "Dev1/ai3"},
			MinVoltage: -10.0,
			MaxVoltage: 10.0,
			Timeout:    10 * time.Second,
		},
		Run: RunConfig{
			Samples:         6 * 10,
			PointsPerSample: 10000,
			SamplingRate:    1000,
			// Header values as the rig has always recorded them: the resistance
			// line carries 1.36 and the applied voltage line carries 1.3.
			Resistance:     1.36,
			AppliedVoltage: 1.3,
			Measurements:   6 * 2,
			OnDriverError:  PolicyAbort,
		},
		Output: OutputConfig{
			Dir:     "Data",
			Pattern: "measurement%d.txt",
		},
		Notify: NotifyConfig{
			Console: true,
			MQTT: MQTTConfig{
				ClientID: "batterylife",
				Topic:    "batterylife",
			},
		},
		Mock: MockConfig{
			CellVoltage:     1.5,
			DischargeTau:    10 * time.Hour,
			InternalR:       0.2,
			ShuntResistance: 1.3,
			BaseCurrent:     0.01,
			PulseCurrent:    0.25,
			PulsePeriod:     time.Second,
			PulseDuty:       0.2,
			NoiseLevel:      0.001,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports every parameter that makes an experiment impossible.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Acquisition.Channels) == 0 {
		errs = append(errs, errors.New("acquisition.channels must not be empty"))
	}
	for _, ch := range c.Acquisition.Channels {
		if strings.TrimSpace(ch) == "" {
			errs = append(errs, errors.New("acquisition.channels contains an empty name"))
			break
		}
	}
	if c.Acquisition.MinVoltage >= c.Acquisition.MaxVoltage {
		errs = append(errs, fmt.Errorf("acquisition voltage range [%g, %g] is empty", c.Acquisition.MinVoltage, c.Acquisition.MaxVoltage))
	}
	if c.Acquisition.Timeout <= 0 {
		errs = append(errs, errors.New("acquisition.timeout must be > 0"))
	}
	if c.Run.Samples <= 0 {
		errs = append(errs, errors.New("run.samples must be > 0"))
	}
	if c.Run.PointsPerSample <= 0 {
		errs = append(errs, errors.New("run.points_per_sample must be > 0"))
	}
	if c.Run.SamplingRate <= 0 {
		errs = append(errs, errors.New("run.sampling_rate must be > 0"))
	}
	if c.Run.Measurements <= 0 {
		errs = append(errs, errors.New("run.measurements must be > 0"))
	}
	switch c.Run.OnDriverError {
	case PolicyAbort, PolicySkipRun:
	default:
		errs = append(errs, fmt.Errorf("run.on_driver_error: unknown policy %q", c.Run.OnDriverError))
	}
	if !validPattern(c.Output.Pattern) {
		errs = append(errs, fmt.Errorf("output.pattern %q must format the run index once, e.g. measurement%%d.txt", c.Output.Pattern))
	}

	return errors.Join(errs...)
}

// validPattern reports whether pattern takes exactly the run index and gives
// distinct names for distinct runs.
func validPattern(pattern string) bool {
	a, b := fmt.Sprintf(pattern, 0), fmt.Sprintf(pattern, 1)
	return !strings.Contains(a, "%!") && !strings.Contains(b, "%!") && a != b
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Device.Port == "" {
		c.Device.Port = def.Device.Port
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = def.Device.BaudRate
	}

	if len(c.Acquisition.Channels) == 0 {
		c.Acquisition.Channels = def.Acquisition.Channels
	}
	if c.Acquisition.MinVoltage == 0 && c.Acquisition.MaxVoltage == 0 {
		c.Acquisition.MinVoltage = def.Acquisition.MinVoltage
		c.Acquisition.MaxVoltage = def.Acquisition.MaxVoltage
	}
	if c.Acquisition.Timeout == 0 {
		c.Acquisition.Timeout = def.Acquisition.Timeout
	}

	if c.Run.Samples == 0 {
		c.Run.Samples = def.Run.Samples
	}
	if c.Run.PointsPerSample == 0 {
		c.Run.PointsPerSample = def.Run.PointsPerSample
	}
	if c.Run.SamplingRate == 0 {
		c.Run.SamplingRate = def.Run.SamplingRate
	}
	if c.Run.Measurements == 0 {
		c.Run.Measurements = def.Run.Measurements
	}
	if c.Run.OnDriverError == "" {
		c.Run.OnDriverError = def.Run.OnDriverError
	}

	if c.Output.Dir == "" {
		c.Output.Dir = def.Output.Dir
	}
	if c.Output.Pattern == "" {
		c.Output.Pattern = def.Output.Pattern
	}

	if c.Notify.MQTT.ClientID == "" {
		c.Notify.MQTT.ClientID = def.Notify.MQTT.ClientID
	}
	if c.Notify.MQTT.Topic == "" {
		c.Notify.MQTT.Topic = def.Notify.MQTT.Topic
	}

	if c.Mock.CellVoltage == 0 {
		c.Mock.CellVoltage = def.Mock.CellVoltage
	}
	if c.Mock.DischargeTau == 0 {
		c.Mock.DischargeTau = def.Mock.DischargeTau
	}
	if c.Mock.ShuntResistance == 0 {
		c.Mock.ShuntResistance = def.Mock.ShuntResistance
	}
	if c.Mock.PulsePeriod == 0 {
		c.Mock.PulsePeriod = def.Mock.PulsePeriod
	}
}
