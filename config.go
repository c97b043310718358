package d1_arm

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// DefaultPace is the settling delay between two motion commands.
const DefaultPace = 2 * time.Second

// Duration is a time.Duration that reads "2s" style strings or plain
// nanosecond numbers from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", val)
		}
		*d = Duration(parsed)
	default:
		return errors.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Config holds the solver link, bus and playback settings.
type Config struct {
	// IK solver link
	SolverHost      string   `json:"solver_host,omitempty"`
	SolverPort      int      `json:"solver_port,omitempty"`
	DialTimeout     Duration `json:"dial_timeout,omitempty"`
	IOTimeout       Duration `json:"io_timeout,omitempty"`
	PingOnReconnect *bool    `json:"ping_on_reconnect,omitempty"`
	ElementWidth    int      `json:"element_width,omitempty"` // 4 (float32) or 8 (float64)
	ReadyAttempts   int      `json:"ready_attempts,omitempty"`
	ReadyInterval   Duration `json:"ready_interval,omitempty"`

	// Arm bus
	Topic          string   `json:"topic,omitempty"`
	Address        uint     `json:"address,omitempty"`
	Channel        string   `json:"channel,omitempty"` // "log" or "serial"
	SerialPort     string   `json:"serial_port,omitempty"`
	SerialBaud     int      `json:"serial_baud,omitempty"`
	PublishTimeout Duration `json:"publish_timeout,omitempty"`

	// Motion
	Pace       *Duration  `json:"pace,omitempty"`
	AngleUnits AngleUnits `json:"angle_units,omitempty"`
	Gripper    *float64   `json:"gripper,omitempty"` // replaces the solved seventh value when set
}

// Validate fills in defaults and checks the config.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.SolverHost == "" {
		cfg.SolverHost = DefaultSolverHost
	}
	if cfg.SolverPort == 0 {
		cfg.SolverPort = DefaultSolverPort
	}
	if cfg.SolverPort < 0 || cfg.SolverPort > 65535 {
		return nil, nil, fmt.Errorf("%s: solver_port must be between 1 and 65535, got %d", path, cfg.SolverPort)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = Duration(DefaultDialTimeout)
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = Duration(DefaultIOTimeout)
	}
	if cfg.DialTimeout < 0 || cfg.IOTimeout < 0 {
		return nil, nil, fmt.Errorf("%s: timeouts must be positive", path)
	}
	if cfg.PingOnReconnect == nil {
		ping := true
		cfg.PingOnReconnect = &ping
	}
	if cfg.ReadyAttempts == 0 {
		cfg.ReadyAttempts = DefaultReadyAttempts
	}
	if cfg.ReadyAttempts < 0 {
		return nil, nil, fmt.Errorf("%s: ready_attempts must be positive, got %d", path, cfg.ReadyAttempts)
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = Duration(DefaultReadyInterval)
	}
	if cfg.ElementWidth == 0 {
		cfg.ElementWidth = Float32Width
	}
	if cfg.ElementWidth != Float32Width && cfg.ElementWidth != Float64Width {
		return nil, nil, fmt.Errorf("%s: element_width must be 4 or 8, got %d", path, cfg.ElementWidth)
	}

	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Address == 0 {
		cfg.Address = DefaultAddress
	}
	switch cfg.Channel {
	case "":
		cfg.Channel = ChannelLog
	case ChannelLog:
	case ChannelSerial:
		if cfg.SerialPort == "" {
			return nil, nil, fmt.Errorf("%s: serial_port must be specified for the serial channel", path)
		}
	default:
		return nil, nil, fmt.Errorf("%s: channel must be 'log' or 'serial', got '%s'", path, cfg.Channel)
	}
	if cfg.SerialBaud == 0 {
		cfg.SerialBaud = DefaultSerialBaud
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = Duration(DefaultPublishTimeout)
	}

	if cfg.Pace == nil {
		pace := Duration(DefaultPace)
		cfg.Pace = &pace
	}
	if *cfg.Pace < 0 {
		return nil, nil, fmt.Errorf("%s: pace must not be negative", path)
	}
	switch cfg.AngleUnits {
	case "":
		cfg.AngleUnits = Radians
	case Radians, Degrees:
	default:
		return nil, nil, fmt.Errorf("%s: angle_units must be 'radians' or 'degrees', got '%s'", path, cfg.AngleUnits)
	}

	return nil, nil, nil
}

// DefaultConfig returns a validated config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	if _, _, err := cfg.Validate(""); err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads a JSON config file and validates it.
func LoadConfig(path string, logger logging.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if _, _, err := cfg.Validate(path); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Infof("Loaded config from %s", path)
	}
	return &cfg, nil
}

// SessionConfig returns the IK session settings.
func (cfg *Config) SessionConfig() (SessionConfig, error) {
	codec, err := NewCodec(cfg.ElementWidth)
	if err != nil {
		return SessionConfig{}, err
	}
	ping := true
	if cfg.PingOnReconnect != nil {
		ping = *cfg.PingOnReconnect
	}
	return SessionConfig{
		Host:            cfg.SolverHost,
		Port:            cfg.SolverPort,
		DialTimeout:     time.Duration(cfg.DialTimeout),
		IOTimeout:       time.Duration(cfg.IOTimeout),
		PingOnReconnect: ping,
		Codec:           codec,
	}, nil
}

// PaceDuration returns the inter-command delay.
func (cfg *Config) PaceDuration() time.Duration {
	if cfg.Pace == nil {
		return DefaultPace
	}
	return time.Duration(*cfg.Pace)
}
