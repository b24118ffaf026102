// Package config manages configuration loading and validation for the relay.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/replaybus/internal/telemetry"
	"github.com/coachpo/replaybus/pkg/bus"
)

// Config is the root of the relay configuration file.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// BusConfig tunes the bus.
type BusConfig struct {
	FanoutWorkers      FanoutWorkerSetting `yaml:"fanoutWorkers"`
	Replay             []string            `yaml:"replay"`
	DeadLetterCapacity int                 `yaml:"deadLetterCapacity"`
	FailureLogInterval time.Duration       `yaml:"failureLogInterval"`
}

// TelemetryConfig controls metric export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
	Environment  string `yaml:"environment"`
}

// LogConfig controls logging. Format is "text" (std logger) or "json" (zerolog).
type LogConfig struct {
	Prefix string `yaml:"prefix"`
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format"`
}

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting accepts a positive integer, "auto" or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// Workers returns an explicit setting of n workers.
func Workers(n int) FanoutWorkerSetting {
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = Workers(val)
	return nil
}

// Resolve returns the effective worker count. The default delivers on the
// posting goroutine.
func (s FanoutWorkerSetting) Resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 1
	default:
		return 1
	}
}

// Options translates the bus section into bus options.
func (c BusConfig) Options() []bus.Option {
	opts := []bus.Option{bus.WithFanoutWorkers(c.FanoutWorkers.Resolve())}
	if c.DeadLetterCapacity != 0 {
		opts = append(opts, bus.WithDeadLetterCapacity(c.DeadLetterCapacity))
	}
	if c.FailureLogInterval > 0 {
		opts = append(opts, bus.WithFailureLogInterval(c.FailureLogInterval))
	}
	return opts
}

// Apply overlays the configured values on base.
func (c TelemetryConfig) Apply(base telemetry.Config) telemetry.Config {
	if c.Enabled {
		base.Enabled = true
	}
	if c.OTLPEndpoint != "" {
		base.OTLPEndpoint = c.OTLPEndpoint
	}
	if c.OTLPInsecure {
		base.OTLPInsecure = true
	}
	if c.ServiceName != "" {
		base.ServiceName = c.ServiceName
	}
	if c.Environment != "" {
		base.Environment = c.Environment
	}
	return base
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	var cfg Config
	cfg.normalise()
	return cfg
}

// Load reads and validates a Config from the provided YAML file.
func Load(ctx context.Context, path string) (Config, error) {
	_ = ctx

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when path is empty or
// the file does not exist.
func LoadOrDefault(ctx context.Context, path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) normalise() {
	seen := make(map[string]struct{}, len(c.Bus.Replay))
	replay := c.Bus.Replay[:0]
	for _, id := range c.Bus.Replay {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		replay = append(replay, id)
	}
	c.Bus.Replay = replay

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Telemetry.Environment = strings.ToLower(strings.TrimSpace(c.Telemetry.Environment))

	if c.Log.Prefix == "" {
		c.Log.Prefix = "relay "
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = LogFormatText
	}
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	if c.Bus.FanoutWorkers.Resolve() <= 0 {
		return fmt.Errorf("bus fanoutWorkers must be >0")
	}
	if c.Bus.FailureLogInterval < 0 {
		return fmt.Errorf("bus failureLogInterval must be >= 0")
	}
	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("log format must be one of text, json")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
