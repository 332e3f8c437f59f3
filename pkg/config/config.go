package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sluice-rtc/sluice/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// SFU configuration.
type Config struct {
	// Signaling endpoint configuration.
	Signaling Signaling `yaml:"signaling"`
	// Quality controller / scheduler tunables.
	Quality Quality `yaml:"quality"`
	// Trace exporting.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

// Signaling holds the WebSocket endpoint settings.
type Signaling struct {
	// Listen address, e.g. ":8080".
	Address string `yaml:"address"`
	// Capacity of each session's outbound channel.
	SendChannelSize int `yaml:"sendChannelSize"`
	// Consecutive drops on a session channel after which it is closed
	// with a 503.
	DropThreshold int `yaml:"dropThreshold"`
}

// Quality holds the periodic control loop tunables. All windows default to
// the values the protocol was designed around; they exist as knobs, not as
// things deployments are expected to touch.
type Quality struct {
	// How often meetings are (re-)evaluated for tier changes.
	EvaluationInterval Duration `yaml:"evaluationInterval"`
	// How often per-speaker ack summaries are flushed.
	SummaryInterval Duration `yaml:"summaryInterval"`
	// How often expired fingerprints are swept.
	SweepInterval Duration `yaml:"sweepInterval"`
}

// Duration parses Go duration strings ("5s", "500ms") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Defaults applied to zero-valued fields after unmarshalling.
const (
	DefaultSendChannelSize    = 256
	DefaultDropThreshold      = 64
	DefaultEvaluationInterval = Duration(5 * time.Second)
	DefaultSummaryInterval    = Duration(2 * time.Second)
	DefaultSweepInterval      = Duration(5 * time.Second)
)

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Load tries the `CONFIG` environment variable first and falls back to the
// provided path to a YAML file.
func Load(path string) (*Config, error) {
	config, err := LoadFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadFromPath(path)
	}

	return config, nil
}

// LoadFromEnv reads the config from the `CONFIG` environment variable.
func LoadFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadFromString(configEnv)
}

// LoadFromPath reads the config from a YAML file.
func LoadFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadFromString(string(file))
}

// LoadFromString parses and validates a YAML config.
func LoadFromString(configString string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.Signaling.Address == "" {
		return nil, errors.New("signaling address is not set")
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Signaling.SendChannelSize == 0 {
		c.Signaling.SendChannelSize = DefaultSendChannelSize
	}
	if c.Signaling.DropThreshold == 0 {
		c.Signaling.DropThreshold = DefaultDropThreshold
	}
	if c.Quality.EvaluationInterval == 0 {
		c.Quality.EvaluationInterval = DefaultEvaluationInterval
	}
	if c.Quality.SummaryInterval == 0 {
		c.Quality.SummaryInterval = DefaultSummaryInterval
	}
	if c.Quality.SweepInterval == 0 {
		c.Quality.SweepInterval = DefaultSweepInterval
	}
}
