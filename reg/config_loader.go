package reg

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPublishPrefix is the MQTT topic prefix used when none is configured.
const DefaultPublishPrefix = "simplereg"

// DefaultMaxPointPairs allows about 32 MB of correspondence weights per
// posted registration.
const DefaultMaxPointPairs = 4_000_000

// Config is the unified configuration file.
type Config struct {
	CPD     CPDConfig       `yaml:"cpd" json:"cpd"`
	Method  MethodConfig    `yaml:"method" json:"method"`
	MQTT    MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Fetch   FetchSettings   `yaml:"fetch" json:"fetch"`
	Service ServiceSettings `yaml:"service" json:"service"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// FetchSettings configure remote landmark downloads.
type FetchSettings struct {
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"maxRetries" json:"maxRetries"`
}

// ServiceSettings bound the work accepted by the HTTP service.
type ServiceSettings struct {
	// MaxPointPairs caps N_fixed·N_moving of one posted registration; the
	// correspondence matrix needs 8 bytes per pair.
	MaxPointPairs int `yaml:"maxPointPairs" json:"maxPointPairs"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		CPD:    DefaultCPDConfig(),
		Method: DefaultMethodConfig(),
		MQTT:   MQTTConfig{Prefix: DefaultPublishPrefix},
		Fetch: FetchSettings{
			Timeout:    DefaultFetchTimeout,
			MaxRetries: DefaultMaxRetries,
		},
		Service: ServiceSettings{MaxPointPairs: DefaultMaxPointPairs},
	}
}

// LoadConfig loads the configuration from a YAML file on top of the defaults.
// An empty path or a missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("Config file %s not found, using defaults", path)
			return config, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if config.MQTT.Prefix == "" {
		config.MQTT.Prefix = DefaultPublishPrefix
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.CPD.Validate(); err != nil {
		return fmt.Errorf("cpd: %w", err)
	}
	if err := c.Method.Validate(); err != nil {
		return fmt.Errorf("method: %w", err)
	}
	if c.Fetch.Timeout < 0 {
		return fmt.Errorf("fetch: %w", invalidf("timeout must not be negative"))
	}
	if c.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch: %w", invalidf("maxRetries must be at least 1"))
	}
	if c.Service.MaxPointPairs < 1 {
		return fmt.Errorf("service: %w", invalidf("maxPointPairs must be at least 1"))
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// FetchOptions turns the fetch section into FetchLandmarks options.
func (c *Config) FetchOptions() []FetchOption {
	var opts []FetchOption
	if c.Fetch.Timeout > 0 {
		opts = append(opts, WithTimeout(c.Fetch.Timeout))
	}
	if c.Fetch.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(c.Fetch.MaxRetries))
	}
	return opts
}
