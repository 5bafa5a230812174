// Package config handles avfallsor configuration loading.
//
// Settings come from three layers, later ones winning: built-in
// defaults, an optional YAML file, and the process environment
// (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [Default].
const (
	DefaultMQTTPort        = 1883
	DefaultClientID        = "avfallsor"
	DefaultKeepAliveSec    = 5
	DefaultConnectTimeout  = 10 * time.Second
	DefaultCollectionTime  = "06:00"
	DefaultAckTimeout      = 30 * time.Second
	DefaultSettleDelay     = 2 * time.Second
	DefaultAddressEndpoint = "https://avfallsor.no/wp-json/addresses/v1/address"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/avfallsor/config.yaml, /etc/avfallsor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "avfallsor", "config.yaml"))
	}

	paths = append(paths, "/etc/avfallsor/config.yaml")
	return paths
}

// ErrNoConfigFile is returned by FindConfig when no file exists in the
// search paths. The file is optional, so callers may ignore it.
var ErrNoConfigFile = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfigFile, DefaultSearchPaths())
}

// Config holds all avfallsor configuration.
type Config struct {
	// Address is the street address whose schedule is published.
	Address string `yaml:"address"`
	// AddressEndpoint is the provider's address search URL.
	AddressEndpoint string `yaml:"address_endpoint"`
	// CollectionTime is the time of day (HH:MM) pickups are assumed at.
	CollectionTime string `yaml:"collection_time"`
	// Timezone names the IANA zone pickups are localized in. Empty
	// means the system zone.
	Timezone string `yaml:"timezone"`

	MQTT    MQTTConfig    `yaml:"mqtt"`
	Publish PublishConfig `yaml:"publish"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`

	KeepAliveSec   int           `yaml:"keep_alive_sec"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Configured reports whether a broker host is set.
func (c MQTTConfig) Configured() bool {
	return c.Host != ""
}

// PublishConfig tunes the discovery protocol.
type PublishConfig struct {
	// AckTimeout bounds each wait for broker acknowledgments.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// SettleDelay is the pause between announcing sensors and
	// publishing their values. Negative disables it.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		AddressEndpoint: DefaultAddressEndpoint,
		CollectionTime:  DefaultCollectionTime,
		MQTT: MQTTConfig{
			Port:           DefaultMQTTPort,
			ClientID:       DefaultClientID,
			KeepAliveSec:   DefaultKeepAliveSec,
			ConnectTimeout: DefaultConnectTimeout,
		},
		Publish: PublishConfig{
			AckTimeout:  DefaultAckTimeout,
			SettleDelay: DefaultSettleDelay,
		},
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file on top of [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadDotEnv loads path (default ".env") into the process environment
// without overriding variables that are already set. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables read through
// getenv. Unset or empty variables leave the field alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("ADDRESS", &c.Address)
	str("ADDRESS_ENDPOINT", &c.AddressEndpoint)
	str("COLLECTION_TIME", &c.CollectionTime)
	str("TIMEZONE", &c.Timezone)
	str("MQTT_HOST", &c.MQTT.Host)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if v := strings.TrimSpace(getenv("MQTT_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MQTT_PORT %q: %w", v, err)
		}
		c.MQTT.Port = port
	}

	if v := strings.TrimSpace(getenv("MQTT_TLS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MQTT_TLS %q: %w", v, err)
		}
		c.MQTT.TLS = b
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ACK_TIMEOUT", &c.Publish.AckTimeout},
		{"SETTLE_DELAY", &c.Publish.SettleDelay},
		{"MQTT_CONNECT_TIMEOUT", &c.MQTT.ConnectTimeout},
	}
	for _, d := range durations {
		v := strings.TrimSpace(getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return nil
}

// Validate checks that required fields are present and every value
// parses.
func (c *Config) Validate() error {
	return errors.Join(c.scheduleErrors(), c.brokerErrors())
}

// ValidateSchedule checks only the settings needed to scrape the
// schedule, for commands that never reach the broker.
func (c *Config) ValidateSchedule() error {
	return c.scheduleErrors()
}

func (c *Config) scheduleErrors() error {
	var errs []error

	if strings.TrimSpace(c.Address) == "" {
		errs = append(errs, errors.New("address is required (ADDRESS)"))
	}
	if c.AddressEndpoint == "" {
		errs = append(errs, errors.New("address_endpoint must not be empty"))
	}
	if _, err := time.Parse("15:04", c.CollectionTime); err != nil {
		errs = append(errs, fmt.Errorf("collection_time %q must be HH:MM", c.CollectionTime))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) brokerErrors() error {
	var errs []error

	if !c.MQTT.Configured() {
		errs = append(errs, errors.New("mqtt.host is required (MQTT_HOST)"))
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range 1-65535", c.MQTT.Port))
	}
	if c.MQTT.ClientID == "" {
		errs = append(errs, errors.New("mqtt.client_id must not be empty"))
	}
	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.keep_alive_sec %d out of range", c.MQTT.KeepAliveSec))
	}
	if c.Publish.AckTimeout < 0 {
		errs = append(errs, fmt.Errorf("publish.ack_timeout %s must not be negative", c.Publish.AckTimeout))
	}

	return errors.Join(errs...)
}

// Location returns the zone named by Timezone, or [time.Local].
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
