// Package config loads treesnap settings from a YAML file and TREESNAP_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no --config is given.
const DefaultFile = "treesnap.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TREESNAP_"

// Config is the top-level treesnap configuration.
type Config struct {
	Root      string          `yaml:"root"`
	Output    string          `yaml:"output"`
	Exclude   []string        `yaml:"exclude"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Guestbook GuestbookConfig `yaml:"guestbook"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls `treesnap serve`.
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	DB    string `yaml:"db"`
	Watch bool   `yaml:"watch"`
}

// ClientConfig controls the terminal viewer.
type ClientConfig struct {
	BaseURL         string        `yaml:"base_url"`
	StateFile       string        `yaml:"state_file"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// GuestbookConfig is the outbound queue's retry policy.
type GuestbookConfig struct {
	BackoffFloor   time.Duration `yaml:"backoff_floor"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	SuccessDelay   time.Duration `yaml:"success_delay"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file. A missing file is not an error
// when optional is set.
func LoadFile(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = "."
	}
	if c.Output == "" {
		c.Output = "filetree.json"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8000"
	}
	if c.Server.DB == "" {
		c.Server.DB = "guestbook.db"
	}
	if c.Client.BaseURL == "" {
		c.Client.BaseURL = "http://127.0.0.1:8000"
	}
	if c.Client.StateFile == "" {
		c.Client.StateFile = defaultStateFile()
	}
	if c.Client.RefreshInterval <= 0 {
		c.Client.RefreshInterval = 2500 * time.Millisecond
	}
	if c.Guestbook.BackoffFloor <= 0 {
		c.Guestbook.BackoffFloor = time.Second
	}
	if c.Guestbook.BackoffCeiling <= 0 {
		c.Guestbook.BackoffCeiling = 60 * time.Second
	}
	if c.Guestbook.BackoffFactor <= 1 {
		c.Guestbook.BackoffFactor = 1.8
	}
	if c.Guestbook.SuccessDelay <= 0 {
		c.Guestbook.SuccessDelay = 2 * time.Second
	}
	if c.Guestbook.ProbeInterval <= 0 {
		c.Guestbook.ProbeInterval = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".treesnap-state.json"
	}
	return filepath.Join(dir, "treesnap", "state.json")
}

// ApplyEnv overrides fields from TREESNAP_* variables read through lookup
// (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}

	str("ROOT", &c.Root)
	str("OUTPUT", &c.Output)
	if v, ok := lookup(EnvPrefix + "EXCLUDE"); ok && v != "" {
		c.Exclude = splitList(v)
	}
	str("SERVER_ADDR", &c.Server.Addr)
	str("SERVER_DB", &c.Server.DB)
	if v, ok := lookup(EnvPrefix + "SERVER_WATCH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSERVER_WATCH: %w", EnvPrefix, err))
		} else {
			c.Server.Watch = b
		}
	}
	str("BASE_URL", &c.Client.BaseURL)
	str("STATE_FILE", &c.Client.StateFile)
	dur("REFRESH_INTERVAL", &c.Client.RefreshInterval)
	dur("BACKOFF_FLOOR", &c.Guestbook.BackoffFloor)
	dur("BACKOFF_CEILING", &c.Guestbook.BackoffCeiling)
	if v, ok := lookup(EnvPrefix + "BACKOFF_FACTOR"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sBACKOFF_FACTOR: %w", EnvPrefix, err))
		} else {
			c.Guestbook.BackoffFactor = f
		}
	}
	dur("SUCCESS_DELAY", &c.Guestbook.SuccessDelay)
	dur("PROBE_INTERVAL", &c.Guestbook.ProbeInterval)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	c.applyDefaults()
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Guestbook.BackoffCeiling < c.Guestbook.BackoffFloor {
		return fmt.Errorf("guestbook.backoff_ceiling (%s) is below backoff_floor (%s)",
			c.Guestbook.BackoffCeiling, c.Guestbook.BackoffFloor)
	}
	return nil
}
