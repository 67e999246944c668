package serialtee

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the immutable startup configuration for a Tee.
// It is read once at construction and never reloaded.
type Config struct {
	// Device is the path of the physical serial line to share.
	Device string

	// BaudRate for the device. Must be one of the standard rates between
	// 4800 and 230400; Validate rejects anything else.
	BaudRate int

	// Slaves are the paths at which the virtual terminal endpoints are
	// exposed. Each becomes a symlink to the real pty peer path.
	Slaves []string

	// ReadTimeout bounds a single read on the master device. An expired
	// timeout with no data is the normal idle case, not an error.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single delivery to an endpoint. A consumer that
	// cannot drain within this window has the chunk dropped on its behalf.
	WriteTimeout time.Duration

	// RawLogPath, when non-empty, enables the raw traffic recorder.
	RawLogPath string
}

// DefaultConfig mirrors the conventional GPS-on-USB-UART setup.
func DefaultConfig() Config {
	return Config{
		Device:       "/dev/ttyUSB0",
		BaudRate:     9600,
		Slaves:       []string{"slave0.pty", "slave1.pty"},
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// fileConfig is the YAML shape of a config file. Timeouts are in
// milliseconds. Omitted fields keep their defaults.
type fileConfig struct {
	Device         string   `yaml:"device"`
	BaudRate       int      `yaml:"baud_rate"`
	Slaves         []string `yaml:"slaves"`
	ReadTimeoutMS  int      `yaml:"read_timeout_ms"`
	WriteTimeoutMS int      `yaml:"write_timeout_ms"`
	RawLog         string   `yaml:"raw_log"`
}

// LoadConfig reads a YAML config file, applying defaults for omitted fields.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if fc.Device != "" {
		cfg.Device = fc.Device
	}
	if fc.BaudRate != 0 {
		cfg.BaudRate = fc.BaudRate
	}
	if len(fc.Slaves) > 0 {
		cfg.Slaves = fc.Slaves
	}
	if fc.ReadTimeoutMS != 0 {
		cfg.ReadTimeout = time.Duration(fc.ReadTimeoutMS) * time.Millisecond
	}
	if fc.WriteTimeoutMS != 0 {
		cfg.WriteTimeout = time.Duration(fc.WriteTimeoutMS) * time.Millisecond
	}
	cfg.RawLogPath = fc.RawLog
	return cfg, nil
}

// Validate reports the first unusable configuration value, before any
// resource is opened.
func (c Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("config: device path is empty")
	}
	if _, ok := baudToUnix(c.BaudRate); !ok {
		return fmt.Errorf("config: unsupported baud rate %d", c.BaudRate)
	}
	if len(c.Slaves) == 0 {
		return fmt.Errorf("config: no slave paths given")
	}
	seen := make(map[string]bool, len(c.Slaves))
	for _, s := range c.Slaves {
		if s == "" {
			return fmt.Errorf("config: empty slave path")
		}
		if seen[s] {
			return fmt.Errorf("config: duplicate slave path %s", s)
		}
		seen[s] = true
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("config: read timeout %v is not positive", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("config: write timeout %v is not positive", c.WriteTimeout)
	}
	return nil
}
