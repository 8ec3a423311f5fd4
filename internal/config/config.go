// Package config loads the daemon configuration from a YAML file and
// command-line overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fatfuse/internal/logging"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var (
	logger = logging.GetLogger().WithPrefix("config")
)

// Defaults for optional settings.
const (
	DefaultDeviceDir     = "/dev"
	DefaultMaxCandidates = 64
	DefaultFlushWindow   = 500 * time.Millisecond
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"

	// DefaultPartitionType is the GPT type GUID of Microsoft basic data
	// partitions, the usual home of FAT volumes.
	DefaultPartitionType = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
)

// Config is the daemon configuration.
type Config struct {
	// Where to mount the volume
	Mountpoint string `yaml:"mountpoint"`

	// Image or device to open. When empty, DeviceDir is scanned for a
	// partition of PartitionType.
	Device string `yaml:"device"`
	// 1-based partition index on Device, 0 for a whole-device volume
	Partition int `yaml:"partition"`

	DeviceDir     string `yaml:"device_dir"`
	PartitionType string `yaml:"partition_type"`
	MaxCandidates int    `yaml:"max_candidates"`

	// Delay after the last change before the volume is flushed
	FlushWindow time.Duration `yaml:"flush_window"`

	ReadOnly   bool `yaml:"read_only"`
	AllowOther bool `yaml:"allow_other"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Listen address for the metrics endpoint, empty to disable
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a configuration with every optional setting filled in.
func Default() *Config {
	return &Config{
		DeviceDir:     DefaultDeviceDir,
		PartitionType: DefaultPartitionType,
		MaxCandidates: DefaultMaxCandidates,
		FlushWindow:   DefaultFlushWindow,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
	}
}

// Load reads the configuration at path over the defaults. A missing or
// empty file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	logger.Debug("Loading configuration from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("No configuration file at %s, using defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		logger.Info("Configuration file %s is empty, using defaults", path)
		return cfg, nil
	}

	logger.Debug("Parsing configuration file (%d bytes)", len(data))
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	logger.Info("Configuration loaded from %s", path)
	return cfg, nil
}

// Save writes the configuration to path, replacing any existing file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".fatfuse-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config file %s: %w", path, err)
	}
	logger.Debug("Configuration saved to %s", path)
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Mountpoint == "" {
		errs = append(errs, errors.New("mountpoint is required"))
	}
	if c.Device == "" && c.DeviceDir == "" {
		errs = append(errs, errors.New("either device or device_dir is required"))
	}
	if c.Partition < 0 {
		errs = append(errs, fmt.Errorf("partition must not be negative, got %d", c.Partition))
	}
	if c.Device == "" {
		if _, err := uuid.Parse(c.PartitionType); err != nil {
			errs = append(errs, fmt.Errorf("partition_type %q: %w", c.PartitionType, err))
		}
		if c.MaxCandidates <= 0 {
			errs = append(errs, fmt.Errorf("max_candidates must be positive, got %d", c.MaxCandidates))
		}
	}
	if c.FlushWindow <= 0 {
		errs = append(errs, fmt.Errorf("flush_window must be positive, got %v", c.FlushWindow))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// PartitionGUID returns the parsed partition type. Call Validate first.
func (c *Config) PartitionGUID() uuid.UUID {
	id, _ := uuid.Parse(c.PartitionType)
	return id
}

// Flag names shared by AddFlags and ApplyFlags.
const (
	FlagMount         = "mount"
	FlagDevice        = "device"
	FlagPartition     = "partition"
	FlagDeviceDir     = "device-dir"
	FlagPartitionType = "partition-type"
	FlagMaxCandidates = "max-candidates"
	FlagFlushWindow   = "flush-window"
	FlagReadOnly      = "read-only"
	FlagAllowOther    = "allow-other"
	FlagLogLevel      = "log-level"
	FlagLogFormat     = "log-format"
	FlagMetricsAddr   = "metrics-addr"
)

// AddFlags registers a command-line override for every setting.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(FlagMount, "", "Mount point for the FAT volume")
	fs.String(FlagDevice, "", "Disk image or block device (skips discovery)")
	fs.Int(FlagPartition, 0, "1-based partition on --device, 0 for the whole device")
	fs.String(FlagDeviceDir, d.DeviceDir, "Directory scanned for block devices")
	fs.String(FlagPartitionType, d.PartitionType, "GPT partition type GUID to look for")
	fs.Int(FlagMaxCandidates, d.MaxCandidates, "Maximum number of devices to probe")
	fs.Duration(FlagFlushWindow, d.FlushWindow, "Delay after the last change before flushing")
	fs.Bool(FlagReadOnly, false, "Mount read-only")
	fs.Bool(FlagAllowOther, false, "Allow other users to access the mount")
	fs.String(FlagLogLevel, d.LogLevel, "Log level (error, warn, info, debug, trace)")
	fs.String(FlagLogFormat, d.LogFormat, "Log format (text or json)")
	fs.String(FlagMetricsAddr, "", "Listen address for Prometheus metrics")
}

// ApplyFlags copies every flag that was set on the command line into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case FlagMount:
			c.Mountpoint, err = fs.GetString(f.Name)
		case FlagDevice:
			c.Device, err = fs.GetString(f.Name)
		case FlagPartition:
			c.Partition, err = fs.GetInt(f.Name)
		case FlagDeviceDir:
			c.DeviceDir, err = fs.GetString(f.Name)
		case FlagPartitionType:
			c.PartitionType, err = fs.GetString(f.Name)
		case FlagMaxCandidates:
			c.MaxCandidates, err = fs.GetInt(f.Name)
		case FlagFlushWindow:
			c.FlushWindow, err = fs.GetDuration(f.Name)
		case FlagReadOnly:
			c.ReadOnly, err = fs.GetBool(f.Name)
		case FlagAllowOther:
			c.AllowOther, err = fs.GetBool(f.Name)
		case FlagLogLevel:
			c.LogLevel, err = fs.GetString(f.Name)
		case FlagLogFormat:
			c.LogFormat, err = fs.GetString(f.Name)
		case FlagMetricsAddr:
			c.MetricsAddr, err = fs.GetString(f.Name)
		}
	})
	return err
}
