// Package config loads the provisioner configuration from a TOML file and
// BTLE_PROVISIONER_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/manchtools/power-manage/provisioner/internal/validate"
)

// ErrConfigValidation wraps configuration problems, as opposed to
// filesystem or TOML syntax errors.
var ErrConfigValidation = errors.New("config validation failed")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BTLE_PROVISIONER_"

// DefaultPath is read when no config file is given and it exists.
const DefaultPath = "/etc/btle-provisioner/config.toml"

// Config is the provisioner configuration.
type Config struct {
	// Root relocates every system path, for provisioning an unpacked image.
	Root             string `toml:"root" validate:"omitempty,abspath"`
	MountPoint       string `toml:"mount_point" validate:"required,abspath"`
	StagingDir       string `toml:"staging_dir" validate:"required,abspath"`
	AssetDir         string `toml:"asset_dir" validate:"required"`
	NativeLibDir     string `toml:"native_lib_dir" validate:"required"`
	FrameworkVersion string `toml:"framework_version" validate:"excludesall=/"`
	Elevation        string `toml:"elevation" validate:"oneof=sudo su none"`
	DataDir          string `toml:"data_dir" validate:"required"`
	// ToolMode is the octal mode given to the installed tools.
	ToolMode string `toml:"tool_mode"`
	Reboot   bool   `toml:"reboot"`
	KeepRuns int    `toml:"keep_runs" validate:"gte=0"`
	// Digests maps asset ids to expected hex sha256 sums.
	Digests map[string]string `toml:"digests" validate:"dive,len=64,hexadecimal"`
	Log     LogConfig         `toml:"log"`
}

// LogConfig configures the structured log.
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
	// File, when set, receives the structured log with rotation.
	File string `toml:"file" validate:"omitempty,abspath"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		MountPoint:       "/system",
		StagingDir:       "/var/lib/btle-provisioner/staging",
		AssetDir:         "/usr/share/btle-provisioner/assets",
		NativeLibDir:     "/usr/lib/btle-provisioner",
		FrameworkVersion: "",
		Elevation:        "sudo",
		DataDir:          "/var/lib/btle-provisioner",
		ToolMode:         "0755",
		Reboot:           true,
		KeepRuns:         50,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults overlaid with the file at path (if path is not
// empty) and then with environment overrides. The result is not validated;
// callers apply flags first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(cfg, data, path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML data into cfg. Unknown keys are rejected.
func Parse(cfg *Config, data []byte, source string) error {
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: %s: unknown keys: %s", ErrConfigValidation, source, strict.String())
		}
		return fmt.Errorf("parse config %s: %w", source, err)
	}
	return nil
}

// ApplyEnv overrides cfg with BTLE_PROVISIONER_* variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ROOT":              &cfg.Root,
		"MOUNT_POINT":       &cfg.MountPoint,
		"STAGING_DIR":       &cfg.StagingDir,
		"ASSET_DIR":         &cfg.AssetDir,
		"NATIVE_LIB_DIR":    &cfg.NativeLibDir,
		"FRAMEWORK_VERSION": &cfg.FrameworkVersion,
		"ELEVATION":         &cfg.Elevation,
		"DATA_DIR":          &cfg.DataDir,
		"TOOL_MODE":         &cfg.ToolMode,
		"LOG_LEVEL":         &cfg.Log.Level,
		"LOG_FORMAT":        &cfg.Log.Format,
		"LOG_FILE":          &cfg.Log.File,
	}
	for name, field := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}

	if v, ok := lookup(EnvPrefix + "REBOOT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sREBOOT: %v", ErrConfigValidation, EnvPrefix, err)
		}
		cfg.Reboot = b
	}
	if v, ok := lookup(EnvPrefix + "KEEP_RUNS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sKEEP_RUNS: %v", ErrConfigValidation, EnvPrefix, err)
		}
		cfg.KeepRuns = n
	}
	return nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}
	if _, err := c.FileMode(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}
	return nil
}

// FileMode parses ToolMode.
func (c *Config) FileMode() (os.FileMode, error) {
	s := strings.TrimSpace(c.ToolMode)
	if s == "" {
		return 0, fmt.Errorf("tool_mode is required")
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil || n > 0o7777 {
		return 0, fmt.Errorf("tool_mode must be an octal file mode, got %q", c.ToolMode)
	}
	return os.FileMode(n), nil
}
