// Package config loads and validates the pipeline configuration.
//
// Values are layered: built-in defaults, then the YAML file, then EVPIPE_*
// environment variables. The result is validated before it is handed out.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "EVPIPE_"

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(validateBuffering, domain.Config{})
}

// validateBuffering enforces the cross-field rules of the staging buffer:
// the file cap must hold at least one full buffer, and the buffer must hold
// at least one maximum-size entry.
func validateBuffering(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(domain.Config)
	if !cfg.BufferEvents {
		return
	}
	capacity := cfg.BufferCapacityBytes
	if capacity == 0 {
		capacity = domain.DefaultBufferCapacity
	}
	if capacity <= domain.MaxEntrySize {
		sl.ReportError(cfg.BufferCapacityBytes, "BufferCapacityBytes", "buffer_capacity_bytes", "gtentry", "")
	}
	if cfg.MaxFileSizeBytes < int64(capacity) {
		sl.ReportError(cfg.MaxFileSizeBytes, "MaxFileSizeBytes", "max_file_size_bytes", "gtebuffer", "")
	}
}

// Validate checks cfg against the field tags and cross-field rules.
func Validate(cfg domain.Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			err = errors.New(strings.Join(fields, ", "))
		}
		return domain.E("config.Validate", domain.KindConfig,
			fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err))
	}
	return nil
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path or a missing file skips the file.
func Load(path string) (domain.Config, error) {
	cfg := domain.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			data = nil
		case err != nil:
			return cfg, domain.E("config.Load", domain.KindConfig, fmt.Errorf("failed to read config file: %w", err))
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, domain.E("config.Load", domain.KindConfig, fmt.Errorf("failed to parse config file: %w", err))
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from EVPIPE_* variables found by lookup.
func ApplyEnv(cfg *domain.Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError(name, err)
		}
		*dst = b
		return nil
	}
	uint32v := func(name string, dst *uint32) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return envError(name, err)
		}
		*dst = uint32(n)
		return nil
	}
	int64v := func(name string, dst *int64) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return envError(name, err)
		}
		*dst = n
		return nil
	}

	str("LOG_PATH", &cfg.LogPath)
	str("STATS_DIR", &cfg.StatsDir)
	str("DIAG_LOG_PATH", &cfg.DiagLogPath)
	if v, ok := lookup(EnvPrefix + "MODE"); ok {
		cfg.Mode = domain.Mode(strings.ToLower(v))
	}

	var bufferCap int64 = int64(cfg.BufferCapacityBytes)
	for _, err := range []error{
		uint32v("FLUSH_INTERVAL_MS", &cfg.FlushIntervalMs),
		uint32v("POLL_INTERVAL_MS", &cfg.PollIntervalMs),
		int64v("MAX_FILE_SIZE_BYTES", &cfg.MaxFileSizeBytes),
		int64v("BUFFER_CAPACITY_BYTES", &bufferCap),
		boolean("ROTATE_LOGS", &cfg.RotateLogs),
		boolean("ENCRYPT_LOGS", &cfg.EncryptLogs),
		boolean("BUFFER_EVENTS", &cfg.BufferEvents),
	} {
		if err != nil {
			return err
		}
	}
	cfg.BufferCapacityBytes = int(bufferCap)
	return nil
}

func envError(name string, err error) error {
	return domain.E("config.ApplyEnv", domain.KindConfig, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
}

// WriteDefault writes the default configuration to path as YAML, creating
// parent directories. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(domain.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
