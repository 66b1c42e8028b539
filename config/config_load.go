package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

var ErrConfigNotFound = errors.New("config: file not found")

// Load reads a TOML file on top of NewDefaultConfig and validates the result.
// Keys absent from the file keep their default value; arrays such as rules
// replace the defaults entirely.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		logger.Info("no config file given, using defaults")
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config: default configuration invalid: %w", err)
		}
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("config: failed to stat %s: %w", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: failed to decode TOML %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		logger.Warn("config file contains unknown keys", "path", path, "keys", keys)
	}

	if err := Validate(cfg); err != nil {
		logger.Error("configuration validation failed", "path", path, "error", err)
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg.Source = path
	logger.Info("loaded configuration", "path", path, "rules", len(cfg.Rules))
	return cfg, nil
}

// Dump writes cfg as TOML.
func Dump(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("config: failed to encode TOML: %w", err)
	}
	return nil
}
