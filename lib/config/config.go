// Package config loads the deployment configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/TecharoHQ/commenthash/data"
	"github.com/TecharoHQ/commenthash/lib/settings"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var (
	ErrDifficultyOutOfRange = errors.New("config: difficulty out of range")
	ErrMaxAgeOutOfRange     = errors.New("config: max_age_seconds out of range")
)

type Config struct {
	Difficulty       int   `json:"difficulty"`
	MaxAgeSeconds    int   `json:"max_age_seconds"`
	AdminBypass      bool  `json:"admin_bypass"`
	ReplayProtection bool  `json:"replay_protection"`
	Store            Store `json:"store"`
}

func (c Config) Valid() error {
	var errs []error

	if c.Difficulty < settings.MinDifficulty || c.Difficulty > settings.MaxDifficulty {
		errs = append(errs, fmt.Errorf("%w: wanted %d to %d, got: %d", ErrDifficultyOutOfRange, settings.MinDifficulty, settings.MaxDifficulty, c.Difficulty))
	}

	if c.MaxAgeSeconds < settings.MinMaxAgeSeconds || c.MaxAgeSeconds > settings.MaxMaxAgeSeconds {
		errs = append(errs, fmt.Errorf("%w: wanted %d to %d, got: %d", ErrMaxAgeOutOfRange, settings.MinMaxAgeSeconds, settings.MaxMaxAgeSeconds, c.MaxAgeSeconds))
	}

	if err := c.Store.Valid(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Defaults are the first-run settings this config describes. The secret key
// is generated by the settings store.
func (c Config) Defaults() settings.Settings {
	return settings.Settings{
		Difficulty:  c.Difficulty,
		MaxAge:      time.Duration(c.MaxAgeSeconds) * time.Second,
		AdminBypass: c.AdminBypass,
	}
}

// Load decodes a YAML (or JSON) config from fin on top of the built-in
// default, so omitted keys keep their default values.
func Load(fin io.Reader, fname string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	// An empty document has no overrides.
	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("can't parse config YAML %s: %w", fname, err)
	}

	if err := c.Valid(); err != nil {
		return nil, fmt.Errorf("config %s: %w", fname, err)
	}

	return c, nil
}

// LoadFile loads fname, or the built-in default if fname is empty.
func LoadFile(fname string) (*Config, error) {
	if fname == "" {
		return Default()
	}

	fin, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("can't open config %s: %w", fname, err)
	}
	defer fin.Close()

	return Load(fin, fname)
}

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	var c Config

	if err := yaml.NewYAMLToJSONDecoder(bytes.NewReader(data.DefaultConfig)).Decode(&c); err != nil {
		return nil, fmt.Errorf("can't parse built-in config: %w", err)
	}

	return &c, nil
}
