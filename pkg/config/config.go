// Package config provides configuration loading and management for pvnifti.
// Defaults, an optional YAML file and PVNIFTI_* environment variables are
// layered in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"gopkg.in/yaml.v3"

	"pvnifti/pkg/convert"
)

// EnvPrefix marks environment variables that override the file, e.g.
// PVNIFTI_CONVERSION_SCALE=apply.
const EnvPrefix = "PVNIFTI_"

// Conversion parameters.
type Conversion struct {
	// RecoID selects the reconstruction; 0 means the lowest one.
	RecoID int `yaml:"recoId" koanf:"recoId"`

	// Option enables the doubling hook of the plugin.
	Option bool `yaml:"option" koanf:"option"`

	// Scale is none, apply or header.
	Scale string `yaml:"scale" koanf:"scale"`

	// SubjectType and SubjectPosition override visu_pars when set.
	SubjectType     string `yaml:"subjectType" koanf:"subjectType"`
	SubjectPosition string `yaml:"subjectPosition" koanf:"subjectPosition"`

	// Space is ras or scanner.
	Space string `yaml:"space" koanf:"space"`

	// Origins are accepted acqp ORIGIN substrings.
	Origins []string `yaml:"origins" koanf:"origins"`
}

// Output parameters.
type Output struct {
	// Dir receives converted images when no explicit path is given.
	Dir string `yaml:"dir" koanf:"dir"`

	// Gzip writes .nii.gz instead of .nii.
	Gzip bool `yaml:"gzip" koanf:"gzip"`

	// PreviewDir receives mid-slice PNGs; empty disables previews.
	PreviewDir string `yaml:"previewDir" koanf:"previewDir"`

	// Verbose controls the level of logging output.
	Verbose bool `yaml:"verbose" koanf:"verbose"`
}

// Config represents the application configuration.
type Config struct {
	Conversion Conversion `yaml:"conversion" koanf:"conversion"`
	Output     Output     `yaml:"output" koanf:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Conversion.Scale = convert.ScaleNone.String()
	cfg.Conversion.Space = "ras"
	cfg.Conversion.Origins = []string{"Bruker"}

	cfg.Output.Dir = "."
	cfg.Output.Gzip = true

	return cfg
}

// LoadConfig layers defaults, the YAML file at configPath and the
// environment. A missing file leaves the defaults in place.
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), kyaml.Parser()); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment names are upper case with "_" for "."; map them back to
	// the camel-case keys.
	keys := make(map[string]string)
	for _, key := range k.Keys() {
		keys[strings.ToLower(strings.ReplaceAll(key, ".", "_"))] = key
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return keys[strings.ToLower(strings.TrimPrefix(s, EnvPrefix))]
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	if _, err := convert.ParseScaleMode(c.Conversion.Scale); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(c.Conversion.Space) {
	case "", "ras", "scanner":
	default:
		return fmt.Errorf("config: unknown space %q", c.Conversion.Space)
	}
	if c.Conversion.RecoID < 0 {
		return fmt.Errorf("config: negative reco id %d", c.Conversion.RecoID)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
