// Package config loads the optional YAML build settings file. Values from
// the file sit under command line flags: a flag given explicitly wins.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
)

// Settings mirrors the build flags. Sizes accept units ("64MiB", "1GB").
type Settings struct {
	ComponentsFile   string `yaml:"componentsFile"`
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compressionLevel"`
	MinLayerSize     string `yaml:"minLayerSize"`
	MaxLayerSize     string `yaml:"maxLayerSize"`
	MaxLayers        int    `yaml:"maxLayers"`
	Jobs             int    `yaml:"jobs"`
	Format           string `yaml:"format"`
	Tag              string `yaml:"tag"`
	WorkDir          string `yaml:"workDir"`
	LogLevel         string `yaml:"logLevel"`
	LogFormat        string `yaml:"logFormat"`
}

// Load reads and parses a settings file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pcerrors.NewConfigurationError("load_settings", fmt.Sprintf("cannot read build settings %s", path), err)
	}
	return Parse(data)
}

// Parse decodes settings, rejecting unknown keys.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, pcerrors.NewConfigurationError("parse_settings", "malformed build settings", err)
	}
	return &s, nil
}

// Apply copies every value set in s into config.
func (s *Settings) Apply(config types.BuildConfig) (types.BuildConfig, error) {
	if s.ComponentsFile != "" {
		config.ComponentsFile = s.ComponentsFile
	}
	if s.Compression != "" {
		config.Compression = types.CompressionType(strings.ToLower(s.Compression))
	}
	if s.CompressionLevel != 0 {
		config.CompressionLevel = s.CompressionLevel
	}
	if s.MinLayerSize != "" {
		n, err := ParseSize(s.MinLayerSize)
		if err != nil {
			return config, pcerrors.NewConfigurationError("apply_settings", "invalid minLayerSize", err)
		}
		config.MinLayerSize = n
	}
	if s.MaxLayerSize != "" {
		n, err := ParseSize(s.MaxLayerSize)
		if err != nil {
			return config, pcerrors.NewConfigurationError("apply_settings", "invalid maxLayerSize", err)
		}
		config.MaxLayerSize = n
	}
	if s.MaxLayers != 0 {
		config.MaxLayers = s.MaxLayers
	}
	if s.Jobs != 0 {
		config.Jobs = s.Jobs
	}
	if s.Format != "" {
		config.Format = s.Format
	}
	if s.Tag != "" {
		config.RefName = s.Tag
	}
	if s.WorkDir != "" {
		config.WorkDir = s.WorkDir
	}
	return config, nil
}

// ParseSize parses a byte size with an optional SI or IEC unit. A bare
// number is bytes.
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %s is too large", s)
	}
	return int64(n), nil
}
