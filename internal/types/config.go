package types

import (
	"fmt"
	"time"
)

type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

const (
	DefaultMinLayerSize     int64 = 1 << 20
	DefaultMaxLayerSize     int64 = 512 << 20
	DefaultMaxLayers              = 64
	DefaultCompressionLevel       = 6
	DefaultFormat                 = "oci-archive"
)

// BuildConfig is captured once at startup and passed down the pipeline by
// value. Nothing downstream reads the environment.
type BuildConfig struct {
	Rootfs         string `json:"rootfs"`
	SourceConfig   []byte `json:"-"`
	ComponentsFile string `json:"components_file,omitempty"`

	// SourceDateEpoch overrides the source image creation time when set.
	SourceDateEpoch *int64 `json:"source_date_epoch,omitempty"`

	Compression CompressionType `json:"compression"`
	// CompressionLevel zero selects DefaultCompressionLevel. Uncompressed
	// layers are requested with CompressionNone, not a zero level.
	CompressionLevel int `json:"compression_level"`

	// MinLayerSize zero selects DefaultMinLayerSize, capped at MaxLayerSize.
	MinLayerSize int64 `json:"min_layer_size"`
	MaxLayerSize int64 `json:"max_layer_size"`
	MaxLayers    int   `json:"max_layers"`

	Jobs    int    `json:"jobs"`
	WorkDir string `json:"work_dir,omitempty"`
	Format  string `json:"format"`
	RefName string `json:"ref_name,omitempty"`

	MetricsFile string `json:"metrics_file,omitempty"`
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c BuildConfig) WithDefaults(jobs int) BuildConfig {
	if c.Compression == "" {
		c.Compression = CompressionGzip
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = DefaultCompressionLevel
	}
	if c.MaxLayerSize == 0 {
		c.MaxLayerSize = DefaultMaxLayerSize
	}
	if c.MinLayerSize == 0 {
		c.MinLayerSize = DefaultMinLayerSize
		if c.MaxLayerSize > 0 && c.MinLayerSize > c.MaxLayerSize {
			c.MinLayerSize = c.MaxLayerSize
		}
	}
	if c.MaxLayers == 0 {
		c.MaxLayers = DefaultMaxLayers
	}
	if c.Jobs <= 0 {
		c.Jobs = jobs
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	return c
}

// Validate reports configuration values that cannot produce a build.
func (c BuildConfig) Validate() error {
	if c.Rootfs == "" {
		return fmt.Errorf("rootfs path is required")
	}
	switch c.Compression {
	case CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return fmt.Errorf("unsupported compression %q", c.Compression)
	}
	if c.Compression == CompressionGzip && (c.CompressionLevel < 1 || c.CompressionLevel > 9) {
		return fmt.Errorf("gzip compression level must be between 1 and 9 (0 selects the default), got %d", c.CompressionLevel)
	}
	if c.Compression == CompressionZstd && (c.CompressionLevel < 1 || c.CompressionLevel > 22) {
		return fmt.Errorf("zstd compression level must be between 1 and 22 (0 selects the default), got %d", c.CompressionLevel)
	}
	if c.MinLayerSize < 0 {
		return fmt.Errorf("min layer size cannot be negative")
	}
	if c.MaxLayerSize <= 0 {
		return fmt.Errorf("max layer size must be positive")
	}
	if c.MinLayerSize > c.MaxLayerSize {
		return fmt.Errorf("min layer size %d exceeds max layer size %d", c.MinLayerSize, c.MaxLayerSize)
	}
	if c.MaxLayers < 1 {
		return fmt.Errorf("max layers must be at least 1")
	}
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1")
	}
	if c.SourceDateEpoch != nil && *c.SourceDateEpoch < 0 {
		return fmt.Errorf("source date epoch cannot be negative")
	}
	return nil
}

// Timestamp returns the override as a time, if one was given.
func (c BuildConfig) Timestamp() (time.Time, bool) {
	if c.SourceDateEpoch == nil {
		return time.Time{}, false
	}
	return time.Unix(*c.SourceDateEpoch, 0).UTC(), true
}

// LayerSummary describes one emitted layer.
type LayerSummary struct {
	Name             string `json:"name"`
	Digest           string `json:"digest"`
	DiffID           string `json:"diff_id"`
	Size             int64  `json:"size"`
	UncompressedSize int64  `json:"uncompressed_size"`
	Files            int    `json:"files"`
}

type BuildResult struct {
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	Duration       string         `json:"duration"`
	Backend        string         `json:"backend,omitempty"`
	Files          int            `json:"files"`
	ContentSize    int64          `json:"content_size"`
	ManifestDigest string         `json:"manifest_digest,omitempty"`
	Created        time.Time      `json:"created"`
	Layers         []LayerSummary `json:"layers"`
}
