package layers

import (
	"fmt"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bibin-skaria/pkgchunk/internal/types"
)

// Layer annotations
const (
	AnnotationComponent = "io.pkgchunk.component"
	AnnotationPart      = "io.pkgchunk.part"
)

// Layer is the serialized form of one chunk. The blob lives in a spool file
// until the archive is assembled.
type Layer struct {
	Name             string            `json:"name"`
	Index            int               `json:"index"`
	DiffID           digest.Digest     `json:"diffID"`
	Digest           digest.Digest     `json:"digest"`
	Size             int64             `json:"size"`
	UncompressedSize int64             `json:"uncompressedSize"`
	MediaType        string            `json:"mediaType"`
	Annotations      map[string]string `json:"annotations,omitempty"`
	Files            int               `json:"files"`
	BlobPath         string            `json:"-"`
}

// Open returns a reader over the compressed blob.
func (l *Layer) Open() (*os.File, error) {
	if l.BlobPath == "" {
		return nil, NewLayerError("open", l.Name, fmt.Errorf("layer has no blob"))
	}
	return os.Open(l.BlobPath)
}

// Descriptor returns the manifest descriptor of the layer blob.
func (l *Layer) Descriptor() ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType:   l.MediaType,
		Digest:      l.Digest,
		Size:        l.Size,
		Annotations: l.Annotations,
	}
}

// LayerConfig holds configuration for layer creation
type LayerConfig struct {
	// Rootfs is the directory file contents are read from.
	Rootfs           string                `json:"rootfs"`
	WorkDir          string                `json:"workDir"`
	Compression      types.CompressionType `json:"compression"`
	CompressionLevel int                   `json:"compressionLevel"`
	// Timestamp is applied to every entry.
	Timestamp time.Time `json:"timestamp"`
}

// MediaType returns the OCI layer media type for a compression
func MediaType(c types.CompressionType) string {
	switch c {
	case types.CompressionGzip:
		return ocispec.MediaTypeImageLayerGzip
	case types.CompressionZstd:
		return ocispec.MediaTypeImageLayerZstd
	default:
		return ocispec.MediaTypeImageLayer
	}
}

// LayerError represents errors that occur during layer operations
type LayerError struct {
	Operation string
	Layer     string
	Cause     error
}

func (e *LayerError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("layer %s operation %s failed: %v", e.Layer, e.Operation, e.Cause)
	}
	return fmt.Sprintf("layer operation %s failed: %v", e.Operation, e.Cause)
}

func (e *LayerError) Unwrap() error {
	return e.Cause
}

// NewLayerError creates a new LayerError
func NewLayerError(operation, layer string, cause error) *LayerError {
	return &LayerError{
		Operation: operation,
		Layer:     layer,
		Cause:     cause,
	}
}

// ValidateLayer checks that a layer can be referenced from a manifest
func ValidateLayer(layer *Layer) error {
	if layer == nil {
		return NewLayerError("validate", "", fmt.Errorf("layer is nil"))
	}
	if err := layer.Digest.Validate(); err != nil {
		return NewLayerError("validate", layer.Name, fmt.Errorf("invalid digest %q: %w", layer.Digest, err))
	}
	if err := layer.DiffID.Validate(); err != nil {
		return NewLayerError("validate", layer.Name, fmt.Errorf("invalid diffID %q: %w", layer.DiffID, err))
	}

	switch layer.MediaType {
	case ocispec.MediaTypeImageLayer, ocispec.MediaTypeImageLayerGzip, ocispec.MediaTypeImageLayerZstd:
	default:
		return NewLayerError("validate", layer.Name, fmt.Errorf("invalid media type: %s", layer.MediaType))
	}

	if layer.Size <= 0 {
		return NewLayerError("validate", layer.Name, fmt.Errorf("invalid size: %d", layer.Size))
	}
	return nil
}
