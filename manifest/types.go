package manifest

import (
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// OCI media types for manifests and configurations
const (
	MediaTypeOCIManifest = ocispec.MediaTypeImageManifest
	MediaTypeOCIIndex    = ocispec.MediaTypeImageIndex
	MediaTypeOCIConfig   = ocispec.MediaTypeImageConfig
)

// Annotation keys
const (
	AnnotationCreated = ocispec.AnnotationCreated
	AnnotationRefName = ocispec.AnnotationRefName
)

// Descriptor represents an OCI descriptor
type Descriptor struct {
	MediaType   string            `json:"mediaType"`
	Digest      digest.Digest     `json:"digest"`
	Size        int64             `json:"size"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Platform    *Platform         `json:"platform,omitempty"`
}

// ImageManifest represents an OCI image manifest
type ImageManifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Config        Descriptor        `json:"config"`
	Layers        []Descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// ImageIndex is the index.json of an OCI layout
type ImageIndex struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Manifests     []Descriptor      `json:"manifests"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Platform represents a target platform
type Platform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Variant      string `json:"variant,omitempty"`
}

// ImageConfig represents an OCI image configuration. The container
// configuration is the source image's, carried through unchanged.
type ImageConfig struct {
	Created      string         `json:"created"`
	Author       string         `json:"author,omitempty"`
	Architecture string         `json:"architecture"`
	OS           string         `json:"os"`
	OSVersion    string         `json:"os.version,omitempty"`
	Variant      string         `json:"variant,omitempty"`
	Config       v1.Config      `json:"config"`
	RootFS       RootFS         `json:"rootfs"`
	History      []HistoryEntry `json:"history,omitempty"`
}

// RootFS represents the root filesystem configuration
type RootFS struct {
	Type    string          `json:"type"`
	DiffIDs []digest.Digest `json:"diff_ids"`
}

// HistoryEntry represents a layer history entry
type HistoryEntry struct {
	Created    string `json:"created"`
	CreatedBy  string `json:"created_by,omitempty"`
	Author     string `json:"author,omitempty"`
	Comment    string `json:"comment,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}

// Blob is a serialized JSON document together with its descriptor
type Blob struct {
	Descriptor Descriptor
	Data       []byte
}

// ErrorType represents the type of manifest error
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeDigest        ErrorType = "digest"
	ErrorTypeSerialization ErrorType = "serialization"
)

// ManifestError represents an error from manifest operations
type ManifestError struct {
	Type      ErrorType `json:"type"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
}

// Error implements the error interface
func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest error [%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying error
func (e *ManifestError) Unwrap() error {
	return e.Cause
}
