package manifest

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/pkgchunk/internal/types"
	"github.com/bibin-skaria/pkgchunk/layers"
)

// OCI specification constants for validation
const (
	MaxManifestSize = 4 * 1024 * 1024
	MaxConfigSize   = 8 * 1024 * 1024

	OCISchemaVersion = 2
)

var validLayerMediaTypes = map[string]bool{
	layers.MediaType(types.CompressionNone): true,
	layers.MediaType(types.CompressionGzip): true,
	layers.MediaType(types.CompressionZstd): true,
}

func maxDocumentSize(mediaType string) int {
	if mediaType == MediaTypeOCIConfig {
		return MaxConfigSize
	}
	return MaxManifestSize
}

// ValidateImageManifest validates an OCI image manifest
func (g *Generator) ValidateImageManifest(manifest *ImageManifest) error {
	if manifest == nil {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_manifest",
			Message:   "manifest cannot be nil",
		}
	}

	if manifest.SchemaVersion != OCISchemaVersion {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_schema_version",
			Message:   fmt.Sprintf("invalid schema version: expected %d, got %d", OCISchemaVersion, manifest.SchemaVersion),
		}
	}

	if manifest.MediaType != MediaTypeOCIManifest {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_media_type",
			Message:   fmt.Sprintf("invalid manifest media type: %s", manifest.MediaType),
		}
	}

	if err := validateDescriptor(&manifest.Config, "config"); err != nil {
		return err
	}
	if manifest.Config.MediaType != MediaTypeOCIConfig {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_config_media_type",
			Message:   fmt.Sprintf("invalid config media type: %s", manifest.Config.MediaType),
		}
	}

	if len(manifest.Layers) == 0 {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_layers",
			Message:   "manifest must have at least one layer",
		}
	}

	for i := range manifest.Layers {
		layer := &manifest.Layers[i]
		if err := validateDescriptor(layer, fmt.Sprintf("layer[%d]", i)); err != nil {
			return err
		}
		if !validLayerMediaTypes[layer.MediaType] {
			return &ManifestError{
				Type:      ErrorTypeValidation,
				Operation: "validate_layer_media_type",
				Message:   fmt.Sprintf("invalid layer media type at index %d: %s", i, layer.MediaType),
			}
		}
	}

	return validateAnnotations(manifest.Annotations, "manifest")
}

// ValidateImageIndex validates a layout index
func (g *Generator) ValidateImageIndex(index *ImageIndex) error {
	if index == nil {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_index",
			Message:   "index cannot be nil",
		}
	}
	if index.SchemaVersion != OCISchemaVersion {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_schema_version",
			Message:   fmt.Sprintf("invalid schema version: expected %d, got %d", OCISchemaVersion, index.SchemaVersion),
		}
	}
	if index.MediaType != MediaTypeOCIIndex {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_media_type",
			Message:   fmt.Sprintf("invalid index media type: %s", index.MediaType),
		}
	}
	if len(index.Manifests) == 0 {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_manifests",
			Message:   "index must reference at least one manifest",
		}
	}

	for i := range index.Manifests {
		m := &index.Manifests[i]
		context := fmt.Sprintf("manifests[%d]", i)
		if err := validateDescriptor(m, context); err != nil {
			return err
		}
		if m.MediaType != MediaTypeOCIManifest {
			return &ManifestError{
				Type:      ErrorTypeValidation,
				Operation: "validate_media_type",
				Message:   fmt.Sprintf("%s has invalid media type: %s", context, m.MediaType),
			}
		}
		if m.Platform != nil {
			if err := validatePlatform(m.Platform); err != nil {
				return err
			}
		}
	}

	return validateAnnotations(index.Annotations, "index")
}

// ValidateImageConfig validates an OCI image configuration
func (g *Generator) ValidateImageConfig(config *ImageConfig) error {
	if config == nil {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_config",
			Message:   "config cannot be nil",
		}
	}

	if err := validatePlatform(&Platform{Architecture: config.Architecture, OS: config.OS}); err != nil {
		return err
	}

	if _, err := time.Parse(time.RFC3339, config.Created); err != nil {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_created_timestamp",
			Message:   fmt.Sprintf("invalid created timestamp format: %q", config.Created),
			Cause:     err,
		}
	}

	if err := validateRootFS(&config.RootFS); err != nil {
		return err
	}

	if len(config.History) > 0 && len(config.History) != len(config.RootFS.DiffIDs) {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_history",
			Message:   fmt.Sprintf("%d history entries for %d layers", len(config.History), len(config.RootFS.DiffIDs)),
		}
	}
	for i := range config.History {
		if err := validateHistoryEntry(&config.History[i], i); err != nil {
			return err
		}
	}
	return nil
}

// validateDescriptor validates an OCI descriptor
func validateDescriptor(desc *Descriptor, context string) error {
	if desc.MediaType == "" {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_media_type",
			Message:   fmt.Sprintf("%s media type cannot be empty", context),
		}
	}
	if desc.Size <= 0 {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_size",
			Message:   fmt.Sprintf("%s size must be positive: %d", context, desc.Size),
		}
	}
	if err := validateDigest(desc.Digest, context); err != nil {
		return err
	}
	return validateAnnotations(desc.Annotations, context)
}

func validatePlatform(p *Platform) error {
	if p.Architecture == "" {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_architecture",
			Message:   "architecture cannot be empty",
		}
	}
	if p.OS == "" {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_os",
			Message:   "OS cannot be empty",
		}
	}
	return nil
}

// validateDigest checks the digest is a well-formed sha256 digest
func validateDigest(d digest.Digest, context string) error {
	if d == "" {
		return &ManifestError{
			Type:      ErrorTypeDigest,
			Operation: "validate_digest",
			Message:   fmt.Sprintf("%s digest cannot be empty", context),
		}
	}
	if err := d.Validate(); err != nil || d.Algorithm() != digest.SHA256 {
		return &ManifestError{
			Type:      ErrorTypeDigest,
			Operation: "validate_digest_format",
			Message:   fmt.Sprintf("%s digest has invalid format: %s", context, d),
			Cause:     err,
		}
	}
	return nil
}

// validateAnnotations rejects empty annotation keys
func validateAnnotations(annotations map[string]string, context string) error {
	for key := range annotations {
		if key == "" {
			return &ManifestError{
				Type:      ErrorTypeValidation,
				Operation: "validate_annotation_key",
				Message:   fmt.Sprintf("%s annotation key cannot be empty", context),
			}
		}
	}
	return nil
}

// validateRootFS validates the root filesystem configuration
func validateRootFS(rootfs *RootFS) error {
	if rootfs.Type != "layers" {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_rootfs_type",
			Message:   fmt.Sprintf("invalid rootfs type: expected 'layers', got '%s'", rootfs.Type),
		}
	}
	if len(rootfs.DiffIDs) == 0 {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_rootfs",
			Message:   "rootfs must list at least one diff_id",
		}
	}
	for i, diffID := range rootfs.DiffIDs {
		if err := validateDigest(diffID, fmt.Sprintf("rootfs.diff_ids[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// validateHistoryEntry validates a history entry
func validateHistoryEntry(entry *HistoryEntry, index int) error {
	if _, err := time.Parse(time.RFC3339, entry.Created); err != nil {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_history_created",
			Message:   fmt.Sprintf("invalid created timestamp in history entry %d: %q", index, entry.Created),
			Cause:     err,
		}
	}
	if entry.EmptyLayer {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "validate_history_entry",
			Message:   fmt.Sprintf("history entry %d marks an empty layer", index),
		}
	}
	return nil
}
