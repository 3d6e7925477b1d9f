// Package manifest provides OCI-compliant image configuration, manifest and
// index generation for rechunked images.
//
// The generator takes the source image metadata and the packed layers and
// produces the three JSON documents of an OCI image:
//
//   - the image configuration, with the source container configuration
//     carried through and the new diff_ids and history
//   - the image manifest referencing the configuration and layer blobs
//   - the index listing the manifest
//
// Example usage:
//
//	source, err := manifest.ParseSourceImage(inspectJSON)
//	if err != nil {
//		return err
//	}
//
//	generator := manifest.NewGenerator(&manifest.GeneratorOptions{
//		Timestamp:      ts,
//		IncludeHistory: true,
//	})
//
//	image, err := generator.Assemble(source, layers)
//
// Serialization uses encoding/json: struct fields in declaration order and
// map keys sorted, so equal inputs always produce equal bytes and digests.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/layers"
)

// DefaultCreatedBy is recorded in the history of every generated layer.
const DefaultCreatedBy = "pkgchunk"

// Generator provides OCI manifest and configuration generation
type Generator struct {
	options *GeneratorOptions
}

// GeneratorOptions configures the manifest generator
type GeneratorOptions struct {
	// Timestamp is the build timestamp recorded in config, history and
	// manifest annotations.
	Timestamp time.Time
	// IncludeHistory controls whether to add one history entry per layer
	IncludeHistory bool
	// CreatedBy is recorded in each history entry
	CreatedBy string
	// RefName, when set, annotates the index entry with a reference name
	RefName string
}

// DefaultGeneratorOptions returns sensible defaults for manifest generation
func DefaultGeneratorOptions() *GeneratorOptions {
	return &GeneratorOptions{
		IncludeHistory: true,
		CreatedBy:      DefaultCreatedBy,
	}
}

// NewGenerator creates a new manifest generator with the given options
func NewGenerator(options *GeneratorOptions) *Generator {
	if options == nil {
		options = DefaultGeneratorOptions()
	}
	if options.CreatedBy == "" {
		options.CreatedBy = DefaultCreatedBy
	}
	return &Generator{
		options: options,
	}
}

func (g *Generator) created() string {
	return g.options.Timestamp.UTC().Format(time.RFC3339)
}

// Image is an assembled image: the three serialized documents plus the
// layers they reference.
type Image struct {
	Created  time.Time
	Config   Blob
	Manifest Blob
	Index    Blob
	Layers   []*layers.Layer
}

// Assemble generates, validates and serializes the config, manifest and
// index for layers, in that order.
func (g *Generator) Assemble(source *SourceImage, layerList []*layers.Layer) (*Image, error) {
	if len(layerList) == 0 {
		return nil, pcerrors.NewUsageError("assemble", "image has no layers: the root filesystem is empty")
	}

	config, err := g.GenerateImageConfig(source, layerList)
	if err != nil {
		return nil, err
	}
	configBlob, err := g.SerializeConfig(config)
	if err != nil {
		return nil, err
	}

	manifest, err := g.GenerateImageManifest(configBlob.Descriptor, layerList)
	if err != nil {
		return nil, err
	}
	manifestBlob, err := g.SerializeManifest(manifest)
	if err != nil {
		return nil, err
	}

	index, err := g.GenerateImageIndex(manifestBlob.Descriptor, source.Platform())
	if err != nil {
		return nil, err
	}
	indexData, err := json.Marshal(index)
	if err != nil {
		return nil, &ManifestError{
			Type:      ErrorTypeSerialization,
			Operation: "serialize_index",
			Message:   fmt.Sprintf("failed to serialize index: %v", err),
			Cause:     err,
		}
	}

	return &Image{
		Created:  g.options.Timestamp.UTC(),
		Config:   *configBlob,
		Manifest: *manifestBlob,
		Index: Blob{
			Descriptor: Descriptor{
				MediaType: MediaTypeOCIIndex,
				Digest:    digest.FromBytes(indexData),
				Size:      int64(len(indexData)),
			},
			Data: indexData,
		},
		Layers: layerList,
	}, nil
}

// GenerateImageConfig merges the source configuration with the layer diffIDs
// and the build timestamp.
func (g *Generator) GenerateImageConfig(source *SourceImage, layerList []*layers.Layer) (*ImageConfig, error) {
	if source == nil {
		return nil, &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "generate_config",
			Message:   "source image cannot be nil",
		}
	}

	platform := source.Platform()
	config := &ImageConfig{
		Created:      g.created(),
		Author:       source.Author,
		Architecture: platform.Architecture,
		OS:           platform.OS,
		OSVersion:    source.OSVersion,
		Variant:      platform.Variant,
		Config:       source.Config,
		RootFS: RootFS{
			Type:    "layers",
			DiffIDs: make([]digest.Digest, 0, len(layerList)),
		},
	}

	for _, layer := range layerList {
		if err := g.AddLayerToConfig(config, layer); err != nil {
			return nil, err
		}
	}

	if err := g.ValidateImageConfig(config); err != nil {
		return nil, pcerrors.NewInternalError("generate_config", "generated image config is invalid", err)
	}
	return config, nil
}

// AddLayerToConfig adds a layer to the image configuration
func (g *Generator) AddLayerToConfig(config *ImageConfig, layer *layers.Layer) error {
	if config == nil {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "add_layer",
			Message:   "config cannot be nil",
		}
	}
	if layer == nil {
		return &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "add_layer",
			Message:   "layer cannot be nil",
		}
	}
	if err := validateDigest(layer.DiffID, "layer diffID"); err != nil {
		return err
	}

	config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, layer.DiffID)

	if g.options.IncludeHistory {
		entry := HistoryEntry{
			Created:   config.Created,
			CreatedBy: g.options.CreatedBy,
			Comment:   layerComment(layer),
		}
		config.History = append(config.History, entry)
	}
	return nil
}

func layerComment(layer *layers.Layer) string {
	if part, ok := layer.Annotations[layers.AnnotationPart]; ok {
		return fmt.Sprintf("%s (%s)", layer.Name, part)
	}
	return layer.Name
}

// GenerateImageManifest generates an OCI image manifest from the config
// descriptor and layers, in layer order.
func (g *Generator) GenerateImageManifest(config Descriptor, layerList []*layers.Layer) (*ImageManifest, error) {
	manifest := &ImageManifest{
		SchemaVersion: OCISchemaVersion,
		MediaType:     MediaTypeOCIManifest,
		Config:        config,
		Layers:        make([]Descriptor, len(layerList)),
		Annotations: map[string]string{
			AnnotationCreated: g.created(),
		},
	}

	for i, layer := range layerList {
		if layer == nil {
			return nil, &ManifestError{
				Type:      ErrorTypeValidation,
				Operation: "process_layer",
				Message:   fmt.Sprintf("layer %d is nil", i),
			}
		}

		manifest.Layers[i] = Descriptor{
			MediaType: layer.MediaType,
			Digest:    layer.Digest,
			Size:      layer.Size,
		}
		if len(layer.Annotations) > 0 {
			manifest.Layers[i].Annotations = make(map[string]string, len(layer.Annotations))
			for k, v := range layer.Annotations {
				manifest.Layers[i].Annotations[k] = v
			}
		}
	}

	if err := g.ValidateImageManifest(manifest); err != nil {
		return nil, pcerrors.NewInternalError("generate_manifest", "generated manifest is invalid", err)
	}
	return manifest, nil
}

// GenerateImageIndex generates the layout index referencing one manifest
func (g *Generator) GenerateImageIndex(manifest Descriptor, platform Platform) (*ImageIndex, error) {
	entry := manifest
	entry.Platform = &platform
	if g.options.RefName != "" {
		entry.Annotations = map[string]string{AnnotationRefName: g.options.RefName}
	}

	index := &ImageIndex{
		SchemaVersion: OCISchemaVersion,
		MediaType:     MediaTypeOCIIndex,
		Manifests:     []Descriptor{entry},
	}

	if err := g.ValidateImageIndex(index); err != nil {
		return nil, pcerrors.NewInternalError("generate_index", "generated index is invalid", err)
	}
	return index, nil
}

// SerializeConfig serializes an image config and describes the result
func (g *Generator) SerializeConfig(config *ImageConfig) (*Blob, error) {
	if config == nil {
		return nil, &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "serialize_config",
			Message:   "config cannot be nil",
		}
	}
	return serialize(config, MediaTypeOCIConfig, "serialize_config")
}

// SerializeManifest serializes a manifest and describes the result
func (g *Generator) SerializeManifest(manifest *ImageManifest) (*Blob, error) {
	if manifest == nil {
		return nil, &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: "serialize_manifest",
			Message:   "manifest cannot be nil",
		}
	}
	return serialize(manifest, MediaTypeOCIManifest, "serialize_manifest")
}

func serialize(v interface{}, mediaType, operation string) (*Blob, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &ManifestError{
			Type:      ErrorTypeSerialization,
			Operation: operation,
			Message:   fmt.Sprintf("failed to serialize: %v", err),
			Cause:     err,
		}
	}
	if len(data) > maxDocumentSize(mediaType) {
		return nil, &ManifestError{
			Type:      ErrorTypeValidation,
			Operation: operation,
			Message:   fmt.Sprintf("document is %d bytes, limit is %d", len(data), maxDocumentSize(mediaType)),
		}
	}
	return &Blob{
		Descriptor: Descriptor{
			MediaType: mediaType,
			Digest:    digest.FromBytes(data),
			Size:      int64(len(data)),
		},
		Data: data,
	}, nil
}
