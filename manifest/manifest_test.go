package manifest

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
	"github.com/bibin-skaria/pkgchunk/layers"
)

const podmanInspect = `[
  {
    "Id": "0123",
    "Digest": "sha256:aaaa",
    "RepoTags": ["localhost/test:latest"],
    "Created": "2024-03-01T12:30:45.123456789Z",
    "Architecture": "x86_64",
    "Os": "linux",
    "Size": 1234,
    "Config": {
      "User": "1001",
      "Env": ["PATH=/usr/bin", "LANG=C.UTF-8"],
      "Entrypoint": ["/usr/bin/app"],
      "Cmd": ["--serve"],
      "WorkingDir": "/srv",
      "Labels": {"b": "2", "a": "1"},
      "ExposedPorts": {"8080/tcp": {}},
      "StopSignal": "SIGTERM"
    },
    "RootFS": {"Type": "layers", "Layers": ["sha256:bbbb"]}
  }
]`

const ociConfig = `{
  "created": "2023-11-14T22:13:20Z",
  "architecture": "arm64",
  "variant": "v8",
  "os": "linux",
  "config": {"Cmd": ["/bin/sh"]},
  "rootfs": {"type": "layers", "diff_ids": []}
}`

var testTimestamp = time.Unix(1700000000, 0).UTC()

func testLayers() []*layers.Layer {
	return []*layers.Layer{
		{
			Name:        "bash",
			DiffID:      digest.FromString("tar-1"),
			Digest:      digest.FromString("blob-1"),
			Size:        100,
			MediaType:   layers.MediaType(types.CompressionGzip),
			Annotations: map[string]string{layers.AnnotationComponent: "bash"},
		},
		{
			Name:      "misc",
			DiffID:    digest.FromString("tar-2"),
			Digest:    digest.FromString("blob-2"),
			Size:      200,
			MediaType: layers.MediaType(types.CompressionGzip),
			Annotations: map[string]string{
				layers.AnnotationComponent: "misc",
				layers.AnnotationPart:      "1/2",
			},
		},
	}
}

func TestParseSourceImage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		arch    string
		variant string
		created time.Time
		cmd     []string
	}{
		{
			name:    "podman inspect array",
			input:   podmanInspect,
			arch:    "amd64",
			created: time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC),
			cmd:     []string{"--serve"},
		},
		{
			name:    "oci config",
			input:   ociConfig,
			arch:    "arm64",
			variant: "v8",
			created: time.Unix(1700000000, 0).UTC(),
			cmd:     []string{"/bin/sh"},
		},
		{
			name:  "no creation time",
			input: `{"architecture": "aarch64", "os": "linux"}`,
			arch:  "arm64",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := ParseSourceImage([]byte(tt.input))
			if err != nil {
				t.Fatalf("ParseSourceImage failed: %v", err)
			}
			p := src.Platform()
			if p.Architecture != tt.arch || p.OS != "linux" || p.Variant != tt.variant {
				t.Errorf("platform = %s, want linux/%s", p, tt.arch)
			}
			if !src.Created.Equal(tt.created) {
				t.Errorf("created = %v, want %v", src.Created, tt.created)
			}
			if len(tt.cmd) > 0 && (len(src.Config.Cmd) != len(tt.cmd) || src.Config.Cmd[0] != tt.cmd[0]) {
				t.Errorf("cmd = %v, want %v", src.Config.Cmd, tt.cmd)
			}
		})
	}
}

func TestParseSourceImage_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", "  \n"},
		{"not json", "hello"},
		{"truncated", `{"architecture": "amd64"`},
		{"two images", `[{"Os": "linux"}, {"Os": "linux"}]`},
		{"empty array", `[]`},
		{"array of strings", `["x"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSourceImage([]byte(tt.input))
			if err == nil {
				t.Fatal("expected error")
			}
			if cat := pcerrors.CategoryOf(err); cat != pcerrors.ErrorCategoryInput {
				t.Errorf("category = %s, want input", cat)
			}
		})
	}
}

func TestResolveTimestamp(t *testing.T) {
	override := time.Unix(42, 500)
	src := &SourceImage{Created: time.Date(2024, 3, 1, 12, 30, 45, 999, time.UTC)}

	got, err := ResolveTimestamp(&override, src)
	if err != nil || !got.Equal(time.Unix(42, 0)) {
		t.Errorf("override: got %v, %v", got, err)
	}

	got, err = ResolveTimestamp(nil, src)
	if err != nil || !got.Equal(time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)) {
		t.Errorf("source: got %v, %v", got, err)
	}

	_, err = ResolveTimestamp(nil, &SourceImage{})
	if pcerrors.CategoryOf(err) != pcerrors.ErrorCategoryUsage {
		t.Errorf("expected usage error without any timestamp source, got %v", err)
	}
}

func TestAssemble(t *testing.T) {
	src, err := ParseSourceImage([]byte(podmanInspect))
	if err != nil {
		t.Fatal(err)
	}
	g := NewGenerator(&GeneratorOptions{Timestamp: testTimestamp, IncludeHistory: true, RefName: "latest"})

	img, err := g.Assemble(src, testLayers())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	var config ImageConfig
	if err := json.Unmarshal(img.Config.Data, &config); err != nil {
		t.Fatal(err)
	}
	if config.Created != "2023-11-14T22:13:20Z" {
		t.Errorf("created = %s", config.Created)
	}
	if config.Architecture != "amd64" || config.OS != "linux" {
		t.Errorf("platform = %s/%s", config.OS, config.Architecture)
	}
	if config.Config.User != "1001" || config.Config.WorkingDir != "/srv" || config.Config.StopSignal != "SIGTERM" {
		t.Errorf("container config not carried through: %+v", config.Config)
	}
	if config.Config.Labels["a"] != "1" || len(config.Config.Env) != 2 {
		t.Errorf("labels/env not carried through: %+v", config.Config)
	}
	if _, ok := config.Config.ExposedPorts["8080/tcp"]; !ok {
		t.Errorf("exposed ports not carried through: %+v", config.Config.ExposedPorts)
	}
	if len(config.RootFS.DiffIDs) != 2 || config.RootFS.DiffIDs[1] != digest.FromString("tar-2") {
		t.Errorf("diff_ids = %v", config.RootFS.DiffIDs)
	}
	if len(config.History) != 2 || config.History[1].Comment != "misc (1/2)" {
		t.Errorf("history = %+v", config.History)
	}

	if img.Config.Descriptor.Digest != digest.FromBytes(img.Config.Data) {
		t.Error("config descriptor digest mismatch")
	}

	var m ImageManifest
	if err := json.Unmarshal(img.Manifest.Data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Config.Digest != img.Config.Descriptor.Digest || m.Config.Size != int64(len(img.Config.Data)) {
		t.Errorf("manifest config descriptor = %+v", m.Config)
	}
	if len(m.Layers) != 2 || m.Layers[0].Digest != digest.FromString("blob-1") {
		t.Errorf("manifest layers = %+v", m.Layers)
	}
	if m.Annotations[AnnotationCreated] != "2023-11-14T22:13:20Z" {
		t.Errorf("manifest annotations = %v", m.Annotations)
	}
	if m.Layers[1].Annotations[layers.AnnotationPart] != "1/2" {
		t.Errorf("layer annotations = %v", m.Layers[1].Annotations)
	}

	var idx ImageIndex
	if err := json.Unmarshal(img.Index.Data, &idx); err != nil {
		t.Fatal(err)
	}
	if len(idx.Manifests) != 1 || idx.Manifests[0].Digest != img.Manifest.Descriptor.Digest {
		t.Fatalf("index = %+v", idx)
	}
	if idx.Manifests[0].Annotations[AnnotationRefName] != "latest" {
		t.Errorf("index annotations = %v", idx.Manifests[0].Annotations)
	}
	if idx.Manifests[0].Platform == nil || idx.Manifests[0].Platform.Architecture != "amd64" {
		t.Errorf("index platform = %+v", idx.Manifests[0].Platform)
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	build := func() *Image {
		src, err := ParseSourceImage([]byte(podmanInspect))
		if err != nil {
			t.Fatal(err)
		}
		img, err := NewGenerator(&GeneratorOptions{Timestamp: testTimestamp, IncludeHistory: true}).Assemble(src, testLayers())
		if err != nil {
			t.Fatal(err)
		}
		return img
	}

	a, b := build(), build()
	if !bytes.Equal(a.Config.Data, b.Config.Data) || !bytes.Equal(a.Manifest.Data, b.Manifest.Data) || !bytes.Equal(a.Index.Data, b.Index.Data) {
		t.Error("identical inputs produced different documents")
	}
}

func TestAssemble_NoLayers(t *testing.T) {
	src, _ := ParseSourceImage([]byte(ociConfig))
	_, err := NewGenerator(nil).Assemble(src, nil)
	if pcerrors.CategoryOf(err) != pcerrors.ErrorCategoryUsage {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestAddLayerToConfig(t *testing.T) {
	g := NewGenerator(&GeneratorOptions{Timestamp: testTimestamp})
	config := &ImageConfig{Created: g.created(), RootFS: RootFS{Type: "layers"}}

	if err := g.AddLayerToConfig(config, testLayers()[0]); err != nil {
		t.Fatalf("AddLayerToConfig failed: %v", err)
	}
	if len(config.History) != 0 {
		t.Error("history must not be recorded when disabled")
	}
	if err := g.AddLayerToConfig(config, &layers.Layer{DiffID: "sha256:short"}); err == nil {
		t.Error("expected error for invalid diffID")
	}
	if err := g.AddLayerToConfig(config, nil); err == nil {
		t.Error("expected error for nil layer")
	}
	if err := g.AddLayerToConfig(nil, testLayers()[0]); err == nil {
		t.Error("expected error for nil config")
	}
}
