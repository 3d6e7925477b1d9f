package exporters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/manifest"
)

// Output formats
const (
	FormatOCIArchive = "oci-archive"
	FormatOCILayout  = "oci"
)

const indexFile = "index.json"

// Output is where an exporter writes the image. Path takes precedence; when
// it is empty the image is streamed to Writer.
type Output struct {
	Writer io.Writer
	Path   string
}

type Exporter interface {
	Export(ctx context.Context, img *manifest.Image, out Output) error
}

var exporters = make(map[string]Exporter)

func RegisterExporter(name string, exporter Exporter) {
	exporters[name] = exporter
}

func GetExporter(name string) (Exporter, error) {
	exporter, exists := exporters[name]
	if !exists {
		return nil, pcerrors.NewUsageError("get_exporter", fmt.Sprintf("unknown output format %q", name))
	}
	return exporter, nil
}

func ListExporters() []string {
	names := make([]string, 0, len(exporters))
	for name := range exporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sink receives the entries of an image layout in emission order.
type sink interface {
	Dir(name string) error
	File(name string, size int64, r io.Reader) error
}

// writeLayout emits oci-layout, the blob directories, the layer blobs in
// layer order (each digest once), the config and manifest blobs and finally
// index.json.
func writeLayout(ctx context.Context, s sink, img *manifest.Image) error {
	if img == nil || len(img.Layers) == 0 {
		return pcerrors.NewUsageError("export", "image has no layers")
	}

	layout, err := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return err
	}
	if err := writeBytes(s, ocispec.ImageLayoutFile, layout); err != nil {
		return err
	}
	if err := s.Dir("blobs"); err != nil {
		return err
	}
	if err := s.Dir(path.Join("blobs", string(digest.SHA256))); err != nil {
		return err
	}

	seen := make(map[digest.Digest]bool, len(img.Layers))
	for _, layer := range img.Layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen[layer.Digest] {
			continue
		}
		seen[layer.Digest] = true

		f, err := layer.Open()
		if err != nil {
			return pcerrors.NewInternalError("export", fmt.Sprintf("layer %s blob is unavailable", layer.Name), err)
		}
		err = s.File(blobPath(layer.Digest), layer.Size, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to write layer %s: %w", layer.Name, err)
		}
	}

	if err := writeBytes(s, blobPath(img.Config.Descriptor.Digest), img.Config.Data); err != nil {
		return err
	}
	if err := writeBytes(s, blobPath(img.Manifest.Descriptor.Digest), img.Manifest.Data); err != nil {
		return err
	}
	return writeBytes(s, indexFile, img.Index.Data)
}

func writeBytes(s sink, name string, data []byte) error {
	if err := s.File(name, int64(len(data)), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func blobPath(d digest.Digest) string {
	return path.Join("blobs", d.Algorithm().String(), d.Encoded())
}

// copyExact copies exactly size bytes and fails if r holds more or fewer.
func copyExact(w io.Writer, r io.Reader, size int64) error {
	n, err := io.CopyN(w, r, size)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("blob is %d bytes, expected %d", n, size)
		}
		return err
	}
	var probe [1]byte
	if m, _ := r.Read(probe[:]); m > 0 {
		return fmt.Errorf("blob is larger than the expected %d bytes", size)
	}
	return nil
}
