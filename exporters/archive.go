package exporters

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/manifest"
)

// ArchiveExporter writes the image as a single tar stream holding an OCI
// image layout.
type ArchiveExporter struct{}

func init() {
	RegisterExporter(FormatOCIArchive, &ArchiveExporter{})
}

func (e *ArchiveExporter) Export(ctx context.Context, img *manifest.Image, out Output) error {
	if out.Path == "" {
		if out.Writer == nil {
			return pcerrors.NewUsageError("export", "no output destination")
		}
		return e.write(ctx, img, out.Writer)
	}
	return e.writeFile(ctx, img, out.Path)
}

// writeFile writes to a temporary file next to target and renames it into
// place once the archive is complete.
func (e *ArchiveExporter) writeFile(ctx context.Context, img *manifest.Image, target string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return pcerrors.NewInputError("export", "cannot create output file", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err = e.write(ctx, img, bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush archive: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

func (e *ArchiveExporter) write(ctx context.Context, img *manifest.Image, w io.Writer) error {
	tw := tar.NewWriter(w)
	s := &tarSink{tw: tw}
	if img != nil {
		s.modTime = img.Created
	}
	if err := writeLayout(ctx, s, img); err != nil {
		// The trailer is left off so a partial stream is not a valid archive.
		return err
	}
	return tw.Close()
}

type tarSink struct {
	tw      *tar.Writer
	modTime time.Time
}

func (s *tarSink) header(name string, typeflag byte, mode, size int64) *tar.Header {
	return &tar.Header{
		Typeflag: typeflag,
		Name:     name,
		Mode:     mode,
		Size:     size,
		ModTime:  s.modTime,
		Format:   tar.FormatPAX,
	}
}

func (s *tarSink) Dir(name string) error {
	return s.tw.WriteHeader(s.header(name+"/", tar.TypeDir, 0755, 0))
}

func (s *tarSink) File(name string, size int64, r io.Reader) error {
	if err := s.tw.WriteHeader(s.header(name, tar.TypeReg, 0644, size)); err != nil {
		return err
	}
	return copyExact(s.tw, r, size)
}
