package exporters

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/manifest"
)

// LayoutExporter writes the image as an OCI image layout directory.
type LayoutExporter struct{}

func init() {
	RegisterExporter(FormatOCILayout, &LayoutExporter{})
}

// Export builds the layout in a temporary sibling of out.Path and renames it
// into place. An existing target is never overwritten.
func (e *LayoutExporter) Export(ctx context.Context, img *manifest.Image, out Output) (err error) {
	if out.Path == "" {
		return pcerrors.NewUsageError("export", "the oci format needs an output directory")
	}
	if _, err := os.Lstat(out.Path); err == nil {
		return pcerrors.NewUsageError("export", fmt.Sprintf("output %s already exists", out.Path))
	}

	tmp, err := os.MkdirTemp(filepath.Dir(out.Path), "."+filepath.Base(out.Path)+".tmp-*")
	if err != nil {
		return pcerrors.NewInputError("export", "cannot create output directory", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmp)
		}
	}()

	s := &dirSink{root: tmp}
	if img != nil {
		s.modTime = img.Created
	}
	if err = writeLayout(ctx, s, img); err != nil {
		return err
	}
	if err = os.Chmod(tmp, 0755); err != nil {
		return err
	}
	if err = s.finish(); err != nil {
		return err
	}
	if err = os.Rename(tmp, out.Path); err != nil {
		return fmt.Errorf("failed to move layout into place: %w", err)
	}
	return nil
}

type dirSink struct {
	root    string
	modTime time.Time
	dirs    []string
}

func (s *dirSink) Dir(name string) error {
	p := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.Mkdir(p, 0755); err != nil {
		return err
	}
	s.dirs = append(s.dirs, p)
	return nil
}

func (s *dirSink) File(name string, size int64, r io.Reader) (err error) {
	p := filepath.Join(s.root, filepath.FromSlash(name))
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := copyExact(f, r, size); err != nil {
		return err
	}
	if err := f.Chmod(0644); err != nil {
		return err
	}
	return s.touch(p)
}

func (s *dirSink) touch(p string) error {
	if s.modTime.IsZero() {
		return nil
	}
	return os.Chtimes(p, s.modTime, s.modTime)
}

// finish stamps the directories last, after their contents are written.
func (s *dirSink) finish() error {
	for i := len(s.dirs) - 1; i >= 0; i-- {
		if err := s.touch(s.dirs[i]); err != nil {
			return err
		}
	}
	return s.touch(s.root)
}
