// Package scanner walks a mounted root filesystem and produces the canonical,
// path-sorted inventory that every later build stage works from.
//
// The walk never follows symlinks and does not record the root directory
// itself. Regular files are digested on a bounded worker pool; the inventory
// is sorted by byte-wise path comparison once all workers are done, so the
// result does not depend on scheduling.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
)

// Options configures a scan
type Options struct {
	// Jobs bounds the number of files digested concurrently.
	Jobs int
	// SkipXattrs lists extended attribute keys that are not recorded.
	SkipXattrs []string
	Logger     *logrus.Entry
}

// Scan returns every node under root, sorted by path. Any read failure
// aborts the scan.
func Scan(ctx context.Context, root string, opts Options) ([]types.FileEntry, error) {
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	if opts.SkipXattrs == nil {
		opts.SkipXattrs = DefaultSkipXattrs
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	skip := make(map[string]bool, len(opts.SkipXattrs))
	for _, k := range opts.SkipXattrs {
		skip[k] = true
	}

	info, err := os.Lstat(root)
	if err != nil {
		return nil, pcerrors.NewInputError("scan", "cannot access root filesystem", err)
	}
	if !info.IsDir() {
		return nil, pcerrors.NewUsageError("scan", fmt.Sprintf("root filesystem %s is not a directory", root))
	}

	entries, err := walk(ctx, root, skip, opts.Logger)
	if err != nil {
		return nil, err
	}

	if err := digestAll(ctx, root, entries, opts.Jobs); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// walk collects metadata for every node. Digests are filled in later.
func walk(ctx context.Context, root string, skip map[string]bool, log *logrus.Entry) ([]types.FileEntry, error) {
	var entries []types.FileEntry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return pcerrors.NewInputError("walk", "failed to read directory entry", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		// Skip the root directory itself
		if relPath == "." {
			return nil
		}
		relPath = "/" + filepath.ToSlash(relPath)
		if !utf8.ValidString(relPath) {
			return pcerrors.NewInputError("walk", fmt.Sprintf("path is not valid UTF-8: %q", relPath), nil)
		}

		info, err := d.Info()
		if err != nil {
			return pcerrors.NewInputError("stat", "failed to read metadata for "+relPath, err)
		}

		entry, ok, err := newEntry(path, relPath, info)
		if err != nil {
			return err
		}
		if !ok {
			log.WithField("path", relPath).Debug("Skipping socket")
			return nil
		}

		entry.Xattrs, err = readXattrs(path, skip)
		if err != nil {
			return pcerrors.NewInputError("xattr", "failed to read extended attributes for "+relPath, err)
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// newEntry converts lstat information into a FileEntry. Sockets are
// reported as not representable.
func newEntry(fullPath, relPath string, info os.FileInfo) (types.FileEntry, bool, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return types.FileEntry{}, false, pcerrors.NewInputError("stat", "unsupported stat information for "+relPath, nil)
	}

	entry := types.FileEntry{
		Path: relPath,
		Mode: uint32(st.Mode) & 07777,
		UID:  int(st.Uid),
		GID:  int(st.Gid),
	}

	mode := info.Mode()
	switch {
	case mode.IsRegular():
		entry.Kind = types.NodeKindFile
		entry.Size = info.Size()
	case mode.IsDir():
		entry.Kind = types.NodeKindDir
	case mode&os.ModeSymlink != 0:
		target, err := os.Readlink(fullPath)
		if err != nil {
			return entry, false, pcerrors.NewInputError("readlink", "failed to read symlink "+relPath, err)
		}
		entry.Kind = types.NodeKindSymlink
		entry.Linkname = target
	case mode&os.ModeNamedPipe != 0:
		entry.Kind = types.NodeKindSpecial
		entry.SpecialType = types.SpecialFifo
	case mode&os.ModeDevice != 0:
		entry.Kind = types.NodeKindSpecial
		entry.SpecialType = types.SpecialBlock
		if mode&os.ModeCharDevice != 0 {
			entry.SpecialType = types.SpecialChar
		}
		entry.DevMajor = int64(unix.Major(uint64(st.Rdev)))
		entry.DevMinor = int64(unix.Minor(uint64(st.Rdev)))
	case mode&os.ModeSocket != 0:
		return entry, false, nil
	default:
		return entry, false, pcerrors.NewInputError("stat", fmt.Sprintf("unsupported file type %v for %s", mode.Type(), relPath), nil)
	}
	return entry, true, nil
}

// digestAll fills in content digests for regular files using at most jobs
// concurrent readers. Each worker writes only its own slice element.
func digestAll(ctx context.Context, root string, entries []types.FileEntry, jobs int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	for i := range entries {
		if entries[i].Kind != types.NodeKindFile {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e := &entries[i]
			digest, n, err := DigestFile(filepath.Join(root, e.Path))
			if err != nil {
				return pcerrors.NewInputError("digest", "failed to digest "+e.Path, err)
			}
			if n != e.Size {
				return pcerrors.NewConsistencyError("digest", e.Path,
					fmt.Sprintf("size changed while scanning: stat reported %d bytes, read %d", e.Size, n))
			}
			e.Digest = digest
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
