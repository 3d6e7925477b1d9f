// Package pkgdb reads the package database of a root filesystem and answers
// the ownership questions the component grouper asks: which package owns a
// path, which files a package installed, and in which order packages were
// installed.
package pkgdb

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/pkgchunk/internal/types"
)

var (
	// ErrNotFound is returned by Open when no backend recognises the root filesystem.
	ErrNotFound = errors.New("no package database found")
	// ErrUnreadable is returned by Open when a database exists but cannot be read.
	ErrUnreadable = errors.New("package database unreadable")
)

// Database is the lookup interface used to group files by owner.
type Database interface {
	// Backend names the database format the data came from.
	Backend() string
	// Owner returns the ID of the package owning path.
	Owner(path string) (string, bool)
	// Files lists the paths installed by a package, in database order.
	Files(id string) []string
	// InstallOrder returns a sortable key, lower means installed earlier.
	InstallOrder(id string) (int64, bool)
	// Packages lists every package ID, sorted.
	Packages() []string
}

// Index is an in-memory Database built from a list of packages.
type Index struct {
	backend  string
	packages map[string]*types.Package
	owners   map[string]string
	ids      []string
}

// NewIndex assigns package IDs and builds the reverse path index. Packages
// sharing a name are identified by NEVRA, and a package named like a
// built-in chunk gets a backend-qualified NEVRA. When several packages claim
// the same path, the one with the lowest (InstallOrder, ID) owns it.
func NewIndex(backend string, pkgs []types.Package) *Index {
	counts := make(map[string]int, len(pkgs))
	for i := range pkgs {
		counts[pkgs[i].Name]++
	}

	idx := &Index{
		backend:  backend,
		packages: make(map[string]*types.Package, len(pkgs)),
		owners:   make(map[string]string),
	}

	for i := range pkgs {
		p := pkgs[i]
		switch {
		case types.IsReservedChunkName(p.Name):
			p.SetID(backend + ":" + p.NEVRA())
		case counts[p.Name] > 1:
			p.SetID(p.NEVRA())
		}
		id := p.ID()
		if existing, ok := idx.packages[id]; ok {
			// Identical NEVRA twice; fold the file lists together.
			existing.Files = append(existing.Files, p.Files...)
			if p.InstallOrder < existing.InstallOrder {
				existing.InstallOrder = p.InstallOrder
			}
			continue
		}
		idx.packages[id] = &p
		idx.ids = append(idx.ids, id)
	}
	sort.Strings(idx.ids)

	for _, id := range idx.ids {
		p := idx.packages[id]
		for _, f := range p.Files {
			f = CleanPath(f)
			if f == "/" {
				continue
			}
			idx.claim(f, id)
		}
	}
	return idx
}

// claim records id as the owner of p unless an earlier package holds it.
func (i *Index) claim(p, id string) {
	cur, ok := i.owners[p]
	if !ok || i.less(id, cur) {
		i.owners[p] = id
	}
}

// addResolvedPaths indexes every listed path a second time under its
// location inside rootfs, with directory symlinks followed. It returns the
// number of paths that resolved elsewhere.
func (i *Index) addResolvedPaths(rootfs string) int {
	r := newLinkResolver(rootfs)
	moved := 0
	for _, id := range i.ids {
		for _, f := range i.packages[id].Files {
			f = CleanPath(f)
			if f == "/" {
				continue
			}
			if resolved := r.resolve(f); resolved != f {
				i.claim(resolved, id)
				moved++
			}
		}
	}
	return moved
}

func (i *Index) less(a, b string) bool {
	pa, pb := i.packages[a], i.packages[b]
	if pa.InstallOrder != pb.InstallOrder {
		return pa.InstallOrder < pb.InstallOrder
	}
	return a < b
}

func (i *Index) Backend() string {
	return i.backend
}

func (i *Index) Owner(p string) (string, bool) {
	id, ok := i.owners[p]
	return id, ok
}

func (i *Index) Files(id string) []string {
	p, ok := i.packages[id]
	if !ok {
		return nil
	}
	return p.Files
}

func (i *Index) InstallOrder(id string) (int64, bool) {
	p, ok := i.packages[id]
	if !ok {
		return 0, false
	}
	return p.InstallOrder, true
}

func (i *Index) Packages() []string {
	return i.ids
}

// Package returns the package record behind an ID.
func (i *Index) Package(id string) (types.Package, bool) {
	p, ok := i.packages[id]
	if !ok {
		return types.Package{}, false
	}
	return *p, true
}

// CleanPath normalises a database path to the scanner's absolute form.
func CleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Options configures Open
type Options struct {
	// ComponentsFile, when set, replaces database detection entirely.
	ComponentsFile string
	Logger         *logrus.Entry
}

// Open detects and loads the package database of rootfs. paths is the
// scanned inventory, used by backends that match patterns rather than
// reading a file list.
func Open(ctx context.Context, rootfs string, paths []string, opts Options) (Database, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	if opts.ComponentsFile != "" {
		return LoadComponentsFile(opts.ComponentsFile, paths)
	}

	for _, backend := range backendsByPriority() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		location, ok := backend.Detect(rootfs)
		if !ok {
			continue
		}
		opts.Logger.WithFields(logrus.Fields{
			"backend":  backend.Name(),
			"database": location,
		}).Debug("Detected package database")

		pkgs, err := backend.Load(ctx, rootfs, location)
		if err != nil {
			return nil, err
		}
		idx := NewIndex(backend.Name(), pkgs)
		if moved := idx.addResolvedPaths(rootfs); moved > 0 {
			opts.Logger.WithField("paths", moved).Debug("Indexed package paths behind directory symlinks")
		}
		return idx, nil
	}
	return nil, ErrNotFound
}

// unreadable wraps a permission-style failure on a detected database.
func unreadable(location string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnreadable, location, err)
}
