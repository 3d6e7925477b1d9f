package pkgdb

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
)

// Backend reads one package database format.
type Backend interface {
	Name() string
	// Detect returns the database location inside rootfs, if present.
	Detect(rootfs string) (string, bool)
	// Load parses the database at location.
	Load(ctx context.Context, rootfs, location string) ([]types.Package, error)
}

type registeredBackend struct {
	backend  Backend
	priority int
}

var backends = make(map[string]registeredBackend)

// RegisterBackend adds a backend. Lower priority values are tried first.
func RegisterBackend(backend Backend, priority int) {
	backends[backend.Name()] = registeredBackend{backend: backend, priority: priority}
}

func ListBackends() []string {
	names := make([]string, 0, len(backends))
	for _, b := range backendsByPriority() {
		names = append(names, b.Name())
	}
	return names
}

func backendsByPriority() []Backend {
	regs := make([]registeredBackend, 0, len(backends))
	for _, b := range backends {
		regs = append(regs, b)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].backend.Name() < regs[j].backend.Name()
	})
	out := make([]Backend, len(regs))
	for i, r := range regs {
		out[i] = r.backend
	}
	return out
}

// detectFile returns the first candidate (relative to rootfs) that exists
// and is not a directory. Symlinks inside rootfs are not followed.
func detectFile(rootfs string, candidates ...string) (string, bool) {
	for _, c := range candidates {
		p := filepath.Join(rootfs, c)
		info, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// openError classifies a failure to open a detected database.
func openError(location string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return unreadable(location, err)
	}
	return pcerrors.NewInputError("open_pkgdb", "cannot open package database "+location, err)
}

// malformed reports a database that is present but cannot be parsed.
func malformed(location, message string, cause error) error {
	return pcerrors.NewErrorBuilder().
		Category(pcerrors.ErrorCategoryInput).
		Operation("parse_pkgdb").
		Path(location).
		Message(message).
		Cause(cause).
		Suggestion("The package database is corrupt; rebuild it or pass --components-file").
		Build()
}
