package pkgdb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v2"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
)

// ComponentsBackendName is reported by databases loaded from a components file.
const ComponentsBackendName = "components-file"

// ComponentsFile lists explicit components for root filesystems without a
// usable package database, or to override one.
//
//	components:
//	  - name: python
//	    installOrder: 2
//	    paths:
//	      - /usr/lib/python3*/**
//	      - /usr/bin/python3*
type ComponentsFile struct {
	Components []ComponentSpec `yaml:"components"`
}

// ComponentSpec is one named component and the path globs it owns.
type ComponentSpec struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version,omitempty"`
	InstallOrder *int64   `yaml:"installOrder,omitempty"`
	Paths        []string `yaml:"paths"`
}

// LoadComponentsFile reads a components file and resolves its patterns
// against the scanned paths. A path matched by several components belongs
// to the one with the lowest install order, which defaults to its position
// in the file.
func LoadComponentsFile(location string, paths []string) (Database, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pcerrors.NewConfigurationError("components_file", "components file "+location+" does not exist", err)
		}
		return nil, pcerrors.NewInputError("components_file", "cannot read components file "+location, err)
	}

	pkgs, err := ParseComponents(data, paths)
	if err != nil {
		return nil, malformed(location, "invalid components file", err)
	}
	return NewIndex(ComponentsBackendName, pkgs), nil
}

// ParseComponents decodes components file content into packages whose file
// lists are the scanned paths matching their patterns.
func ParseComponents(data []byte, paths []string) ([]types.Package, error) {
	var cf ComponentsFile
	if err := yaml.UnmarshalStrict(data, &cf); err != nil {
		return nil, err
	}
	if len(cf.Components) == 0 {
		return nil, fmt.Errorf("no components defined")
	}

	seen := make(map[string]bool, len(cf.Components))
	pkgs := make([]types.Package, 0, len(cf.Components))
	for i, c := range cf.Components {
		if c.Name == "" {
			return nil, fmt.Errorf("component %d has no name", i)
		}
		if types.IsReservedChunkName(c.Name) {
			return nil, fmt.Errorf("component name %q is reserved", c.Name)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate component %q", c.Name)
		}
		seen[c.Name] = true

		globs := make([]glob.Glob, 0, len(c.Paths))
		for _, pattern := range c.Paths {
			g, err := glob.Compile(CleanPath(pattern), '/')
			if err != nil {
				return nil, fmt.Errorf("component %q: bad pattern %q: %w", c.Name, pattern, err)
			}
			globs = append(globs, g)
		}

		order := int64(i)
		if c.InstallOrder != nil {
			order = *c.InstallOrder
		}

		var files []string
		for _, p := range paths {
			for _, g := range globs {
				if g.Match(p) {
					files = append(files, p)
					break
				}
			}
		}

		pkgs = append(pkgs, types.Package{
			Name:         c.Name,
			Version:      c.Version,
			Files:        files,
			InstallOrder: order,
		})
	}
	return pkgs, nil
}
