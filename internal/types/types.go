package types

import (
	"fmt"
	"runtime"
)

type NodeKind string

const (
	NodeKindFile    NodeKind = "file"
	NodeKindDir     NodeKind = "dir"
	NodeKindSymlink NodeKind = "symlink"
	NodeKindSpecial NodeKind = "special"
)

// SpecialType distinguishes the device and fifo nodes grouped under NodeKindSpecial.
type SpecialType string

const (
	SpecialChar  SpecialType = "char"
	SpecialBlock SpecialType = "block"
	SpecialFifo  SpecialType = "fifo"
)

// Xattr is one extended attribute of a filesystem node.
type Xattr struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// FileEntry describes one node of the scanned root filesystem. Entries are
// produced by the scanner and treated as values afterwards: later stages copy
// them rather than mutate the scanned inventory.
type FileEntry struct {
	Path        string      `json:"path"`
	Kind        NodeKind    `json:"kind"`
	Mode        uint32      `json:"mode"` // permission bits incl. setuid/setgid/sticky, tar encoding
	UID         int         `json:"uid"`
	GID         int         `json:"gid"`
	Size        int64       `json:"size"`
	Digest      string      `json:"digest,omitempty"`
	Linkname    string      `json:"linkname,omitempty"`
	SpecialType SpecialType `json:"special_type,omitempty"`
	DevMajor    int64       `json:"dev_major,omitempty"`
	DevMinor    int64       `json:"dev_minor,omitempty"`
	Xattrs      []Xattr     `json:"xattrs,omitempty"`
	Owner       string      `json:"owner,omitempty"`
}

// ContentSize is the number of content bytes the entry contributes to a layer.
func (e FileEntry) ContentSize() int64 {
	if e.Kind == NodeKindFile {
		return e.Size
	}
	return 0
}

// Package is one installed package as recorded by a package database.
type Package struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Arch         string   `json:"arch,omitempty"`
	Files        []string `json:"files"`
	InstallOrder int64    `json:"install_order"`

	// id overrides Name as identifier when several packages share a name.
	id string
}

// ID returns the identifier used for ownership lookups and chunk names.
func (p *Package) ID() string {
	if p.id != "" {
		return p.id
	}
	return p.Name
}

// NEVRA returns the name-[epoch:]version-release.arch string of the package.
func (p *Package) NEVRA() string {
	s := p.Name
	if p.Version != "" {
		s += "-" + p.Version
	}
	if p.Arch != "" {
		s += "." + p.Arch
	}
	return s
}

// SetID overrides the package identifier.
func (p *Package) SetID(id string) {
	p.id = id
}

const (
	// MiscChunkName names the bucket for unowned files and merged small packages.
	MiscChunkName = "misc"
	// RootfsChunkName names the single chunk used when no package database exists.
	RootfsChunkName = "rootfs"
)

// IsReservedChunkName reports whether name collides with a built-in chunk.
func IsReservedChunkName(name string) bool {
	return name == MiscChunkName || name == RootfsChunkName
}

// Chunk is an ordered, path-sorted group of entries that becomes one layer.
type Chunk struct {
	Name    string      `json:"name"`
	Index   int         `json:"index"`
	Part    int         `json:"part"`
	Parts   int         `json:"parts"`
	Misc    bool        `json:"misc,omitempty"`
	Size    int64       `json:"size"`
	Entries []FileEntry `json:"-"`
}

// Label returns a human readable chunk name including its part number.
func (c *Chunk) Label() string {
	if c.Parts > 1 {
		return fmt.Sprintf("%s (%d/%d)", c.Name, c.Part+1, c.Parts)
	}
	return c.Name
}

type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

func GetHostPlatform() Platform {
	return Platform{
		OS:           "linux",
		Architecture: NormalizeArch(runtime.GOARCH),
	}
}

// NormalizeArch translates kernel/rpm architecture names to OCI (Go) names.
// Unknown values pass through unchanged.
func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	case "powerpc64", "ppc64le":
		return "ppc64le"
	default:
		return arch
	}
}
