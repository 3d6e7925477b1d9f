// Package components partitions a scanned inventory into the ordered chunks
// that become image layers, one per owning package where possible.
package components

import (
	"fmt"
	"sort"

	"github.com/bibin-skaria/pkgchunk/internal/types"
	"github.com/bibin-skaria/pkgchunk/pkgdb"
)

// Options bounds chunk sizes and count
type Options struct {
	// MinSize is the content size below which a package is merged into misc.
	MinSize int64
	// MaxSize is the content size above which a chunk is split.
	MaxSize int64
	// MaxLayers caps the number of package chunks plus misc, before splitting.
	MaxLayers int
}

// DefaultOptions returns the default chunking thresholds.
func DefaultOptions() Options {
	return Options{
		MinSize:   types.DefaultMinLayerSize,
		MaxSize:   types.DefaultMaxLayerSize,
		MaxLayers: types.DefaultMaxLayers,
	}
}

// packageNamer is implemented by databases that can resolve an ID back to
// its package name.
type packageNamer interface {
	Package(id string) (types.Package, bool)
}

// group is the working set of one owner before splitting.
type group struct {
	id      string
	name    string
	order   int64
	size    int64
	entries []types.FileEntry
}

// Group partitions entries, which must be sorted by path, into ordered
// chunks. With a nil database the whole inventory becomes a single chunk.
// The result is a pure function of the inputs.
func Group(entries []types.FileEntry, db pkgdb.Database, opts Options) ([]types.Chunk, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if opts.MaxLayers < 1 {
		return nil, fmt.Errorf("max layers must be at least 1, got %d", opts.MaxLayers)
	}
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", opts.MaxSize)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Path >= entries[i].Path {
			return nil, fmt.Errorf("entries not in canonical order at %s", entries[i].Path)
		}
	}

	if db == nil {
		chunk := types.Chunk{
			Name:    types.RootfsChunkName,
			Parts:   1,
			Entries: append([]types.FileEntry(nil), entries...),
		}
		for _, e := range entries {
			chunk.Size += e.ContentSize()
		}
		return []types.Chunk{chunk}, nil
	}

	groups, misc := assign(entries, db)
	groups, misc = mergeSmall(groups, misc, opts.MinSize)
	groups, misc = capLayers(groups, misc, opts.MaxLayers)

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.name != b.name {
			return a.name < b.name
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.id < b.id
	})

	var chunks []types.Chunk
	for _, g := range groups {
		chunks = append(chunks, split(g.id, g.entries, opts.MaxSize, false)...)
	}
	if len(misc) > 0 {
		sort.Slice(misc, func(i, j int) bool {
			return misc[i].Path < misc[j].Path
		})
		chunks = append(chunks, split(types.MiscChunkName, misc, opts.MaxSize, true)...)
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

// assign copies each entry into its owner's group, in path order.
func assign(entries []types.FileEntry, db pkgdb.Database) ([]*group, []types.FileEntry) {
	byID := make(map[string]*group)
	var groups []*group
	var misc []types.FileEntry

	namer, _ := db.(packageNamer)

	for _, e := range entries {
		id, ok := db.Owner(e.Path)
		if !ok {
			misc = append(misc, e)
			continue
		}
		e.Owner = id
		g, ok := byID[id]
		if !ok {
			g = &group{id: id, name: id}
			if namer != nil {
				if p, ok := namer.Package(id); ok {
					g.name = p.Name
				}
			}
			g.order, _ = db.InstallOrder(id)
			byID[id] = g
			groups = append(groups, g)
		}
		g.size += e.ContentSize()
		g.entries = append(g.entries, e)
	}
	return groups, misc
}

// mergeSmall moves packages below minSize into misc.
func mergeSmall(groups []*group, misc []types.FileEntry, minSize int64) ([]*group, []types.FileEntry) {
	kept := groups[:0]
	for _, g := range groups {
		if g.size < minSize {
			misc = append(misc, g.entries...)
			continue
		}
		kept = append(kept, g)
	}
	return kept, misc
}

// capLayers merges the smallest packages into misc until the package count
// plus a misc chunk fits within maxLayers.
func capLayers(groups []*group, misc []types.FileEntry, maxLayers int) ([]*group, []types.FileEntry) {
	count := func() int {
		n := len(groups)
		if len(misc) > 0 {
			n++
		}
		return n
	}
	if count() <= maxLayers {
		return groups, misc
	}

	bySize := append([]*group(nil), groups...)
	sort.Slice(bySize, func(i, j int) bool {
		if bySize[i].size != bySize[j].size {
			return bySize[i].size < bySize[j].size
		}
		return bySize[i].id < bySize[j].id
	})

	merged := make(map[string]bool)
	remaining := len(groups)
	for _, g := range bySize {
		// Once anything is merged a misc chunk exists.
		if remaining+1 <= maxLayers {
			break
		}
		misc = append(misc, g.entries...)
		merged[g.id] = true
		remaining--
	}

	kept := groups[:0]
	for _, g := range groups {
		if !merged[g.id] {
			kept = append(kept, g)
		}
	}
	return kept, misc
}

// split cuts a path-ordered entry list into contiguous parts of at most
// maxSize content bytes. A single entry larger than maxSize gets a part of
// its own.
func split(name string, entries []types.FileEntry, maxSize int64, misc bool) []types.Chunk {
	var parts []types.Chunk
	cur := types.Chunk{Name: name, Misc: misc}

	for _, e := range entries {
		size := e.ContentSize()
		if len(cur.Entries) > 0 && cur.Size+size > maxSize {
			parts = append(parts, cur)
			cur = types.Chunk{Name: name, Misc: misc}
		}
		cur.Entries = append(cur.Entries, e)
		cur.Size += size
	}
	if len(cur.Entries) > 0 {
		parts = append(parts, cur)
	}

	for i := range parts {
		parts[i].Part = i
		parts[i].Parts = len(parts)
	}
	return parts
}
