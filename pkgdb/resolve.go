package pkgdb

import (
	"os"
	"path"
	"path/filepath"
)

// maxLinkDepth bounds symlink chains, as the kernel's ELOOP limit does.
const maxLinkDepth = 40

// linkResolver maps database paths to where they live inside a root
// filesystem by following symlinked parent directories, so /lib/x.so is
// found at /usr/lib/x.so on a usr-merged system. The last path component is
// never followed. Link targets stay inside the root: absolute targets are
// rooted there and ".." stops at "/".
type linkResolver struct {
	root string
	dirs map[string]string
}

func newLinkResolver(root string) *linkResolver {
	return &linkResolver{root: root, dirs: map[string]string{"/": "/"}}
}

// resolve returns the scanner path of the database path p.
func (r *linkResolver) resolve(p string) string {
	if p == "/" {
		return p
	}
	return path.Join(r.dir(path.Dir(p), 0), path.Base(p))
}

func (r *linkResolver) dir(d string, depth int) string {
	if resolved, ok := r.dirs[d]; ok {
		return resolved
	}
	parent := r.dir(path.Dir(d), depth)
	resolved := path.Join(parent, path.Base(d))
	if depth < maxLinkDepth {
		target, err := os.Readlink(filepath.Join(r.root, filepath.FromSlash(resolved)))
		if err == nil {
			if !path.IsAbs(target) {
				target = path.Join(parent, target)
			}
			resolved = r.dir(path.Clean(target), depth+1)
		}
	}
	r.dirs[d] = resolved
	return resolved
}
