package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/bibin-skaria/pkgchunk/internal/types"
)

// selinuxXattr is assigned by the container runtime, not carried by layers.
const selinuxXattr = "security.selinux"

// DefaultSkipXattrs lists attributes that are never recorded.
var DefaultSkipXattrs = []string{selinuxXattr}

// readXattrs returns the extended attributes of path sorted by key. Symlinks
// are not followed. Filesystems without xattr support yield no attributes.
func readXattrs(path string, skip map[string]bool) ([]types.Xattr, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		if errors.Is(err, unix.ENOTSUP) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing xattrs: %w", err)
	}
	if size == 0 {
		return nil, nil
	}

	list := make([]byte, size)
	n, err := unix.Llistxattr(path, list)
	if err != nil {
		return nil, fmt.Errorf("listing xattrs: %w", err)
	}

	var keys []string
	for _, k := range bytes.Split(list[:n], []byte{0}) {
		if len(k) == 0 || skip[string(k)] {
			continue
		}
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var xattrs []types.Xattr
	for _, key := range keys {
		vsize, err := unix.Lgetxattr(path, key, nil)
		if err != nil {
			if errors.Is(err, unix.ENODATA) {
				continue
			}
			return nil, fmt.Errorf("reading xattr %s: %w", key, err)
		}
		value := make([]byte, vsize)
		if vsize > 0 {
			vn, err := unix.Lgetxattr(path, key, value)
			if err != nil {
				return nil, fmt.Errorf("reading xattr %s: %w", key, err)
			}
			value = value[:vn]
		}
		xattrs = append(xattrs, types.Xattr{Key: key, Value: value})
	}
	return xattrs, nil
}
