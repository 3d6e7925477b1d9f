package pkgdb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
)

func TestNewIndex_Ownership(t *testing.T) {
	idx := NewIndex("test", []types.Package{
		{Name: "filesystem", Files: []string{"/", "/usr", "/usr/bin"}, InstallOrder: 0},
		{Name: "P", Files: []string{"/usr/bin", "/usr/bin/a", "usr/bin/b"}, InstallOrder: 3},
		{Name: "Q", Files: []string{"/usr/lib/q.so"}, InstallOrder: 1},
	})

	owner, ok := idx.Owner("/usr/bin/a")
	require.True(t, ok)
	assert.Equal(t, "P", owner)

	owner, ok = idx.Owner("/usr/bin/b")
	require.True(t, ok)
	assert.Equal(t, "P", owner, "relative database paths are normalised")

	owner, _ = idx.Owner("/usr/bin")
	assert.Equal(t, "filesystem", owner, "shared path goes to the earliest installed package")

	_, ok = idx.Owner("/")
	assert.False(t, ok)
	_, ok = idx.Owner("/etc/custom.conf")
	assert.False(t, ok)

	assert.Equal(t, []string{"P", "Q", "filesystem"}, idx.Packages())
	order, ok := idx.InstallOrder("Q")
	require.True(t, ok)
	assert.Equal(t, int64(1), order)
	assert.Equal(t, "test", idx.Backend())
}

func TestNewIndex_TieBreakByID(t *testing.T) {
	idx := NewIndex("test", []types.Package{
		{Name: "zeta", Files: []string{"/shared"}},
		{Name: "alpha", Files: []string{"/shared"}},
	})
	owner, _ := idx.Owner("/shared")
	assert.Equal(t, "alpha", owner)
}

func TestNewIndex_DuplicateNamesUseNEVRA(t *testing.T) {
	idx := NewIndex("rpm", []types.Package{
		{Name: "kernel-core", Version: "6.1-1", Arch: "x86_64", Files: []string{"/lib/modules/6.1"}},
		{Name: "kernel-core", Version: "6.2-1", Arch: "x86_64", Files: []string{"/lib/modules/6.2"}, InstallOrder: 1},
		{Name: "bash", Version: "5.2-1", Arch: "x86_64", Files: []string{"/usr/bin/bash"}},
	})

	assert.Equal(t, []string{"bash", "kernel-core-6.1-1.x86_64", "kernel-core-6.2-1.x86_64"}, idx.Packages())
	owner, _ := idx.Owner("/lib/modules/6.2")
	assert.Equal(t, "kernel-core-6.2-1.x86_64", owner)
}

func TestNewIndex_ReservedNames(t *testing.T) {
	idx := NewIndex("dpkg", []types.Package{
		{Name: "misc", Version: "1.0", Arch: "amd64", Files: []string{"/usr/share/misc/magic"}},
		{Name: "rootfs", Files: []string{"/etc/rootfs.conf"}},
	})

	assert.Equal(t, []string{"dpkg:misc-1.0.amd64", "dpkg:rootfs"}, idx.Packages())
	owner, ok := idx.Owner("/usr/share/misc/magic")
	require.True(t, ok)
	assert.Equal(t, "dpkg:misc-1.0.amd64", owner)
}

func TestOpen_NotFound(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), nil, Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBackends_Priority(t *testing.T) {
	assert.Equal(t, []string{"rpm", "dpkg", "apk"}, ListBackends())
}

// rpmTag is one entry of a test header blob.
type rpmTag struct {
	tag  int32
	typ  uint32
	data []byte
	n    uint32
}

func rpmString(tag int32, s string) rpmTag {
	return rpmTag{tag: tag, typ: rpmTypeString, data: append([]byte(s), 0), n: 1}
}

func rpmStringArray(tag int32, ss ...string) rpmTag {
	var b []byte
	for _, s := range ss {
		b = append(b, s...)
		b = append(b, 0)
	}
	return rpmTag{tag: tag, typ: rpmTypeStringArray, data: b, n: uint32(len(ss))}
}

func rpmInt32(tag int32, vs ...int32) rpmTag {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(b[i*4:], uint32(v))
	}
	return rpmTag{tag: tag, typ: rpmTypeInt32, data: b, n: uint32(len(vs))}
}

func buildRPMHeader(tags ...rpmTag) []byte {
	var store []byte
	index := make([]byte, 0, len(tags)*rpmEntrySize)
	for _, t := range tags {
		if t.typ == rpmTypeInt32 {
			for len(store)%4 != 0 {
				store = append(store, 0)
			}
		}
		e := make([]byte, rpmEntrySize)
		binary.BigEndian.PutUint32(e[0:], uint32(t.tag))
		binary.BigEndian.PutUint32(e[4:], t.typ)
		binary.BigEndian.PutUint32(e[8:], uint32(len(store)))
		binary.BigEndian.PutUint32(e[12:], t.n)
		index = append(index, e...)
		store = append(store, t.data...)
	}
	blob := make([]byte, 8)
	binary.BigEndian.PutUint32(blob[0:], uint32(len(tags)))
	binary.BigEndian.PutUint32(blob[4:], uint32(len(store)))
	blob = append(blob, index...)
	return append(blob, store...)
}

func writeRPMDB(t *testing.T, rootfs string, blobs map[int64][]byte) string {
	t.Helper()
	dir := filepath.Join(rootfs, "usr/lib/sysimage/rpm")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	location := filepath.Join(dir, "rpmdb.sqlite")

	db, err := sql.Open("sqlite3", location)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE TABLE Packages (hnum INTEGER PRIMARY KEY AUTOINCREMENT, blob BLOB NOT NULL)")
	require.NoError(t, err)
	for hnum, blob := range blobs {
		_, err = db.Exec("INSERT INTO Packages (hnum, blob) VALUES (?, ?)", hnum, blob)
		require.NoError(t, err)
	}
	return location
}

func TestRPMBackend_Load(t *testing.T) {
	rootfs := t.TempDir()
	writeRPMDB(t, rootfs, map[int64][]byte{
		1: buildRPMHeader(
			rpmString(rpmTagName, "bash"),
			rpmString(rpmTagVersion, "5.2.15"),
			rpmString(rpmTagRelease, "3.fc39"),
			rpmString(rpmTagArch, "x86_64"),
			rpmInt32(rpmTagInstallTime, 200),
			rpmInt32(rpmTagDirIndexes, 0, 0, 1),
			rpmStringArray(rpmTagBasenames, "bash", "sh", "bashrc"),
			rpmStringArray(rpmTagDirnames, "/usr/bin/", "/etc/"),
		),
		2: buildRPMHeader(
			rpmString(rpmTagName, "glibc"),
			rpmString(rpmTagVersion, "2.38"),
			rpmString(rpmTagRelease, "1"),
			rpmInt32(rpmTagEpoch, 1),
			rpmString(rpmTagArch, "x86_64"),
			rpmInt32(rpmTagInstallTime, 100),
			rpmInt32(rpmTagDirIndexes, 0),
			rpmStringArray(rpmTagBasenames, "libc.so.6"),
			rpmStringArray(rpmTagDirnames, "/usr/lib64/"),
		),
		3: buildRPMHeader(
			rpmString(rpmTagName, "gpg-pubkey"),
			rpmString(rpmTagVersion, "abc"),
			rpmInt32(rpmTagInstallTime, 100),
		),
	})

	db, err := Open(context.Background(), rootfs, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "rpm", db.Backend())
	assert.Equal(t, []string{"bash", "glibc", "gpg-pubkey"}, db.Packages())

	assert.Equal(t, []string{"/usr/bin/bash", "/usr/bin/sh", "/etc/bashrc"}, db.Files("bash"))
	owner, ok := db.Owner("/usr/lib64/libc.so.6")
	require.True(t, ok)
	assert.Equal(t, "glibc", owner)

	// (installtime, hnum) ranking
	glibc, _ := db.InstallOrder("glibc")
	pubkey, _ := db.InstallOrder("gpg-pubkey")
	bash, _ := db.InstallOrder("bash")
	assert.Equal(t, []int64{0, 1, 2}, []int64{glibc, pubkey, bash})

	pkg, ok := db.(*Index).Package("glibc")
	require.True(t, ok)
	assert.Equal(t, "1:2.38-1", pkg.Version)
}

func TestRPMBackend_MalformedIsFatal(t *testing.T) {
	rootfs := t.TempDir()
	writeRPMDB(t, rootfs, map[int64][]byte{
		1: {0, 0, 0, 9, 0, 0, 0, 1},
	})

	_, err := Open(context.Background(), rootfs, nil, Options{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnreadable)
	assert.Equal(t, pcerrors.ErrorCategoryInput, pcerrors.CategoryOf(err))
}

func TestRPMBackend_MissingTable(t *testing.T) {
	rootfs := t.TempDir()
	dir := filepath.Join(rootfs, "var/lib/rpm")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	db, err := sql.Open("sqlite3", filepath.Join(dir, "rpmdb.sqlite"))
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE Other (x INTEGER)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(context.Background(), rootfs, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, pcerrors.ErrorCategoryInput, pcerrors.CategoryOf(err))
}

func TestRPMBackend_UnreadableDegrades(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	rootfs := t.TempDir()
	location := writeRPMDB(t, rootfs, map[int64][]byte{
		1: buildRPMHeader(rpmString(rpmTagName, "bash")),
	})
	require.NoError(t, os.Chmod(location, 0o000))

	_, err := Open(context.Background(), rootfs, nil, Options{})
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestParseRPMHeader_Bounds(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{"too short", []byte{0, 0, 0}},
		{"index overruns blob", []byte{0, 0, 0, 2, 0, 0, 0, 0}},
		{"offset out of range", func() []byte {
			b := buildRPMHeader(rpmString(rpmTagName, "x"))
			binary.BigEndian.PutUint32(b[8+8:], 1000)
			return b
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRPMHeader(tt.blob)
			assert.Error(t, err)
		})
	}
}

func TestRPMHeader_StringCountOverrun(t *testing.T) {
	tests := []struct {
		name  string
		count uint32
	}{
		{"one past the store", 3},
		{"max count", 0xFFFFFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := parseRPMHeader(buildRPMHeader(
				rpmTag{tag: rpmTagBasenames, typ: rpmTypeStringArray, data: []byte("a\x00b\x00"), n: tt.count},
			))
			require.NoError(t, err)
			_, _, err = h.strings(rpmTagBasenames)
			assert.Error(t, err)
		})
	}
}

func TestRPMBackend_CorruptCountIsFatal(t *testing.T) {
	rootfs := t.TempDir()
	writeRPMDB(t, rootfs, map[int64][]byte{
		1: buildRPMHeader(
			rpmString(rpmTagName, "bash"),
			rpmInt32(rpmTagDirIndexes, 0),
			rpmTag{tag: rpmTagBasenames, typ: rpmTypeStringArray, data: []byte("bash\x00"), n: 0xFFFFFFFF},
			rpmStringArray(rpmTagDirnames, "/usr/bin/"),
		),
	})

	_, err := Open(context.Background(), rootfs, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, pcerrors.ErrorCategoryInput, pcerrors.CategoryOf(err))
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestDpkgBackend_Load(t *testing.T) {
	rootfs := t.TempDir()
	writeFile(t, rootfs, "var/lib/dpkg/status", `Package: base-files
Status: install ok installed
Version: 12.4
Architecture: amd64
Description: Debian base system
 miscellaneous files

Package: removed
Status: deinstall ok config-files
Version: 1.0

Package: libc6
Status: install ok installed
Architecture: amd64
Version: 2.36-9
`)
	writeFile(t, rootfs, "var/lib/dpkg/info/base-files.list", "/.\n/etc\n/etc/debian_version\n")
	writeFile(t, rootfs, "var/lib/dpkg/info/libc6:amd64.list", "/.\n/lib\n/lib/x86_64-linux-gnu/libc.so.6\n")
	writeFile(t, rootfs, "var/lib/dpkg/info/removed.list", "/etc/removed.conf\n")

	db, err := Open(context.Background(), rootfs, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "dpkg", db.Backend())
	assert.Equal(t, []string{"base-files", "libc6"}, db.Packages())

	owner, ok := db.Owner("/lib/x86_64-linux-gnu/libc.so.6")
	require.True(t, ok)
	assert.Equal(t, "libc6", owner)
	_, ok = db.Owner("/etc/removed.conf")
	assert.False(t, ok)

	order, _ := db.InstallOrder("libc6")
	assert.Equal(t, int64(1), order)
}

func TestDpkgBackend_UsrMerge(t *testing.T) {
	rootfs := t.TempDir()
	writeFile(t, rootfs, "var/lib/dpkg/status", `Package: base-files
Status: install ok installed
Version: 12.4

Package: libc6
Status: install ok installed
Architecture: amd64
Version: 2.36-9
`)
	writeFile(t, rootfs, "var/lib/dpkg/info/base-files.list", "/.\n/usr\n/usr/lib\n")
	writeFile(t, rootfs, "var/lib/dpkg/info/libc6:amd64.list",
		"/.\n/lib\n/lib/x86_64-linux-gnu\n/lib/x86_64-linux-gnu/libc.so.6\n")
	writeFile(t, rootfs, "usr/lib/x86_64-linux-gnu/libc.so.6", "libc")
	require.NoError(t, os.Symlink("usr/lib", filepath.Join(rootfs, "lib")))

	db, err := Open(context.Background(), rootfs, nil, Options{})
	require.NoError(t, err)

	for _, p := range []string{
		"/usr/lib/x86_64-linux-gnu/libc.so.6",
		"/usr/lib/x86_64-linux-gnu",
		"/lib/x86_64-linux-gnu/libc.so.6",
		"/lib",
	} {
		owner, ok := db.Owner(p)
		require.True(t, ok, p)
		assert.Equal(t, "libc6", owner, p)
	}
	owner, _ := db.Owner("/usr/lib")
	assert.Equal(t, "base-files", owner)
	assert.Equal(t, []string{"/lib", "/lib/x86_64-linux-gnu", "/lib/x86_64-linux-gnu/libc.so.6"}, db.Files("libc6"))
}

func TestLinkResolver(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/bin"), 0o755))
	require.NoError(t, os.Symlink("usr/lib", filepath.Join(root, "lib")))
	require.NoError(t, os.Symlink("/usr/bin", filepath.Join(root, "bin")))
	require.NoError(t, os.Symlink("../../..", filepath.Join(root, "up")))
	require.NoError(t, os.Symlink("/lib", filepath.Join(root, "usr/lib64")))
	require.NoError(t, os.Symlink("b", filepath.Join(root, "a")))
	require.NoError(t, os.Symlink("a", filepath.Join(root, "b")))

	r := newLinkResolver(root)
	tests := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"/lib", "/lib"},
		{"/lib/libc.so.6", "/usr/lib/libc.so.6"},
		{"/bin/sh", "/usr/bin/sh"},
		{"/usr/lib64/ld.so", "/usr/lib/ld.so"},
		{"/up/etc/passwd", "/etc/passwd"},
		{"/etc/missing/file", "/etc/missing/file"},
	}
	for _, tt := range tests {
		if got := r.resolve(tt.in); got != tt.want {
			t.Errorf("resolve(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	// A symlink loop terminates.
	assert.NotEmpty(t, r.resolve("/a/file"))
}

func TestDpkgBackend_Malformed(t *testing.T) {
	rootfs := t.TempDir()
	writeFile(t, rootfs, "var/lib/dpkg/status", "Package: a\nthis is not a field\n")

	_, err := Open(context.Background(), rootfs, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, pcerrors.ErrorCategoryInput, pcerrors.CategoryOf(err))
}

func TestAPKBackend_Load(t *testing.T) {
	rootfs := t.TempDir()
	writeFile(t, rootfs, "lib/apk/db/installed", `C:Q1abc=
P:musl
V:1.2.4-r2
A:x86_64
F:lib
R:ld-musl-x86_64.so.1
a:0:0:755

P:busybox
V:1.36.1-r5
A:x86_64
F:bin
R:busybox
F:etc
R:passwd
`)

	db, err := Open(context.Background(), rootfs, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "apk", db.Backend())
	assert.Equal(t, []string{"/lib", "/lib/ld-musl-x86_64.so.1"}, db.Files("musl"))

	owner, ok := db.Owner("/etc/passwd")
	require.True(t, ok)
	assert.Equal(t, "busybox", owner)
	order, _ := db.InstallOrder("busybox")
	assert.Equal(t, int64(1), order)
}

func TestAPKBackend_Malformed(t *testing.T) {
	rootfs := t.TempDir()
	writeFile(t, rootfs, "lib/apk/db/installed", "V:1.0\nR:orphan\n")

	_, err := Open(context.Background(), rootfs, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, pcerrors.ErrorCategoryInput, pcerrors.CategoryOf(err))
}

func TestComponentsFile(t *testing.T) {
	dir := t.TempDir()
	location := filepath.Join(dir, "components.yaml")
	writeFile(t, dir, "components.yaml", `components:
  - name: python
    paths:
      - /usr/lib/python3*/**
      - /usr/bin/python3*
  - name: tools
    installOrder: 5
    paths:
      - /usr/bin/**
`)
	paths := []string{
		"/etc/hosts",
		"/usr/bin/python3",
		"/usr/bin/python3.12",
		"/usr/bin/vim",
		"/usr/lib/python3.12/os.py",
		"/usr/lib/python3.12/json/__init__.py",
	}

	db, err := Open(context.Background(), t.TempDir(), paths, Options{ComponentsFile: location})
	require.NoError(t, err)
	assert.Equal(t, ComponentsBackendName, db.Backend())

	owner, _ := db.Owner("/usr/bin/python3")
	assert.Equal(t, "python", owner, "earlier component wins an overlapping match")
	owner, _ = db.Owner("/usr/lib/python3.12/json/__init__.py")
	assert.Equal(t, "python", owner)
	owner, _ = db.Owner("/usr/bin/vim")
	assert.Equal(t, "tools", owner)
	_, ok := db.Owner("/etc/hosts")
	assert.False(t, ok)
}

func TestComponentsFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "components: [\n"},
		{"unknown field", "components:\n  - name: a\n    pattern: /x\n"},
		{"no components", "components: []\n"},
		{"missing name", "components:\n  - paths: [/x]\n"},
		{"reserved name", "components:\n  - name: misc\n    paths: [/x]\n"},
		{"duplicate", "components:\n  - name: a\n  - name: a\n"},
		{"bad glob", "components:\n  - name: a\n    paths: ['/x/[']\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseComponents([]byte(tt.content), nil)
			assert.Error(t, err)
		})
	}

	_, err := LoadComponentsFile(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	assert.Equal(t, pcerrors.ErrorCategoryConfiguration, pcerrors.CategoryOf(err))
}
