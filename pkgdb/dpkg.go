package pkgdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bibin-skaria/pkgchunk/internal/types"
)

func init() {
	RegisterBackend(&DpkgBackend{}, 20)
}

// DpkgBackend reads the dpkg status file and per-package file lists.
type DpkgBackend struct{}

func (b *DpkgBackend) Name() string {
	return "dpkg"
}

func (b *DpkgBackend) Detect(rootfs string) (string, bool) {
	return detectFile(rootfs, "var/lib/dpkg/status")
}

func (b *DpkgBackend) Load(ctx context.Context, rootfs, location string) ([]types.Package, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, openError(location, err)
	}
	defer f.Close()

	stanzas, err := parseControl(f)
	if err != nil {
		return nil, malformed(location, "cannot parse status file", err)
	}

	infoDir := filepath.Join(filepath.Dir(location), "info")
	var pkgs []types.Package
	for _, s := range stanzas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := s["Package"]
		if name == "" {
			return nil, malformed(location, "stanza without Package field", nil)
		}
		if !isInstalled(s["Status"]) {
			continue
		}
		arch := s["Architecture"]

		files, err := readDpkgList(infoDir, name, arch)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, types.Package{
			Name:         name,
			Version:      s["Version"],
			Arch:         arch,
			Files:        files,
			InstallOrder: int64(len(pkgs)),
		})
	}
	return pkgs, nil
}

// isInstalled matches the "want ok status" triple of an installed package.
func isInstalled(status string) bool {
	fields := strings.Fields(status)
	return len(fields) == 3 && fields[1] == "ok" && fields[2] == "installed"
}

// readDpkgList reads info/<name>:<arch>.list, falling back to info/<name>.list.
// A package without a list installed no files.
func readDpkgList(infoDir, name, arch string) ([]string, error) {
	candidates := []string{name + ".list"}
	if arch != "" {
		candidates = append([]string{name + ":" + arch + ".list"}, candidates...)
	}

	for _, c := range candidates {
		p := filepath.Join(infoDir, c)
		f, err := os.Open(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, openError(p, err)
		}
		files, err := readLines(f)
		f.Close()
		if err != nil {
			return nil, malformed(p, "cannot read file list", err)
		}
		return files, nil
	}
	return nil, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, CleanPath(line))
	}
	return lines, sc.Err()
}

// parseControl splits a deb822 control file into stanzas. Continuation
// lines are appended to the previous field.
func parseControl(r io.Reader) ([]map[string]string, error) {
	var (
		stanzas []map[string]string
		cur     map[string]string
		last    string
		lineNo  int
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if cur != nil {
				stanzas = append(stanzas, cur)
				cur, last = nil, ""
			}
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if last == "" {
				return nil, fmt.Errorf("line %d: continuation without a field", lineNo)
			}
			cur[last] += "\n" + strings.TrimSpace(line)
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: expected \"Field: value\"", lineNo)
		}
		if cur == nil {
			cur = make(map[string]string)
		}
		last = key
		cur[key] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		stanzas = append(stanzas, cur)
	}
	return stanzas, nil
}
