package pkgdb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bibin-skaria/pkgchunk/internal/types"
)

func init() {
	RegisterBackend(&APKBackend{}, 30)
}

// APKBackend reads the Alpine installed database.
type APKBackend struct{}

func (b *APKBackend) Name() string {
	return "apk"
}

func (b *APKBackend) Detect(rootfs string) (string, bool) {
	return detectFile(rootfs, "lib/apk/db/installed")
}

func (b *APKBackend) Load(ctx context.Context, rootfs, location string) ([]types.Package, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, openError(location, err)
	}
	defer f.Close()

	pkgs, err := parseAPKInstalled(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, malformed(location, "cannot parse installed database", err)
	}
	return pkgs, nil
}

// parseAPKInstalled reads single-letter records. F: sets the current
// directory (owned by the package), R: names a file inside it.
func parseAPKInstalled(ctx context.Context, r io.Reader) ([]types.Package, error) {
	var (
		pkgs   []types.Package
		cur    *types.Package
		dir    string
		lineNo int
	)

	flush := func() error {
		if cur == nil {
			return nil
		}
		if cur.Name == "" {
			return fmt.Errorf("record ending at line %d has no P: field", lineNo)
		}
		cur.InstallOrder = int64(len(pkgs))
		pkgs = append(pkgs, *cur)
		cur, dir = nil, ""
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		lineNo++
		if lineNo%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if len(line) < 2 || line[1] != ':' {
			return nil, fmt.Errorf("line %d: expected \"X:value\"", lineNo)
		}
		if cur == nil {
			cur = &types.Package{}
		}
		value := line[2:]
		switch line[0] {
		case 'P':
			cur.Name = value
		case 'V':
			cur.Version = value
		case 'A':
			cur.Arch = value
		case 'F':
			dir = value
			cur.Files = append(cur.Files, CleanPath(dir))
		case 'R':
			cur.Files = append(cur.Files, CleanPath(dir+"/"+value))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return pkgs, nil
}
