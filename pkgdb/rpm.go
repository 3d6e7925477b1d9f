package pkgdb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bibin-skaria/pkgchunk/internal/types"
)

// rpm header tags
const (
	rpmTagName        = 1000
	rpmTagVersion     = 1001
	rpmTagRelease     = 1002
	rpmTagEpoch       = 1003
	rpmTagInstallTime = 1008
	rpmTagArch        = 1022
	rpmTagDirIndexes  = 1116
	rpmTagBasenames   = 1117
	rpmTagDirnames    = 1118
)

// rpm header data types
const (
	rpmTypeInt32       = 4
	rpmTypeString      = 6
	rpmTypeStringArray = 8
	rpmTypeI18NString  = 9
)

const rpmEntrySize = 16

func init() {
	RegisterBackend(&RPMBackend{}, 10)
}

// RPMBackend reads the sqlite rpmdb used by rpm 4.16 and later.
type RPMBackend struct{}

func (b *RPMBackend) Name() string {
	return "rpm"
}

func (b *RPMBackend) Detect(rootfs string) (string, bool) {
	return detectFile(rootfs,
		"usr/lib/sysimage/rpm/rpmdb.sqlite",
		"var/lib/rpm/rpmdb.sqlite",
	)
}

func (b *RPMBackend) Load(ctx context.Context, rootfs, location string) ([]types.Package, error) {
	// sqlite reports permission problems only as a generic open failure.
	f, err := os.Open(location)
	if err != nil {
		return nil, openError(location, err)
	}
	f.Close()

	db, err := sql.Open("sqlite3", "file:"+location+"?mode=ro&immutable=1")
	if err != nil {
		return nil, openError(location, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SELECT hnum, blob FROM Packages ORDER BY hnum")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, malformed(location, "cannot query Packages table", err)
	}
	defer rows.Close()

	type record struct {
		pkg         types.Package
		installTime int64
		hnum        int64
	}
	var records []record

	for rows.Next() {
		var hnum int64
		var blob []byte
		if err := rows.Scan(&hnum, &blob); err != nil {
			return nil, malformed(location, "cannot read package row", err)
		}
		h, err := parseRPMHeader(blob)
		if err != nil {
			return nil, malformed(location, fmt.Sprintf("bad header blob for record %d", hnum), err)
		}
		pkg, installTime, err := h.toPackage()
		if err != nil {
			return nil, malformed(location, fmt.Sprintf("bad header for record %d", hnum), err)
		}
		records = append(records, record{pkg: pkg, installTime: installTime, hnum: hnum})
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, malformed(location, "cannot iterate Packages table", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].installTime != records[j].installTime {
			return records[i].installTime < records[j].installTime
		}
		return records[i].hnum < records[j].hnum
	})

	pkgs := make([]types.Package, len(records))
	for i, r := range records {
		r.pkg.InstallOrder = int64(i)
		pkgs[i] = r.pkg
	}
	return pkgs, nil
}

type rpmEntry struct {
	tag    int32
	typ    uint32
	offset int32
	count  uint32
}

type rpmHeader struct {
	entries map[int32]rpmEntry
	data    []byte
}

// parseRPMHeader decodes an rpm header blob as stored in rpmdb.sqlite:
// big-endian entry count and data length, the index entries, then the data
// store.
func parseRPMHeader(blob []byte) (*rpmHeader, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("header too short: %d bytes", len(blob))
	}
	il := binary.BigEndian.Uint32(blob[0:4])
	dl := binary.BigEndian.Uint32(blob[4:8])

	indexEnd := uint64(8) + uint64(il)*rpmEntrySize
	if indexEnd+uint64(dl) > uint64(len(blob)) {
		return nil, fmt.Errorf("header claims %d entries and %d data bytes, blob has %d bytes", il, dl, len(blob))
	}

	h := &rpmHeader{
		entries: make(map[int32]rpmEntry, il),
		data:    blob[indexEnd : indexEnd+uint64(dl)],
	}
	for i := uint64(0); i < uint64(il); i++ {
		e := blob[8+i*rpmEntrySize : 8+(i+1)*rpmEntrySize]
		entry := rpmEntry{
			tag:    int32(binary.BigEndian.Uint32(e[0:4])),
			typ:    binary.BigEndian.Uint32(e[4:8]),
			offset: int32(binary.BigEndian.Uint32(e[8:12])),
			count:  binary.BigEndian.Uint32(e[12:16]),
		}
		if entry.offset < 0 || int(entry.offset) > len(h.data) {
			return nil, fmt.Errorf("tag %d offset %d out of range", entry.tag, entry.offset)
		}
		h.entries[entry.tag] = entry
	}
	return h, nil
}

func (h *rpmHeader) strings(tag int32) ([]string, bool, error) {
	e, ok := h.entries[tag]
	if !ok {
		return nil, false, nil
	}
	switch e.typ {
	case rpmTypeString, rpmTypeStringArray, rpmTypeI18NString:
	default:
		return nil, true, fmt.Errorf("tag %d has type %d, want a string type", tag, e.typ)
	}
	n := e.count
	if e.typ == rpmTypeString {
		n = 1
	}
	// Every string takes at least its NUL terminator.
	if uint64(n) > uint64(len(h.data)-int(e.offset)) {
		return nil, true, fmt.Errorf("tag %d: %d strings overrun data store", tag, n)
	}
	out := make([]string, 0, n)
	pos := int(e.offset)
	for i := uint32(0); i < n; i++ {
		end := pos
		for end < len(h.data) && h.data[end] != 0 {
			end++
		}
		if end >= len(h.data) {
			return nil, true, fmt.Errorf("tag %d: unterminated string", tag)
		}
		out = append(out, string(h.data[pos:end]))
		pos = end + 1
	}
	return out, true, nil
}

func (h *rpmHeader) str(tag int32) (string, error) {
	s, ok, err := h.strings(tag)
	if err != nil || !ok || len(s) == 0 {
		return "", err
	}
	return s[0], nil
}

func (h *rpmHeader) int32s(tag int32) ([]int32, bool, error) {
	e, ok := h.entries[tag]
	if !ok {
		return nil, false, nil
	}
	if e.typ != rpmTypeInt32 {
		return nil, true, fmt.Errorf("tag %d has type %d, want int32", tag, e.typ)
	}
	end := uint64(e.offset) + uint64(e.count)*4
	if end > uint64(len(h.data)) {
		return nil, true, fmt.Errorf("tag %d: %d values overrun data store", tag, e.count)
	}
	out := make([]int32, e.count)
	for i := range out {
		p := int(e.offset) + i*4
		out[i] = int32(binary.BigEndian.Uint32(h.data[p : p+4]))
	}
	return out, true, nil
}

func (h *rpmHeader) toPackage() (types.Package, int64, error) {
	var pkg types.Package

	name, err := h.str(rpmTagName)
	if err != nil {
		return pkg, 0, err
	}
	if name == "" {
		return pkg, 0, fmt.Errorf("missing package name")
	}
	version, err := h.str(rpmTagVersion)
	if err != nil {
		return pkg, 0, err
	}
	release, err := h.str(rpmTagRelease)
	if err != nil {
		return pkg, 0, err
	}
	arch, err := h.str(rpmTagArch)
	if err != nil {
		return pkg, 0, err
	}

	evr := version
	if release != "" {
		evr += "-" + release
	}
	if epoch, ok, err := h.int32s(rpmTagEpoch); err != nil {
		return pkg, 0, err
	} else if ok && len(epoch) > 0 && epoch[0] != 0 {
		evr = strconv.Itoa(int(epoch[0])) + ":" + evr
	}

	var installTime int64
	if t, ok, err := h.int32s(rpmTagInstallTime); err != nil {
		return pkg, 0, err
	} else if ok && len(t) > 0 {
		installTime = int64(uint32(t[0]))
	}

	files, err := h.files()
	if err != nil {
		return pkg, 0, err
	}

	pkg = types.Package{
		Name:    name,
		Version: evr,
		Arch:    arch,
		Files:   files,
	}
	return pkg, installTime, nil
}

// files joins DIRNAMES[DIRINDEXES[i]] with BASENAMES[i].
func (h *rpmHeader) files() ([]string, error) {
	basenames, ok, err := h.strings(rpmTagBasenames)
	if err != nil || !ok {
		return nil, err
	}
	dirnames, _, err := h.strings(rpmTagDirnames)
	if err != nil {
		return nil, err
	}
	dirIndexes, _, err := h.int32s(rpmTagDirIndexes)
	if err != nil {
		return nil, err
	}
	if len(dirIndexes) != len(basenames) {
		return nil, fmt.Errorf("%d basenames but %d dir indexes", len(basenames), len(dirIndexes))
	}

	files := make([]string, len(basenames))
	for i, base := range basenames {
		di := dirIndexes[i]
		if di < 0 || int(di) >= len(dirnames) {
			return nil, fmt.Errorf("dir index %d out of range", di)
		}
		files[i] = CleanPath(dirnames[di] + base)
	}
	return files, nil
}
