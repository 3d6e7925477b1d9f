package layers

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
	"github.com/bibin-skaria/pkgchunk/scanner"
)

const paxXattrPrefix = "SCHILY.xattr."

// Packer serializes chunks into reproducible layer blobs. A Packer holds no
// mutable state and may be used from several goroutines.
type Packer struct {
	config LayerConfig
}

// NewPacker creates a Packer
func NewPacker(config LayerConfig) *Packer {
	if config.Compression == "" {
		config.Compression = types.CompressionGzip
	}
	// Zero selects the default level, as in BuildConfig.
	if config.CompressionLevel == 0 {
		config.CompressionLevel = types.DefaultCompressionLevel
	}
	config.Timestamp = config.Timestamp.Truncate(time.Second).UTC()
	return &Packer{config: config}
}

// countingWriter counts bytes written through it
type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// CreateLayer streams the chunk through tar, the diffID digester and the
// compressor into a spool file in the work directory. File content is
// re-digested on the way and must match the scanned inventory.
func (p *Packer) CreateLayer(ctx context.Context, chunk *types.Chunk) (_ *Layer, err error) {
	spool, err := os.CreateTemp(p.config.WorkDir, "layer-*.blob")
	if err != nil {
		return nil, pcerrors.NewInputError("spool", "cannot create layer spool file", err)
	}
	defer func() {
		if err != nil {
			spool.Close()
			os.Remove(spool.Name())
		}
	}()

	blobDigester := digest.Canonical.Digester()
	blobCount := &countingWriter{}
	spoolBuf := bufio.NewWriterSize(spool, 1<<20)
	compressedSink := io.MultiWriter(spoolBuf, blobDigester.Hash(), blobCount)

	compressor, err := p.newCompressor(compressedSink)
	if err != nil {
		return nil, NewLayerError("compress", chunk.Label(), err)
	}
	defer func() {
		if err != nil {
			compressor.Close()
		}
	}()

	diffIDDigester := digest.Canonical.Digester()
	tarCount := &countingWriter{}
	tw := tar.NewWriter(io.MultiWriter(compressor, diffIDDigester.Hash(), tarCount))

	for i := range chunk.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.writeEntry(tw, &chunk.Entries[i]); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, NewLayerError("create", chunk.Label(), fmt.Errorf("failed to close tar writer: %w", err))
	}
	if err := compressor.Close(); err != nil {
		return nil, NewLayerError("compress", chunk.Label(), err)
	}
	if err := spoolBuf.Flush(); err != nil {
		return nil, pcerrors.NewInputError("spool", "cannot write layer spool file", err)
	}
	if err := spool.Close(); err != nil {
		return nil, pcerrors.NewInputError("spool", "cannot write layer spool file", err)
	}

	return &Layer{
		Name:             chunk.Name,
		Index:            chunk.Index,
		DiffID:           diffIDDigester.Digest(),
		Digest:           blobDigester.Digest(),
		Size:             blobCount.n,
		UncompressedSize: tarCount.n,
		MediaType:        MediaType(p.config.Compression),
		Annotations:      annotations(chunk),
		Files:            len(chunk.Entries),
		BlobPath:         spool.Name(),
	}, nil
}

func annotations(chunk *types.Chunk) map[string]string {
	a := map[string]string{AnnotationComponent: chunk.Name}
	if chunk.Parts > 1 {
		a[AnnotationPart] = fmt.Sprintf("%d/%d", chunk.Part+1, chunk.Parts)
	}
	return a
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// newCompressor returns a compressor whose output depends only on its input.
func (p *Packer) newCompressor(w io.Writer) (io.WriteCloser, error) {
	switch p.config.Compression {
	case types.CompressionNone:
		return nopWriteCloser{w}, nil
	case types.CompressionGzip:
		// Header name and mtime stay zero.
		return gzip.NewWriterLevel(w, p.config.CompressionLevel)
	case types.CompressionZstd:
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(p.config.CompressionLevel)),
			zstd.WithEncoderConcurrency(1),
		)
	default:
		return nil, fmt.Errorf("unsupported compression type: %v", p.config.Compression)
	}
}

// TarHeader returns the normalized header for an entry.
func TarHeader(e *types.FileEntry, ts time.Time) (*tar.Header, error) {
	hdr := &tar.Header{
		Name:    strings.TrimPrefix(e.Path, "/"),
		Mode:    int64(e.Mode),
		Uid:     e.UID,
		Gid:     e.GID,
		ModTime: ts,
		Format:  tar.FormatPAX,
	}

	switch e.Kind {
	case types.NodeKindFile:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	case types.NodeKindDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case types.NodeKindSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Linkname
	case types.NodeKindSpecial:
		switch e.SpecialType {
		case types.SpecialChar:
			hdr.Typeflag = tar.TypeChar
		case types.SpecialBlock:
			hdr.Typeflag = tar.TypeBlock
		case types.SpecialFifo:
			hdr.Typeflag = tar.TypeFifo
		default:
			return nil, fmt.Errorf("unknown special type %q", e.SpecialType)
		}
		hdr.Devmajor = e.DevMajor
		hdr.Devminor = e.DevMinor
	default:
		return nil, fmt.Errorf("unknown node kind %q", e.Kind)
	}

	if len(e.Xattrs) > 0 {
		hdr.PAXRecords = make(map[string]string, len(e.Xattrs))
		for _, x := range e.Xattrs {
			hdr.PAXRecords[paxXattrPrefix+x.Key] = string(x.Value)
		}
	}
	return hdr, nil
}

func (p *Packer) writeEntry(tw *tar.Writer, e *types.FileEntry) error {
	hdr, err := TarHeader(e, p.config.Timestamp)
	if err != nil {
		return pcerrors.NewInternalError("tar_header", e.Path, err)
	}

	if e.Kind != types.NodeKindFile {
		if err := tw.WriteHeader(hdr); err != nil {
			return NewLayerError("write", e.Path, err)
		}
		return nil
	}

	f, err := scanner.OpenNoFollow(filepath.Join(p.config.Rootfs, e.Path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ELOOP) {
			return pcerrors.NewConsistencyError("pack", e.Path, "file was removed or replaced since it was scanned")
		}
		return pcerrors.NewInputError("pack", "cannot open "+e.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return pcerrors.NewInputError("pack", "cannot stat "+e.Path, err)
	}
	if !info.Mode().IsRegular() {
		return pcerrors.NewConsistencyError("pack", e.Path, "file is no longer a regular file")
	}
	if info.Size() != e.Size {
		return pcerrors.NewConsistencyError("pack", e.Path,
			fmt.Sprintf("size changed since scan: scanned %d bytes, now %d", e.Size, info.Size()))
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return NewLayerError("write", e.Path, err)
	}

	buf := scanner.GetBuffer()
	defer scanner.PutBuffer(buf)

	h := scanner.NewDigester()
	n, err := io.CopyBuffer(io.MultiWriter(tw, h), io.LimitReader(f, e.Size), *buf)
	if err != nil {
		return pcerrors.NewInputError("pack", "cannot read "+e.Path, err)
	}
	if n != e.Size {
		return pcerrors.NewConsistencyError("pack", e.Path,
			fmt.Sprintf("file shrank while packing: expected %d bytes, read %d", e.Size, n))
	}
	if d := scanner.FormatDigest(h); d != e.Digest {
		return pcerrors.NewConsistencyError("pack", e.Path,
			fmt.Sprintf("content changed since scan: scanned %s, packed %s", e.Digest, d))
	}
	return nil
}

// Uncompressed returns a reader over the tar stream of a layer blob.
func Uncompressed(r io.Reader, mediaType string) (io.ReadCloser, error) {
	switch mediaType {
	case MediaType(types.CompressionNone):
		return io.NopCloser(r), nil
	case MediaType(types.CompressionGzip):
		return gzip.NewReader(r)
	case MediaType(types.CompressionZstd):
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported media type: %s", mediaType)
	}
}
