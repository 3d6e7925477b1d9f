package scanner

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/zeebo/blake3"
)

// DigestAlgorithm prefixes every content digest recorded in a FileEntry.
const DigestAlgorithm = "blake3"

// readBufferSize bounds the memory used per file while digesting.
const readBufferSize = 1 << 20

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, readBufferSize)
		return &b
	},
}

// NewDigester returns a hash suitable for FileEntry content digests.
func NewDigester() hash.Hash {
	return blake3.New()
}

// FormatDigest renders the sum of a digester as "blake3:<hex>".
func FormatDigest(h hash.Hash) string {
	return DigestAlgorithm + ":" + hex.EncodeToString(h.Sum(nil))
}

// GetBuffer borrows a read buffer from the shared pool.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer.
func PutBuffer(b *[]byte) {
	bufferPool.Put(b)
}

// OpenNoFollow opens a regular file for reading without following a final symlink.
func OpenNoFollow(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
}

// DigestFile streams a file through the content digester in bounded reads.
func DigestFile(path string) (string, int64, error) {
	f, err := OpenNoFollow(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	buf := GetBuffer()
	defer PutBuffer(buf)

	h := NewDigester()
	n, err := io.CopyBuffer(h, f, *buf)
	if err != nil {
		return "", 0, fmt.Errorf("reading %s: %w", path, err)
	}
	return FormatDigest(h), n, nil
}
