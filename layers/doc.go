// Package layers serializes chunks of a scanned root filesystem into
// reproducible OCI layer blobs.
//
// A Packer writes each chunk as a PAX tar stream, compresses it and spools
// the blob to a work directory while computing both digests the image needs:
//
//   - the diffID, over the uncompressed tar stream
//   - the blob digest, over the compressed bytes
//
// # Reproducibility
//
// Every byte of a layer is a function of the chunk and the build timestamp:
//
//	packer := NewPacker(LayerConfig{
//		Rootfs:      "/mnt/rootfs",
//		WorkDir:     workDir,
//		Compression: types.CompressionGzip,
//		Timestamp:   time.Unix(1700000000, 0),
//	})
//
//	layer, err := packer.CreateLayer(ctx, &chunk)
//
// Headers carry the build timestamp as mtime and no access or change time,
// numeric ownership with empty user and group names, and extended attributes
// as SCHILY.xattr PAX records. Gzip streams have no name and a zero mtime;
// zstd streams are produced by a single encoder goroutine.
//
// # Consistency
//
// File content is re-read from the root filesystem while packing and
// digested again. A file that changed size, content or type since the scan
// fails the build with a consistency error rather than producing a layer
// that disagrees with the inventory.
//
// # Supported Compression Types
//
//   - none: application/vnd.oci.image.layer.v1.tar
//   - gzip: application/vnd.oci.image.layer.v1.tar+gzip (default)
//   - zstd: application/vnd.oci.image.layer.v1.tar+zstd
package layers
