package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bibin-skaria/pkgchunk/components"
	"github.com/bibin-skaria/pkgchunk/exporters"
	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
	"github.com/bibin-skaria/pkgchunk/layers"
	"github.com/bibin-skaria/pkgchunk/manifest"
	"github.com/bibin-skaria/pkgchunk/pkgdb"
	"github.com/bibin-skaria/pkgchunk/scanner"
)

// Builder runs the rechunking pipeline: scan, package database, group,
// pack and assemble. Blobs are spooled in a private work directory until
// Export has written them; Cleanup removes it.
type Builder struct {
	config   types.BuildConfig
	logger   *logrus.Entry
	progress *ProgressTracker
	hook     Hooks
	exporter exporters.Exporter

	workDir string
	image   *manifest.Image
}

// NewBuilder validates config and prepares a builder. Extra hooks observe
// every stage after the built-in progress tracker.
func NewBuilder(config types.BuildConfig, logger *logrus.Entry, hooks ...StageHook) (*Builder, error) {
	config = config.WithDefaults(runtime.NumCPU())
	if err := config.Validate(); err != nil {
		return nil, pcerrors.NewErrorBuilder().
			Category(pcerrors.ErrorCategoryUsage).
			Operation("configure").
			Message(err.Error()).
			Build()
	}

	exporter, err := exporters.GetExporter(config.Format)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	progress := NewProgressTracker(logger)

	return &Builder{
		config:   config,
		logger:   logger,
		progress: progress,
		hook:     append(Hooks{progress}, hooks...),
		exporter: exporter,
	}, nil
}

// Config returns the effective configuration, defaults applied.
func (b *Builder) Config() types.BuildConfig {
	return b.config
}

// Progress returns the builder's progress tracker.
func (b *Builder) Progress() *ProgressTracker {
	return b.progress
}

// Build runs every stage up to and including assembly. Nothing is written to
// the output; on failure the work directory is already removed.
func (b *Builder) Build(ctx context.Context) (_ *types.BuildResult, err error) {
	start := time.Now()

	source, err := manifest.ParseSourceImage(b.config.SourceConfig)
	if err != nil {
		return nil, pcerrors.WrapError(err, "config")
	}
	var override *time.Time
	if ts, ok := b.config.Timestamp(); ok {
		override = &ts
	}
	timestamp, err := manifest.ResolveTimestamp(override, source)
	if err != nil {
		return nil, pcerrors.WrapError(err, "config")
	}

	if err := b.Cleanup(); err != nil {
		return nil, err
	}
	b.workDir, err = os.MkdirTemp(b.config.WorkDir, "pkgchunk-")
	if err != nil {
		return nil, pcerrors.NewInputError("workdir", "cannot create work directory", err)
	}
	defer func() {
		if err != nil {
			b.Cleanup()
		}
	}()

	b.logger.WithFields(logrus.Fields{
		"rootfs":    b.config.Rootfs,
		"timestamp": timestamp.Format(time.RFC3339),
		"jobs":      b.config.Jobs,
	}).Info("Starting build")

	var entries []types.FileEntry
	err = runStage(b.hook, StageScan, func() error {
		var err error
		entries, err = scanner.Scan(ctx, b.config.Rootfs, scanner.Options{
			Jobs:   b.config.Jobs,
			Logger: b.logger,
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return pcerrors.NewUsageError("scan", fmt.Sprintf("root filesystem %s is empty", b.config.Rootfs))
		}
		return nil
	})
	if err != nil {
		return nil, pcerrors.WrapError(err, StageScan)
	}

	var db pkgdb.Database
	err = runStage(b.hook, StagePkgDB, func() error {
		var err error
		db, err = b.openDatabase(ctx, entries)
		return err
	})
	if err != nil {
		return nil, pcerrors.WrapError(err, StagePkgDB)
	}

	var chunks []types.Chunk
	err = runStage(b.hook, StageGroup, func() error {
		var err error
		chunks, err = components.Group(entries, db, components.Options{
			MinSize:   b.config.MinLayerSize,
			MaxSize:   b.config.MaxLayerSize,
			MaxLayers: b.config.MaxLayers,
		})
		return err
	})
	if err != nil {
		return nil, pcerrors.WrapError(err, StageGroup)
	}

	var packed []*layers.Layer
	err = runStage(b.hook, StagePack, func() error {
		var err error
		packed, err = b.pack(ctx, chunks, timestamp)
		return err
	})
	if err != nil {
		return nil, pcerrors.WrapError(err, StagePack)
	}

	err = runStage(b.hook, StageAssemble, func() error {
		generator := manifest.NewGenerator(&manifest.GeneratorOptions{
			Timestamp:      timestamp,
			IncludeHistory: true,
			RefName:        b.config.RefName,
		})
		var err error
		b.image, err = generator.Assemble(source, packed)
		return err
	})
	if err != nil {
		return nil, pcerrors.WrapError(err, StageAssemble)
	}

	result := b.summarize(entries, db, timestamp)
	result.Duration = time.Since(start).Round(time.Millisecond).String()
	b.logger.WithFields(logrus.Fields{
		"layers":   len(result.Layers),
		"files":    result.Files,
		"content":  humanize.IBytes(uint64(result.ContentSize)),
		"manifest": result.ManifestDigest,
	}).Info("Build completed")
	return result, nil
}

// openDatabase loads the package database. A missing or unreadable
// database degrades to a single layer; anything else is fatal.
func (b *Builder) openDatabase(ctx context.Context, entries []types.FileEntry) (pkgdb.Database, error) {
	paths := make([]string, len(entries))
	for i := range entries {
		paths[i] = entries[i].Path
	}

	db, err := pkgdb.Open(ctx, b.config.Rootfs, paths, pkgdb.Options{
		ComponentsFile: b.config.ComponentsFile,
		Logger:         b.logger,
	})
	if errors.Is(err, pkgdb.ErrNotFound) || errors.Is(err, pkgdb.ErrUnreadable) {
		warning := pcerrors.NewErrorBuilder().
			Severity(pcerrors.ErrorSeverityWarning).
			Operation("open_database").
			Messagef("%v, emitting a single %s layer", err, types.RootfsChunkName).
			Suggestion("Pass --components-file to group files without a package database").
			Build()
		b.logger.WithField("backends", pkgdb.ListBackends()).Warn(warning.Error())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b.logger.WithFields(logrus.Fields{
		"backend":  db.Backend(),
		"packages": len(db.Packages()),
	}).Info("Loaded package database")
	return db, nil
}

// pack serializes chunks concurrently. Results are stored by chunk index so
// layer order never depends on completion order.
func (b *Builder) pack(ctx context.Context, chunks []types.Chunk, timestamp time.Time) ([]*layers.Layer, error) {
	packer := layers.NewPacker(layers.LayerConfig{
		Rootfs:           b.config.Rootfs,
		WorkDir:          b.workDir,
		Compression:      b.config.Compression,
		CompressionLevel: b.config.CompressionLevel,
		Timestamp:        timestamp,
	})
	b.progress.SetLayerTotal(len(chunks))

	results := make([]*layers.Layer, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.Jobs)
	for i := range chunks {
		i := i
		g.Go(func() error {
			layer, err := packer.CreateLayer(gctx, &chunks[i])
			if err != nil {
				return err
			}
			results[i] = layer
			b.hook.LayerPacked(layer)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A worker torn down by the caller's cancellation reports that, not
		// the error of whichever sibling noticed first.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return results, nil
}

func (b *Builder) summarize(entries []types.FileEntry, db pkgdb.Database, timestamp time.Time) *types.BuildResult {
	result := &types.BuildResult{
		Success:        true,
		Files:          len(entries),
		ManifestDigest: b.image.Manifest.Descriptor.Digest.String(),
		Created:        timestamp,
		Layers:         make([]types.LayerSummary, len(b.image.Layers)),
	}
	if db != nil {
		result.Backend = db.Backend()
	}
	for i := range entries {
		result.ContentSize += entries[i].ContentSize()
	}
	for i, l := range b.image.Layers {
		name := l.Name
		if part, ok := l.Annotations[layers.AnnotationPart]; ok {
			name = fmt.Sprintf("%s (%s)", l.Name, part)
		}
		result.Layers[i] = types.LayerSummary{
			Name:             name,
			Digest:           l.Digest.String(),
			DiffID:           l.DiffID.String(),
			Size:             l.Size,
			UncompressedSize: l.UncompressedSize,
			Files:            l.Files,
		}
	}
	return result
}

// Image returns the assembled image, or nil before a successful Build.
func (b *Builder) Image() *manifest.Image {
	return b.image
}

// Export writes the assembled image to out in the configured format.
func (b *Builder) Export(ctx context.Context, out exporters.Output) error {
	if b.image == nil {
		return pcerrors.NewInternalError("export", "export called before a successful build", nil)
	}
	err := runStage(b.hook, StageExport, func() error {
		return b.exporter.Export(ctx, b.image, out)
	})
	if err != nil {
		return pcerrors.WrapError(err, StageExport)
	}
	return nil
}

// Cleanup removes the work directory and the spooled blobs in it.
func (b *Builder) Cleanup() error {
	if b.workDir == "" {
		return nil
	}
	dir := b.workDir
	b.workDir = ""
	b.image = nil
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove work directory: %w", err)
	}
	return nil
}
