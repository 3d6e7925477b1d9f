package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bibin-skaria/pkgchunk/engine"
	"github.com/bibin-skaria/pkgchunk/exporters"
	"github.com/bibin-skaria/pkgchunk/internal/config"
	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/logging"
	"github.com/bibin-skaria/pkgchunk/internal/types"
)

// Environment variables read while resolving flags
const (
	envSourceDateEpoch = "SOURCE_DATE_EPOCH"
	envLogLevel        = "LOG_LEVEL"
	envConfigStr       = "PKGCHUNK_CONFIG_STR"
)

type buildOptions struct {
	rootfs           string
	configFile       string
	configStr        string
	sourceDateEpoch  string
	componentsFile   string
	compression      string
	compressionLevel int
	minLayerSize     string
	maxLayerSize     string
	maxLayers        int
	jobs             int
	format           string
	output           string
	tag              string
	buildConfig      string
	logLevel         string
	logFormat        string
	metricsFile      string
}

// resolved is everything the build needs, captured once.
type resolved struct {
	config    types.BuildConfig
	output    string
	logLevel  string
	logFormat string
}

func newBuildCommand(getenv func(string) string) *cobra.Command {
	return buildCommand(&buildOptions{}, getenv)
}

func buildCommand(opts *buildOptions, getenv func(string) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Rechunk a root filesystem into an OCI archive",
		Long: `Scan the root filesystem, group its files by owning package and write an OCI
image whose layers follow those groups. The archive goes to standard output
unless --output names a file; diagnostics go to standard error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.resolve(cmd.Flags(), cmd.InOrStdin(), getenv)
			if err != nil {
				return err
			}
			return runBuild(cmd, r)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.rootfs, "rootfs", "", "Mounted root filesystem to rechunk (required)")
	flags.StringVar(&opts.configFile, "config", "", "Source image config or inspect JSON file ('-' for stdin)")
	flags.StringVar(&opts.configStr, "config-str", "", "Source image config or inspect JSON, inline (env "+envConfigStr+")")
	flags.StringVar(&opts.sourceDateEpoch, "source-date-epoch", "", "Build timestamp in seconds since the epoch (env "+envSourceDateEpoch+")")
	flags.StringVar(&opts.componentsFile, "components-file", "", "YAML component definitions used instead of the package database")
	flags.StringVar(&opts.compression, "compression", string(types.CompressionGzip), "Layer compression (gzip, zstd, none)")
	flags.IntVar(&opts.compressionLevel, "compression-level", types.DefaultCompressionLevel, "Compression level, 0 selects the default")
	flags.StringVar(&opts.minLayerSize, "min-layer-size", humanize.IBytes(uint64(types.DefaultMinLayerSize)), "Packages smaller than this go to the misc layer (capped at --max-layer-size unless given)")
	flags.StringVar(&opts.maxLayerSize, "max-layer-size", humanize.IBytes(uint64(types.DefaultMaxLayerSize)), "Components larger than this are split")
	flags.IntVar(&opts.maxLayers, "max-layers", types.DefaultMaxLayers, "Maximum number of layers")
	flags.IntVar(&opts.jobs, "jobs", runtime.NumCPU(), "Concurrent digest and pack workers")
	flags.StringVar(&opts.format, "format", types.DefaultFormat, "Output format ("+strings.Join(exporters.ListExporters(), ", ")+")")
	flags.StringVarP(&opts.output, "output", "o", "-", "Output path, '-' for standard output")
	flags.StringVarP(&opts.tag, "tag", "t", "", "Reference name recorded in the index")
	flags.StringVar(&opts.buildConfig, "build-config", "", "YAML build settings file; explicit flags take precedence")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (env "+envLogLevel+")")
	flags.StringVar(&opts.logFormat, "log-format", logging.FormatText, "Log format (text, json)")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "Write per-stage metrics in Prometheus text format")
	_ = cmd.MarkFlagRequired("rootfs")

	return cmd
}

// resolve merges the settings file, the environment and the flags, in
// increasing order of precedence.
func (o *buildOptions) resolve(flags *pflag.FlagSet, stdin io.Reader, getenv func(string) string) (*resolved, error) {
	r := &resolved{output: o.output}

	var settings config.Settings
	if o.buildConfig != "" {
		s, err := config.Load(o.buildConfig)
		if err != nil {
			return nil, err
		}
		settings = *s
	}
	cfg, err := settings.Apply(types.BuildConfig{})
	if err != nil {
		return nil, err
	}
	cfg.Rootfs = o.rootfs
	cfg.MetricsFile = o.metricsFile

	if flags.Changed("components-file") {
		cfg.ComponentsFile = o.componentsFile
	}
	if flags.Changed("compression") || cfg.Compression == "" {
		cfg.Compression = types.CompressionType(strings.ToLower(o.compression))
	}
	if flags.Changed("compression-level") || cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = o.compressionLevel
	}
	// An unset minimum is left to BuildConfig defaults, which cap it at the
	// maximum.
	if flags.Changed("min-layer-size") {
		if cfg.MinLayerSize, err = parseSizeFlag("min-layer-size", o.minLayerSize); err != nil {
			return nil, err
		}
	}
	if flags.Changed("max-layer-size") || cfg.MaxLayerSize == 0 {
		if cfg.MaxLayerSize, err = parseSizeFlag("max-layer-size", o.maxLayerSize); err != nil {
			return nil, err
		}
	}
	if flags.Changed("max-layers") || cfg.MaxLayers == 0 {
		cfg.MaxLayers = o.maxLayers
	}
	if flags.Changed("jobs") || cfg.Jobs == 0 {
		cfg.Jobs = o.jobs
	}
	if flags.Changed("format") || cfg.Format == "" {
		cfg.Format = o.format
	}
	if flags.Changed("tag") {
		cfg.RefName = o.tag
	}

	epoch := o.sourceDateEpoch
	if !flags.Changed("source-date-epoch") {
		epoch = getenv(envSourceDateEpoch)
	}
	if epoch != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(epoch), 10, 64)
		if err != nil || n < 0 {
			return nil, pcerrors.NewUsageError("resolve_flags", fmt.Sprintf("invalid source date epoch %q", epoch))
		}
		cfg.SourceDateEpoch = &n
	}

	if cfg.SourceConfig, err = o.sourceConfig(stdin, getenv); err != nil {
		return nil, err
	}

	r.logLevel = settings.LogLevel
	if env := getenv(envLogLevel); env != "" {
		r.logLevel = env
	}
	if flags.Changed("log-level") || r.logLevel == "" {
		r.logLevel = o.logLevel
	}
	r.logFormat = settings.LogFormat
	if flags.Changed("log-format") || r.logFormat == "" {
		r.logFormat = o.logFormat
	}

	r.config = cfg
	return r, nil
}

// sourceConfig reads the source image metadata from exactly one of
// --config, --config-str or the environment.
func (o *buildOptions) sourceConfig(stdin io.Reader, getenv func(string) string) ([]byte, error) {
	inline := o.configStr
	if inline == "" {
		inline = getenv(envConfigStr)
	}
	switch {
	case o.configFile != "" && inline != "":
		return nil, pcerrors.NewUsageError("resolve_flags", "--config and --config-str are mutually exclusive")
	case o.configFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, pcerrors.NewInputError("read_config", "cannot read source config from stdin", err)
		}
		return data, nil
	case o.configFile != "":
		data, err := os.ReadFile(o.configFile)
		if err != nil {
			return nil, pcerrors.NewInputError("read_config", fmt.Sprintf("cannot read source config %s", o.configFile), err)
		}
		return data, nil
	case inline != "":
		return []byte(inline), nil
	}
	return nil, pcerrors.NewErrorBuilder().
		Category(pcerrors.ErrorCategoryUsage).
		Operation("resolve_flags").
		Message("no source image config given").
		Suggestion("Pass --config with the output of 'podman inspect', or set " + envConfigStr).
		Build()
}

func parseSizeFlag(name, value string) (int64, error) {
	n, err := config.ParseSize(value)
	if err != nil {
		return 0, pcerrors.NewUsageError("resolve_flags", fmt.Sprintf("invalid --%s %q", name, value))
	}
	return n, nil
}

func runBuild(cmd *cobra.Command, r *resolved) (err error) {
	ctx := cmd.Context()

	logger, err := logging.New(r.logLevel, r.logFormat, cmd.ErrOrStderr())
	if err != nil {
		return pcerrors.NewUsageError("configure_logging", err.Error())
	}
	buildID := uuid.NewString()
	log := logging.WithBuild(logger, buildID)

	var hooks []engine.StageHook
	var metrics *engine.MetricsCollector
	if r.config.MetricsFile != "" {
		metrics = engine.NewMetricsCollector(buildID)
		hooks = append(hooks, metrics)
		defer func() {
			if werr := metrics.WriteTextfile(r.config.MetricsFile); werr != nil {
				log.WithError(werr).Warn("Failed to write metrics file")
			}
		}()
	}

	builder, err := engine.NewBuilder(r.config, log, hooks...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := builder.Cleanup(); cerr != nil {
			log.WithError(cerr).Warn("Failed to clean up work directory")
		}
	}()

	result, err := builder.Build(ctx)
	if err != nil {
		return err
	}

	out := exporters.Output{Path: r.output}
	var stdout *bufio.Writer
	if r.output == "" || r.output == "-" {
		stdout = bufio.NewWriterSize(cmd.OutOrStdout(), 1<<20)
		out = exporters.Output{Writer: stdout}
	}
	if err := builder.Export(ctx, out); err != nil {
		return err
	}
	if stdout != nil {
		if err := stdout.Flush(); err != nil {
			return pcerrors.NewInputError("export", "cannot write archive to standard output", err)
		}
	}

	for _, l := range result.Layers {
		log.WithFields(logrus.Fields{
			"layer":  l.Name,
			"digest": l.Digest,
			"size":   humanize.IBytes(uint64(l.Size)),
			"files":  l.Files,
		}).Info("Layer")
	}
	log.WithFields(logrus.Fields{
		"manifest": result.ManifestDigest,
		"layers":   len(result.Layers),
		"duration": result.Duration,
	}).Info("Image written")
	return nil
}
