package main

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
)

const testSourceConfig = `[{"Created": "2023-11-14T22:13:20Z", "Architecture": "amd64", "Os": "linux", "Config": {"Cmd": ["/bin/sh"]}}]`

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func testRootfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/hostname"), []byte("box\n"), 0644))
	return root
}

// execute runs the CLI and returns stdout, stderr and the classified error.
func execute(t *testing.T, vars map[string]string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(env(vars))
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(testSourceConfig))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		return stdout.String(), stderr.String(), classify(err)
	}
	return stdout.String(), stderr.String(), nil
}

func tarNames(t *testing.T, data string) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(strings.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestBuild_Stdout(t *testing.T) {
	root := testRootfs(t)
	stdout, stderr, err := execute(t, nil, "build", "--rootfs", root, "--config-str", testSourceConfig, "--log-format", "json")
	require.NoError(t, err)

	names := tarNames(t, stdout)
	require.NotEmpty(t, names)
	assert.Equal(t, "oci-layout", names[0])
	assert.Equal(t, "index.json", names[len(names)-1])
	assert.Contains(t, stderr, `"message":"Image written"`)
	assert.NotContains(t, stdout, `"message"`)
}

func TestBuild_Reproducible(t *testing.T) {
	root := testRootfs(t)
	args := []string{"build", "--rootfs", root, "--config", "-"}

	a, _, err := execute(t, nil, append(args, "--jobs", "1")...)
	require.NoError(t, err)
	b, _, err := execute(t, nil, append(args, "--jobs", "3")...)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, _, err := execute(t, map[string]string{envSourceDateEpoch: "1000"}, args...)
	require.NoError(t, err)
	d, _, err := execute(t, nil, append(args, "--source-date-epoch", "1000")...)
	require.NoError(t, err)
	assert.Equal(t, c, d)
	assert.NotEqual(t, a, c)
}

func TestBuild_OutputFile(t *testing.T) {
	root := testRootfs(t)
	target := filepath.Join(t.TempDir(), "image.tar")
	stdout, _, err := execute(t, map[string]string{envConfigStr: testSourceConfig},
		"build", "--rootfs", root, "--output", target, "--compression", "zstd", "--compression-level", "3")
	require.NoError(t, err)
	assert.Empty(t, stdout)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	names := tarNames(t, string(data))
	assert.Equal(t, "index.json", names[len(names)-1])
}

func TestBuild_MetricsFile(t *testing.T) {
	root := testRootfs(t)
	metrics := filepath.Join(t.TempDir(), "metrics.prom")
	_, _, err := execute(t, nil, "build", "--rootfs", root, "--config-str", testSourceConfig, "--metrics-file", metrics)
	require.NoError(t, err)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), `pkgchunk_stage_duration_seconds`)
}

func TestBuild_MaxLayerSizeOnly(t *testing.T) {
	root := testRootfs(t)
	stdout, _, err := execute(t, nil, "build", "--rootfs", root, "--config-str", testSourceConfig, "--max-layer-size", "512KiB")
	require.NoError(t, err)
	assert.NotEmpty(t, stdout)

	_, _, err = execute(t, nil, "build", "--rootfs", root, "--config-str", testSourceConfig,
		"--max-layer-size", "512KiB", "--min-layer-size", "1MiB")
	require.Error(t, err)
	assert.Equal(t, pcerrors.ExitUsage, pcerrors.ExitCode(err))
}

func TestBuild_UsageErrors(t *testing.T) {
	root := testRootfs(t)
	tests := []struct {
		name string
		vars map[string]string
		args []string
	}{
		{"missing rootfs", nil, []string{"build", "--config-str", testSourceConfig}},
		{"missing config", nil, []string{"build", "--rootfs", root}},
		{"both configs", nil, []string{"build", "--rootfs", root, "--config", "x.json", "--config-str", "{}"}},
		{"bad epoch flag", nil, []string{"build", "--rootfs", root, "--config-str", testSourceConfig, "--source-date-epoch", "yesterday"}},
		{"bad epoch env", map[string]string{envSourceDateEpoch: "-1"}, []string{"build", "--rootfs", root, "--config-str", testSourceConfig}},
		{"bad size", nil, []string{"build", "--rootfs", root, "--config-str", testSourceConfig, "--max-layer-size", "huge"}},
		{"bad compression", nil, []string{"build", "--rootfs", root, "--config-str", testSourceConfig, "--compression", "lz4"}},
		{"bad log level", map[string]string{envLogLevel: "chatty"}, []string{"build", "--rootfs", root, "--config-str", testSourceConfig}},
		{"unknown command", nil, []string{"push"}},
		{"unknown flag", nil, []string{"build", "--rootfs", root, "--config-str", testSourceConfig, "--push"}},
		{"extra argument", nil, []string{"build", "--rootfs", root, "--config-str", testSourceConfig, "extra"}},
		{"no timestamp", nil, []string{"build", "--rootfs", root, "--config-str", `{"architecture": "amd64"}`}},
		{"empty rootfs", nil, []string{"build", "--rootfs", t.TempDir(), "--config-str", testSourceConfig}},
		{"oci to stdout", nil, []string{"build", "--rootfs", root, "--config-str", testSourceConfig, "--format", "oci"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := execute(t, tt.vars, tt.args...)
			require.Error(t, err)
			assert.Equal(t, pcerrors.ExitUsage, pcerrors.ExitCode(err), err.Error())
			assert.Empty(t, stdout)
		})
	}
}

func TestBuild_BuildSettings(t *testing.T) {
	root := testRootfs(t)
	settings := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("compression: none\nmaxLayers: 8\nlogLevel: warn\n"), 0644))

	opts := &buildOptions{}
	cmd := buildCommand(opts, env(nil))
	require.NoError(t, cmd.ParseFlags([]string{
		"--rootfs", root, "--config-str", testSourceConfig,
		"--build-config", settings, "--max-layers", "4",
	}))

	r, err := opts.resolve(cmd.Flags(), strings.NewReader(""), env(nil))
	require.NoError(t, err)
	assert.Equal(t, types.CompressionNone, r.config.Compression)
	assert.Equal(t, 4, r.config.MaxLayers)
	assert.Equal(t, types.DefaultMaxLayerSize, r.config.MaxLayerSize)
	assert.Zero(t, r.config.MinLayerSize)
	assert.Equal(t, types.DefaultMinLayerSize, r.config.WithDefaults(1).MinLayerSize)
	assert.Equal(t, "warn", r.logLevel)
	assert.Equal(t, "-", r.output)

	r, err = opts.resolve(cmd.Flags(), strings.NewReader(""), env(map[string]string{envLogLevel: "debug"}))
	require.NoError(t, err)
	assert.Equal(t, "debug", r.logLevel)

	r, err = opts.resolve(cmd.Flags(), strings.NewReader(""), env(map[string]string{envSourceDateEpoch: "42"}))
	require.NoError(t, err)
	require.NotNil(t, r.config.SourceDateEpoch)
	assert.Equal(t, int64(42), *r.config.SourceDateEpoch)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, pcerrors.ErrorCategoryCanceled, classify(context.Canceled).Category)
	assert.Equal(t, pcerrors.ErrorCategoryUsage, classify(errors.New("unknown flag: --x")).Category)

	consistency := pcerrors.NewConsistencyError("pack", "/etc/a", "changed")
	assert.Same(t, consistency, classify(consistency))
}
