package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/bibin-skaria/pkgchunk/exporters"
	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(os.Getenv).ExecuteContext(ctx)
	stop()
	if err != nil {
		be := classify(err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", be.GetUserFriendlyMessage())
		os.Exit(pcerrors.ExitCode(be))
	}
}

// classify turns errors raised by cobra itself (unknown commands, bad
// arguments) into usage errors. Pipeline errors are already categorized.
func classify(err error) *pcerrors.BuildError {
	var be *pcerrors.BuildError
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.Canceled) {
		return pcerrors.WrapError(err, "")
	}
	return pcerrors.NewUsageError("parse_args", err.Error())
}

// newRootCommand builds the command tree. getenv is consulted once, while
// flags are resolved.
func newRootCommand(getenv func(string) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkgchunk",
		Short: "Rechunk a container root filesystem into package-aligned OCI layers",
		Long: `pkgchunk repackages a mounted container root filesystem into a reproducible
OCI archive whose layers follow installed-package boundaries, so that an
update to one package only changes the layers holding that package.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return pcerrors.NewUsageError("parse_flags", err.Error())
	})

	cmd.AddCommand(newBuildCommand(getenv))
	return cmd
}
