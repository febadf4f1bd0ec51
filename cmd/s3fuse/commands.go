package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/objectfs/s3fuse/internal/adapter"
	"github.com/objectfs/s3fuse/internal/logging"
)

const stopTimeout = 30 * time.Second

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "s3fuse",
		Short: "Mount an S3 bucket as a lazily fetched, read-only filesystem",
		Long: `s3fuse exposes the objects of an S3 bucket as files. Object bytes are fetched
in aligned blocks on first read and kept in a bounded on-disk cache, so repeated
loads of large files such as model weights are served locally.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate("s3fuse version {{.Version}}\n")

	root.AddCommand(newMountCommand(), newVersionCommand())
	return root
}

func newMountCommand() *cobra.Command {
	opts := &mountFlags{}
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount a bucket",
		Long: `Mounts a bucket read-only at the mount point and serves it until interrupted
or unmounted.

Settings are read from defaults, then the --config file, then S3FUSE_*
environment variables, then flags; later sources win.

Examples:
  s3fuse mount --bucket-name weights --mount-point /mnt/weights
  s3fuse mount -b weights -m /mnt/weights --data-dir /var/cache/s3fuse --direct-io`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(cmd, opts)
		},
	}
	opts.register(cmd.Flags())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "s3fuse %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
			fmt.Fprintf(cmd.OutOrStdout(), "  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func runMount(cmd *cobra.Command, opts *mountFlags) error {
	cfg, err := loadConfig(cmd.Flags(), opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Global.LogLevel,
		Format:     cfg.Global.LogFormat,
		OutputPath: cfg.Global.LogFile,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, cfg, logger.Logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}

	if err := a.Start(ctx); err != nil {
		logger.Error("Failed to mount", zap.Error(err))
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
		return err
	}
	logger.Info("Serving; press Ctrl+C to unmount",
		zap.String("mount_point", cfg.Mount.MountPoint),
		zap.String("bucket", cfg.Storage.Bucket))

	select {
	case <-ctx.Done():
		logger.Info("Received signal, unmounting")
	case <-a.Done():
		logger.Info("Filesystem was unmounted externally")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}
