package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cachesweep/internal/cachesweep"
)

type flags struct {
	config   string
	cacheDir string
	logLevel string
	clearAll bool
	fileInfo string
	format   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := new(flags)
	cmd := &cobra.Command{
		Use:   "cachesweep",
		Short: "HTTP cache maintenance daemon.",
		Long: "cachesweep keeps a shared HTTP cache directory within its size budget.\n" +
			"Without flags it runs as a daemon and listens for notifications from cache writers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
		SilenceUsage: true,
	}
	fs := cmd.Flags()
	fs.StringVarP(&f.config, "config", "c", getenvDefault("CACHESWEEP_CONFIG", ""), "config file")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "cache directory, overrides cache_dir")
	fs.StringVar(&f.logLevel, "log-level", "", "log level, overrides log.level")
	fs.BoolVar(&f.clearAll, "clear-all", false, "empty the cache and exit")
	fs.StringVar(&f.fileInfo, "file-info", "", "display information about the named cache file and exit")
	fs.StringVar(&f.format, "format", "text", "output format for --file-info: text or yaml")
	cmd.MarkFlagsMutuallyExclusive("clear-all", "file-info")
	return cmd
}

func run(cmd *cobra.Command, f *flags) error {
	src := cachesweep.NewConfigSource(f.config)
	if f.cacheDir != "" {
		src.Override("cache_dir", f.cacheDir)
	}
	if f.logLevel != "" {
		src.Override("log.level", f.logLevel)
	}
	cfg, err := src.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := cachesweep.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	switch {
	case f.fileInfo != "":
		return cachesweep.PrintFileInfo(cmd.OutOrStdout(), cfg.CacheDir, f.fileInfo, f.format)

	case f.clearAll:
		if err := os.MkdirAll(cfg.CacheDir, 0700); err != nil {
			return err
		}
		_, err := cachesweep.ClearAll(cfg.CacheDir, logger)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := cachesweep.NewDaemon(cfg, logger)
	src.Watch(logger, func(c cachesweep.Config) { d.Resize(c.MaxBytes()) })

	err = d.Run(ctx)
	if errors.Is(err, cachesweep.ErrAlreadyRunning) {
		logger.Info("already running, exiting", zap.Error(err))
		return nil
	}
	return err
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
