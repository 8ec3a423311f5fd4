package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fatfuse/internal/config"
	"fatfuse/internal/discovery"
	"fatfuse/internal/fatfs"
	"fatfuse/internal/fatlib/diskfat"
	"fatfuse/internal/fs"
	"fatfuse/internal/logging"
	"fatfuse/internal/metrics"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	logger = logging.GetLogger()
)

func main() {
	flags := pflag.NewFlagSet("fatfuse", pflag.ExitOnError)
	configPath := flags.String("config", "", "YAML configuration file")
	writeConfig := flags.String("write-config", "", "Write the effective configuration to this file and exit")
	verbose := flags.BoolP("verbose", "v", false, "Enable verbose logging")
	config.AddFlags(flags)
	_ = flags.Parse(os.Args[1:])

	if *verbose {
		logger.SetLevel(logging.LevelDebug)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		logger.Error("Invalid command line: %v", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.LogLevel = logging.LevelDebug.String()
	}

	if *writeConfig != "" {
		if err := cfg.Save(*writeConfig); err != nil {
			logger.Error("Failed to write configuration: %v", err)
			os.Exit(1)
		}
		logger.Info("Configuration written to %s", *writeConfig)
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)
	if err := logger.SetFormat(cfg.LogFormat); err != nil {
		logger.Error("Invalid log format: %v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	logger.Info("Clean shutdown complete")
}

func run(cfg *config.Config) error {
	logger.Info("Starting fatfuse...")
	logger.Debug("Mount point: %s", cfg.Mountpoint)

	logger.Debug("Setting up signal handlers...")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device, partition := cfg.Device, cfg.Partition
	if device == "" {
		logger.Info("Searching %s for partition type %s", cfg.DeviceDir, cfg.PartitionType)
		m, err := discovery.NewScanner(cfg.MaxCandidates).Find(ctx, cfg.DeviceDir, cfg.PartitionGUID())
		if err != nil {
			return err
		}
		logger.Info("Found %s partition %d (%d bytes at offset %d)", m.Path, m.Partition, m.Size, m.Start)
		device, partition = m.Path, m.Partition
	}

	lib, err := diskfat.Open(filepath.Clean(device), partition, cfg.ReadOnly)
	if err != nil {
		return err
	}

	flushMetrics := metrics.New()
	vol, err := fatfs.Mount(lib, fatfs.Options{
		FlushWindow: cfg.FlushWindow,
		ReadOnly:    cfg.ReadOnly,
		Observer:    flushMetrics,
	})
	if err != nil {
		if uerr := lib.Unmount(); uerr != nil {
			logger.Warn("Closing device after failed mount: %v", uerr)
		}
		return err
	}
	flushMetrics.Track(vol)
	defer func() {
		if err := vol.ShutDown(); err != nil {
			logger.Error("Volume shutdown failed: %v", err)
		}
	}()

	mountPoint := filepath.Clean(cfg.Mountpoint)
	vfs := fs.New(vol)
	logger.Info("Mounting filesystem...")
	if err := vfs.Mount(mountPoint, fs.MountOptions{AllowOther: cfg.AllowOther}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	logger.Debug("Starting FUSE server...")
	g.Go(func() error {
		// An external unmount ends Serve, which stops everything else.
		defer stop()
		logger.Info("Serving filesystem...")
		err := vfs.Serve()
		logger.Debug("FUSE server stopped")
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := vfs.Unmount(mountPoint); err != nil {
			logger.Debug("Unmount after stop: %v", err)
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(flushMetrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Serving metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Filesystem mounted and ready")
	return g.Wait()
}

func metricsMux(m *metrics.Flush) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}
