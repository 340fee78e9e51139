// cirrusd is the cirrus daemon — the local control plane for VM
// lifecycle management.
//
// It listens on a unix socket and provides an HTTP API for launching,
// stopping, and inspecting instances backed by libvirt.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/cirrus/internal/api"
	"github.com/xfeldman/cirrus/internal/config"
	"github.com/xfeldman/cirrus/internal/daemon"
	"github.com/xfeldman/cirrus/internal/libvirt"
	"github.com/xfeldman/cirrus/internal/stub"
	"github.com/xfeldman/cirrus/internal/vault"
	"github.com/xfeldman/cirrus/internal/version"
	"github.com/xfeldman/cirrus/internal/vm"
	"github.com/xfeldman/cirrus/internal/workflow"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("cirrusd failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg := config.DefaultConfig()
	if backend := os.Getenv("CIRRUS_BACKEND"); backend != "" {
		cfg.Backend = backend
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	log.Info("cirrusd starting",
		zap.String("version", version.Version()),
		zap.String("backend", cfg.Backend),
		zap.String("data_dir", cfg.DataDir))

	var factory vm.Factory
	switch cfg.Backend {
	case "libvirt":
		lf, err := libvirt.Connect(log, cfg.LibvirtSocket, cfg.StoragePool)
		if err != nil {
			return fmt.Errorf("connect to libvirt: %w", err)
		}
		defer lf.Close()
		factory = lf
	case "stub":
		factory = stub.NewFactory()
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	imageVault, err := vault.New(log, cfg.ImageCacheDir, cfg.VaultDBPath)
	if err != nil {
		return fmt.Errorf("open image vault: %w", err)
	}
	defer imageVault.Close()

	workflows := workflow.NewProvider(log, cfg.WorkflowURL, cfg.WorkflowArchiveDir, cfg.WorkflowTTL)

	d, err := daemon.New(cfg, log, factory, imageVault, workflows, daemon.NewNameGenerator())
	if err != nil {
		return fmt.Errorf("init daemon: %w", err)
	}

	server := api.NewServer(cfg, log, d)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	pidPath := cfg.DataDir + "/cirrusd.pid"
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Info("cirrusd ready",
		zap.Int("pid", os.Getpid()),
		zap.String("socket", cfg.SocketPath))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	os.Remove(cfg.SocketPath)

	log.Info("cirrusd stopped")
	return nil
}
