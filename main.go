package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"golang.org/x/sync/errgroup"

	"github.com/tjjh89017/ezio/internal/config"
	"github.com/tjjh89017/ezio/internal/daemon"
	"github.com/tjjh89017/ezio/internal/diskio"
	"github.com/tjjh89017/ezio/internal/logger"
	"github.com/tjjh89017/ezio/internal/repository"
	"github.com/tjjh89017/ezio/internal/service"
)

const statusInterval = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	listen := flag.String("listen", "", "Control API listen address (overrides config)")
	version := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *version {
		fmt.Printf("ezio %s\n", daemon.Version)
		return
	}

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Error reading config: %v\n", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	err = logger.InitLogging(cfg.Debug || *debug, cfg.LogPath)
	if err != nil {
		log.Fatalf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	dataDir := filepath.Join(xdg.DataHome, "ezio")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("Error creating data directory: %v\n", err)
	}

	repo, err := repository.NewBboltRepository(filepath.Join(dataDir, "ezio.db"))
	if err != nil {
		log.Fatalf("Error creating repository: %v\n", err)
	}
	defer repo.Close()

	engine := diskio.New(nil, diskio.Settings{
		CacheEntries: cfg.Disk.CacheEntries(),
		PoolBytes:    cfg.Disk.PoolSizeMB * 1024 * 1024,
		AIOThreads:   cfg.Disk.AIOThreads,
		DirectIO:     cfg.Disk.DirectIO,
	})

	d, err := daemon.New(cfg, engine, repo)
	if err != nil {
		log.Fatalf("Error starting daemon: %v\n", err)
	}

	svc := service.New(d, cfg.Listen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		d.Stop()
	}()

	var g errgroup.Group
	g.Go(func() error {
		err := svc.Start()
		if err != nil {
			d.Stop()
		}
		return err
	})
	g.Go(func() error {
		d.Wait(statusInterval)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return svc.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	d.Close()
}
