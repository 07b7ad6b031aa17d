package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/offline-tile-cache/internal/cache"
	"github.com/mohammed-shakir/offline-tile-cache/internal/cache/boltstore"
	"github.com/mohammed-shakir/offline-tile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/core/server"
	"github.com/mohammed-shakir/offline-tile-cache/internal/fetcher"
	"github.com/mohammed-shakir/offline-tile-cache/internal/logger"
	"github.com/mohammed-shakir/offline-tile-cache/internal/manager"
	h3mapper "github.com/mohammed-shakir/offline-tile-cache/internal/mapper/h3"
	"github.com/mohammed-shakir/offline-tile-cache/internal/metrics"
	"github.com/mohammed-shakir/offline-tile-cache/pkg/invalidation/kafka"
)

var Version = "dev"

type storage interface {
	cache.DiskStore
	cache.ConfigStore
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	os.Exit(run())
}

func run() int {
	offline := flag.Bool("offline", false, "serve cached tiles only, never fetch")
	flag.Parse()

	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "tilecached",
		Style:     cfg.MapStyle,
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting tile cache",
		"addr", cfg.Addr,
		"version", Version,
		"disk_driver", cfg.DiskDriver,
		"style", cfg.MapStyle)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if cfg.MetricsEnabled {
		p := metrics.New(metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		})
		reg = p.Registerer()
		go func() {
			if err := p.Serve(ctx, cfg.MetricsAddr, appLog); err != nil {
				appLog.Error("metrics server exited", "err", err)
			}
		}()
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		appLog.Error("storage setup failed", "driver", cfg.DiskDriver, "err", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLog.Warn("storage close", "err", err)
		}
	}()

	policy := cfg.Cache
	if saved, ok, err := store.LoadConfig(ctx); err != nil {
		appLog.Warn("stored cache policy unreadable, using environment", "err", err)
	} else if ok {
		policy = saved
		appLog.Info("restored cache policy", "max_memory_tiles", policy.MaxMemoryTiles, "max_disk_size", policy.MaxDiskSize)
	}

	opts := manager.Options{
		Logger:      appLog,
		ConfigStore: store,
		Style:       cfg.MapStyle,
		WarmWorkers: cfg.WarmWorkers,
	}
	if !*offline {
		f, err := fetcher.New(httpclient.NewOutbound(cfg.FetchTimeout), cfg.TileURLTemplate, "offline-tile-cache/"+Version)
		if err != nil {
			appLog.Error("tile fetcher setup failed", "err", err)
			return 1
		}
		opts.Fetcher = f
	}

	mgr, err := manager.New(policy, store, opts)
	if err != nil {
		appLog.Error("cache manager setup failed", "err", err)
		return 1
	}

	inv := kafka.New(kafka.FromEnv(), mgr, h3mapper.New(), kafka.Options{Logger: appLog, Register: reg})
	if err := inv.Start(ctx); err != nil {
		appLog.Error("invalidation runner failed to start", "err", err)
		return 1
	}
	defer inv.Stop()

	if err := server.Run(ctx, cfg, appLog, server.Deps{
		Cache:    mgr,
		Storage:  store,
		Consumer: inv,
	}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func openStorage(ctx context.Context, cfg config.Config) (storage, error) {
	switch cfg.DiskDriver {
	case "bolt":
		return boltstore.Open(cfg.BoltPath, boltstore.WithOpenTimeout(5*time.Second))
	case "redis":
		return redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPrefix, cfg.MapStyle)
	default:
		return nil, fmt.Errorf("unknown disk driver %q", cfg.DiskDriver)
	}
}
