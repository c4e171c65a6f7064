package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/pgfeatures/internal/cache/hotness"
	"github.com/mohammed-shakir/pgfeatures/internal/cache/redisstore"
	"github.com/mohammed-shakir/pgfeatures/internal/cache/resultcache"
	"github.com/mohammed-shakir/pgfeatures/internal/core/config"
	"github.com/mohammed-shakir/pgfeatures/internal/core/health"
	"github.com/mohammed-shakir/pgfeatures/internal/core/observability"
	"github.com/mohammed-shakir/pgfeatures/internal/core/router"
	"github.com/mohammed-shakir/pgfeatures/internal/core/server"
	"github.com/mohammed-shakir/pgfeatures/internal/crs"
	"github.com/mohammed-shakir/pgfeatures/internal/filter/celsql"
	"github.com/mohammed-shakir/pgfeatures/internal/invalidation/kafka"
	"github.com/mohammed-shakir/pgfeatures/internal/logger"
	"github.com/mohammed-shakir/pgfeatures/internal/metrics"
	"github.com/mohammed-shakir/pgfeatures/internal/pgstore"
	"github.com/mohammed-shakir/pgfeatures/internal/provider"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	collectionsFlag := flag.String("collections", "", "collections file (overrides COLLECTIONS_FILE)")
	flag.Parse()

	cfg := config.FromEnv()
	if *collectionsFlag != "" {
		cfg.CollectionsFile = strings.TrimSpace(*collectionsFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "featureserver",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting featureserver",
		"addr", cfg.Addr,
		"version", Version,
		"collections_file", cfg.CollectionsFile,
		"cache", cfg.CacheEnabled,
		"invalidation", cfg.Invalidation.Enabled)

	mp := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Path:    os.Getenv("METRICS_PATH"),
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	if !cfg.MetricsEnabled {
		observability.Init(nil, false)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collections, err := config.LoadCollections(cfg.CollectionsFile)
	if err != nil {
		appLog.Error("load collections", "err", err)
		return 1
	}

	compiler, err := celsql.New(cfg.CompilerCacheSize)
	if err != nil {
		appLog.Error("filter compiler setup failed", "err", err)
		return 1
	}

	pools := pgstore.NewPools(appLog, nil)
	defer pools.Close()

	deps := provider.Deps{
		Pools:       pools,
		Descriptors: pgstore.NewDescriptors(appLog, nil),
		Compiler:    compiler,
		CRS:         crs.OrbFactory{},
		Logger:      appLog,
	}
	var checks []health.Check

	var results *resultcache.Cache
	if cfg.CacheEnabled {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis setup failed", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		opts := resultcache.Options{
			TTL:       cfg.CacheTTL,
			OpTimeout: cfg.CacheOpTimeout,
			Logger:    appLog,
		}
		if cfg.CacheHotThreshold > 0 {
			opts.Hot = hotness.New(cfg.CacheHotHalfLife)
			opts.HotThreshold = cfg.CacheHotThreshold
		}
		results = resultcache.New(rc, opts)
		deps.Cache = results
		checks = append(checks, health.Check{Name: "redis", Fn: rc.Ping})
	}

	kcfg := kafka.Config{
		Enabled:    cfg.Invalidation.Enabled,
		Brokers:    kafka.SplitBrokers(cfg.Invalidation.Brokers),
		Topic:      cfg.Invalidation.Topic,
		GroupID:    cfg.Invalidation.GroupID,
		InstanceID: cfg.Invalidation.InstanceID,
	}.WithDefaults()

	if kcfg.Enabled {
		pub, err := kafka.NewPublisher(kcfg, appLog)
		if err != nil {
			appLog.Error("kafka publisher setup failed", "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		deps.Notifier = pub

		if cfg.Invalidation.Consume && results != nil {
			consumer := kafka.NewConsumer(kcfg, results, kafka.Options{
				Logger:   appLog,
				Register: mp.Registerer(),
			})
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("kafka consumer start failed", "err", err)
				return 1
			}
			defer consumer.Stop()
			checks = append(checks, health.ConsumerCheck("kafka", consumer))
		}
	}

	registry := provider.NewRegistry()
	if err := registry.Load(ctx, collections, deps); err != nil {
		appLog.Error("provider setup failed", "err", err)
		return 1
	}
	checks = append([]health.Check{{Name: "postgres", Fn: registry.Ping}}, checks...)

	h := router.New(appLog, router.FromRegistry(registry), router.Limits{
		Default: cfg.DefaultLimit,
		Max:     cfg.MaxLimit,
	})
	handler := server.NewHandler(appLog, h, server.Options{
		Metrics:     mp.Handler(),
		MetricsPath: mp.Path(),
		Ready:       checks,
	})

	if err := server.Run(ctx, appLog, handler, server.Options{
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}); err != nil {
		appLog.Error("server exited", "err", err)
		return 1
	}
	appLog.Info("featureserver stopped")
	return 0
}
