package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cartogrid/tileserv/internal/coordinator"
	"github.com/cartogrid/tileserv/internal/core/config"
	"github.com/cartogrid/tileserv/internal/core/httpclient"
	"github.com/cartogrid/tileserv/internal/core/observability"
	"github.com/cartogrid/tileserv/internal/core/server"
	"github.com/cartogrid/tileserv/internal/invalidation/kafkaconsumer"
	"github.com/cartogrid/tileserv/internal/layers"
	"github.com/cartogrid/tileserv/internal/logger"
	"github.com/cartogrid/tileserv/internal/metrics"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "path to the layers config file")
	flag.Parse()

	cfg := config.FromEnv()
	if *configFlag != "" {
		cfg.ConfigPath = strings.TrimSpace(*configFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "tileserv",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting tileserv",
		"addr", cfg.Addr,
		"version", Version,
		"config", cfg.ConfigPath)

	layersCfg, err := layers.LoadFile(cfg.ConfigPath)
	if err != nil {
		appLog.Error("failed to load layers config", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := layers.Build(ctx, layersCfg, httpclient.NewOutbound(), appLog)
	if err != nil {
		appLog.Error("failed to build layers", "err", err)
		return 1
	}
	defer registry.Close()

	coord := coordinator.New(registry, coordinator.Options{
		WaitTimeout:  cfg.WaitTimeout,
		PollInterval: cfg.PollInterval,
	}, appLog)

	if kcfg := kafkaconsumer.FromEnv(); kcfg.Enabled {
		consumer, err := kafkaconsumer.New(kcfg, registry, appLog)
		if err != nil {
			appLog.Error("failed to build invalidation consumer", "err", err)
			return 1
		}
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("invalidation consumer exited", "err", err)
			}
		}()
	}

	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:   os.Getenv("BUILD_VERSION"),
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, p.Handler())

		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		go func() {
			log.Printf("metrics: listening on %s%s", cfg.Metrics.Addr, cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server exited: %v", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics: shutdown error: %v", err)
			}
		}()
	}

	if err := server.Run(ctx, cfg, appLog, coord, registry); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
