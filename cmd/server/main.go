package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nekocast/danmaku/internal/api"
	"github.com/nekocast/danmaku/internal/config"
	"github.com/nekocast/danmaku/internal/danmaku"
	"github.com/nekocast/danmaku/internal/emoji"
	"github.com/nekocast/danmaku/internal/upstream"
)

func main() {
	// Optional .env for local development; env vars win over the file.
	godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg := config.Load(*configPath)
	if token := os.Getenv("DANMAKU_UPSTREAM_TOKEN"); token != "" {
		if cfg.Danmaku.Upstream == nil {
			cfg.Danmaku.Upstream = &config.UpstreamConfig{}
		}
		cfg.Danmaku.Upstream.Token = token
	}

	registry := prometheus.NewRegistry()
	metrics := danmaku.NewMetrics(registry)
	emojiMetrics := emoji.NewMetrics(registry)

	// Filter pipeline: blacklist with hot reload, then windowed dedup.
	blacklist := danmaku.NewBlacklistService()
	blacklist.Reload(cfg.Danmaku.BlacklistFile, cfg.Danmaku.ForbiddenUsersFile)
	if _, err := danmaku.StartWatcher(blacklist, cfg.Danmaku.BlacklistFile, cfg.Danmaku.ForbiddenUsersFile); err != nil {
		slog.Warn("Blacklist watcher unavailable, reload on restart only", "error", err)
	}
	filter := danmaku.NewFilter(
		blacklist,
		time.Duration(cfg.Danmaku.DedupWindowSeconds())*time.Second,
		time.Duration(cfg.Danmaku.BlacklistWindow)*time.Second,
	)

	manager := danmaku.NewConnectionManager(filter, metrics)

	cache := emoji.NewCache(emojiMetrics)
	cacheCtx, stopCache := context.WithCancel(context.Background())
	go cache.Run(cacheCtx)

	var satori *upstream.SatoriClient
	if cfg.Danmaku.Satori != nil {
		satori = upstream.StartSatori(cfg.Danmaku.Satori, manager, cache)
	}
	var bilibili *upstream.BilibiliClient
	if cfg.Danmaku.Bilibili != nil {
		bilibili = upstream.StartBilibili(cfg.Danmaku.Bilibili, manager)
	}

	var upstreamToken string
	if cfg.Danmaku.Upstream != nil {
		upstreamToken = cfg.Danmaku.Upstream.Token
	}
	server := api.NewServer(manager, cache, upstreamToken, registry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(cfg.Host, cfg.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		slog.Info("Shutting down danmaku service", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown did not finish cleanly", "error", err)
	}

	if satori != nil {
		satori.Stop()
	}
	if bilibili != nil {
		bilibili.Stop()
	}
	manager.DisconnectAll()
	stopCache()
	slog.Info("Danmaku service stopped")
}
