package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/xiaopang/relaygate/internal/api"
	"github.com/xiaopang/relaygate/internal/config"
	"github.com/xiaopang/relaygate/internal/core"
	"github.com/xiaopang/relaygate/internal/logger"
	"github.com/xiaopang/relaygate/internal/metrics"
	"github.com/xiaopang/relaygate/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// .env 可选，缺失不报错
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		return
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.Info("config loaded", "path", *configPath)

	// 连接远端 KV
	kv, err := store.DialRedis(cfg.Store.RedisURL, cfg.Store.RedisToken)
	if err != nil {
		logger.Error("connect redis failed", "error", err)
		return
	}
	logger.Info("redis connected")

	collector := metrics.NewCollector()
	st := store.New(kv, store.Fallbacks{
		APIKey: cfg.Upstream.PrimaryAPIKey,
		APIURL: cfg.Upstream.DefaultAPIURL,
	}, logger.Default(), collector)

	// 本地请求日志
	logdb, err := store.NewLogDB(cfg.Store.LogDBPath)
	if err != nil {
		logger.Error("init log db failed", "error", err)
		return
	}
	defer logdb.Close()
	logger.Info("log db initialized", "path", cfg.Store.LogDBPath)

	// 过期日志清理
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := logdb.CleanOldLogs(cfg.Logging.RetentionDays); err == nil && n > 0 {
				logger.Info("old logs cleaned", "rows", n)
			}
		}
	}()

	selector := core.NewSelector(st, collector)
	relayHandler := api.NewRelayHandler(st, selector, logdb, collector)
	adminHandler := api.NewAdminHandler(st, logdb, collector, cfg)

	r := api.SetupRouter(cfg, relayHandler, adminHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("relaygate starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			logger.Error("server failed", "error", err)
			return
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	}

	// 给在途请求 15 秒完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	logger.Info("server stopped gracefully")
}
