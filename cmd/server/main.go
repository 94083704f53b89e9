// Command server runs the Antigravity-to-Anthropic proxy: it loads the
// account pool, wires the Credential Resolver, Account Selector, and
// Dispatcher together, and serves the Anthropic-compatible HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
	"github.com/poemonsense/antigravity-proxy-go/internal/authsource"
	"github.com/poemonsense/antigravity-proxy-go/internal/clock"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/credentials"
	"github.com/poemonsense/antigravity-proxy-go/internal/dispatcher"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
	"github.com/poemonsense/antigravity-proxy-go/internal/server"
	"github.com/poemonsense/antigravity-proxy-go/internal/store"
)

func main() {
	var (
		devMode      bool
		fallback     bool
		strategyName string
		port         int
		host         string
	)

	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode (console logging, gin debug mode)")
	flag.BoolVar(&fallback, "fallback", false, "Enable model fallback on sustained quota exhaustion")
	flag.StringVar(&strategyName, "strategy", "", "Account selection strategy (sticky/round-robin)")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	cfg := config.Load()
	if devMode || os.Getenv("DEV_MODE") == "true" {
		cfg.DevMode = true
	}
	if fallback || os.Getenv("FALLBACK") == "true" {
		cfg.FallbackEnabled = true
	}
	if strategyName != "" {
		cfg.SelectionStrategy = accountpool.Strategy(strategyName)
	}
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}

	logger := mustLogger(cfg)
	defer logger.Sync()

	clk := clock.Real{}

	accountStore := mustAccountStore(cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := accountStore.Load(ctx)
	cancel()
	if err != nil {
		logger.Error("failed to load account pool", logging.Err(err))
		os.Exit(1)
	}
	if cfg.MaxRetries > 0 {
		pool.Settings.MaxRetries = cfg.MaxRetries
	}
	if cfg.CooldownMs > 0 {
		pool.Settings.CooldownDurationMs = cfg.CooldownMs
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	invalidator := accountpool.NewPoolInvalidator(pool, clk)
	refresher := authsource.NewOAuthRefresher(httpClient, cfg, logger)
	discoverer := authsource.NewOAuthProjectDiscoverer(httpClient, cfg, logger)
	dbReader := authsource.NewSQLiteAuthReader(cfg.AntigravityDBPath)

	resolver := credentials.New(logger, clk, refresher, dbReader, discoverer, invalidator, cfg.DefaultProjectID)

	selector := accountpool.NewSelector(cfg.SelectionStrategy, cfg.StickyWindowMs)

	signatures := format.NewSignatureCache()
	requestConverter := format.NewRequestConverter(signatures)
	responseConverter := format.NewResponseConverter(signatures)
	streamTranslator := format.NewStreamTranslator(signatures, logger)

	d := dispatcher.New(pool, selector, resolver, clk, cfg, logger, accountStore, requestConverter, responseConverter, streamTranslator)

	srv := server.New(cfg, pool, d, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	go func() {
		if err := srv.Run(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", logging.Err(err))
			os.Exit(1)
		}
	}()

	logger.Info("antigravity proxy started",
		zap.String("addr", addr),
		zap.String("strategy", string(cfg.SelectionStrategy)),
		zap.Int("accounts", pool.Len()),
		zap.Bool("fallback", cfg.FallbackEnabled),
		zap.Bool("devMode", cfg.DevMode),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := accountStore.Save(shutdownCtx, pool); err != nil {
		logger.Error("failed to persist account pool on shutdown", logging.Err(err))
	}
}

func mustLogger(cfg *config.Config) *logging.Logger {
	if cfg.DevMode {
		return logging.NewDevelopment()
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func mustAccountStore(cfg *config.Config, logger *logging.Logger) store.AccountStore {
	if !cfg.UseRedis {
		return store.NewFileStore(cfg.AccountsPath)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, falling back to file store", logging.Err(err))
		return store.NewFileStore(cfg.AccountsPath)
	}

	return store.NewRedisStore(client)
}
