package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/yituo-max/runtuimgbed4.0/internal/api"
	"github.com/yituo-max/runtuimgbed4.0/internal/catalog"
	"github.com/yituo-max/runtuimgbed4.0/internal/observability/logging"
	"github.com/yituo-max/runtuimgbed4.0/internal/observability/metrics"
	"github.com/yituo-max/runtuimgbed4.0/internal/ratelimit"
	"github.com/yituo-max/runtuimgbed4.0/internal/relay"
	"github.com/yituo-max/runtuimgbed4.0/internal/server"
)

func main() {
	// Missing .env is fine; the environment may be set by the platform.
	_ = godotenv.Load()

	listenFlag := flag.String("listen", "", "listen address (host:port)")
	modeFlag := flag.String("mode", "", "runtime mode: development or production")
	logLevelFlag := flag.String("log-level", "", "log level: debug, info, warn, error")
	logFormatFlag := flag.String("log-format", "", "log format: json or text")
	driverFlag := flag.String("catalog-driver", "", "catalog driver: memory, redis, or postgres")
	snapshotFlag := flag.String("snapshot-path", "", "snapshot file for the memory driver")
	flag.Parse()

	mode := modeValue(firstNonEmpty(*modeFlag, os.Getenv("IMGBED_MODE")))
	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevelFlag, os.Getenv("IMGBED_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormatFlag, os.Getenv("IMGBED_LOG_FORMAT")),
	})

	addr := resolveListenAddr(firstNonEmpty(*listenFlag, os.Getenv("IMGBED_LISTEN_ADDR")))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	cat, err := buildCatalog(ctx, resolveCatalogDriver(firstNonEmpty(*driverFlag, os.Getenv("IMGBED_CATALOG_DRIVER"))), *snapshotFlag)
	cancel()
	if err != nil {
		logger.Error("catalog init failed", "error", err)
		os.Exit(1)
	}

	blobRelay, err := relay.NewTelegramRelay(relay.TelegramConfig{
		Token:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		ChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		APIBase:  os.Getenv("TELEGRAM_API_BASE"),
		FileBase: os.Getenv("TELEGRAM_FILE_BASE"),
		Logger:   logging.WithComponent(logger, "relay"),
	})
	if err != nil {
		logger.Error("relay init failed", "error", err)
		os.Exit(1)
	}

	limiter, err := buildLimiter()
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}

	recorder := metrics.Default()
	handler := &api.Handler{
		Catalog: cat,
		Pipeline: &api.UploadPipeline{
			Limiter: limiter,
			Relay:   blobRelay,
			Catalog: cat,
			Logger:  logging.WithComponent(logger, "pipeline"),
		},
		Verifier: api.NewAdminTokenVerifier(os.Getenv("ADMIN_TOKEN"), os.Getenv("ADMIN_TOKEN_HASH")),
		Logger:   logging.WithComponent(logger, "api"),
		Metrics:  recorder,
		Mode:     mode,
		SiteURL:  os.Getenv("SITE_URL"),
	}

	srv := server.New(server.Config{
		Addr:    addr,
		Handler: handler,
		Logger:  logging.WithComponent(logger, "server"),
		Metrics: recorder,
	})

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		if err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		cancel()
	}

	if err := cat.Close(); err != nil {
		logger.Error("catalog close failed", "error", err)
	}
}

func buildCatalog(ctx context.Context, driver, snapshotFlag string) (catalog.Catalog, error) {
	switch driver {
	case "redis":
		return catalog.NewRedisCatalog(ctx, catalog.RedisConfig{
			Addr:     os.Getenv("IMGBED_REDIS_ADDR"),
			Addrs:    splitList(os.Getenv("IMGBED_REDIS_ADDRS")),
			Username: os.Getenv("IMGBED_REDIS_USERNAME"),
			Password: os.Getenv("IMGBED_REDIS_PASSWORD"),
			DB:       intFromEnv("IMGBED_REDIS_DB", 0),
		})
	case "postgres":
		return catalog.NewPostgresCatalog(ctx, catalog.PostgresConfig{
			DSN:             os.Getenv("IMGBED_POSTGRES_DSN"),
			ApplicationName: "imgbed",
		})
	case "memory":
		path := firstNonEmpty(snapshotFlag, os.Getenv("IMGBED_SNAPSHOT_PATH"))
		if path == "" {
			return catalog.NewMemoryCatalog()
		}
		return catalog.NewMemoryCatalog(catalog.WithSnapshotPath(path))
	default:
		return nil, fmt.Errorf("unknown catalog driver %q", driver)
	}
}

// buildLimiter prefers the shared Redis window when an address is
// configured so limits hold across replicas.
func buildLimiter() (ratelimit.Admitter, error) {
	window := time.Duration(intFromEnv("IMGBED_RATE_WINDOW_SECONDS", 60)) * time.Second
	limit := intFromEnv("IMGBED_RATE_LIMIT", 10)

	addr := strings.TrimSpace(os.Getenv("IMGBED_RATE_REDIS_ADDR"))
	if addr == "" {
		return ratelimit.NewSlidingWindow(window, limit), nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{addr},
		Username:   os.Getenv("IMGBED_RATE_REDIS_USERNAME"),
		Password:   os.Getenv("IMGBED_RATE_REDIS_PASSWORD"),
		DB:         intFromEnv("IMGBED_RATE_REDIS_DB", 0),
		MaxRetries: 2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rate limiter redis: %w", err)
	}
	return ratelimit.NewRedisLimiter(client, window, limit), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func modeValue(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	default:
		return "development"
	}
}

func resolveListenAddr(raw string) string {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			return ":" + port
		}
		return ":8080"
	}
	if !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}

func resolveCatalogDriver(raw string) string {
	driver := strings.ToLower(strings.TrimSpace(raw))
	if driver == "" {
		return "memory"
	}
	return driver
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func intFromEnv(key string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return value
}
