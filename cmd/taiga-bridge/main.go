package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"taiga-bridge/internal/config"
	"taiga-bridge/internal/db"
	apihttp "taiga-bridge/internal/http"
	"taiga-bridge/internal/mcpserver"
	"taiga-bridge/internal/repository"
	"taiga-bridge/internal/service"
	"taiga-bridge/internal/session"
	"taiga-bridge/internal/taiga"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		envFile     string
		transport   string
		addr        string
		showVersion bool
	)
	flags := pflag.NewFlagSet("taiga-bridge", pflag.ContinueOnError)
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVar(&transport, "transport", "", "protocol transport: stdio or sse (overrides TRANSPORT)")
	flags.StringVar(&addr, "addr", "", "listen address for the sse transport (overrides HTTP_ADDR)")
	flags.BoolVar(&showVersion, "version", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println("taiga-bridge", version)
		return
	}

	if err := godotenv.Load(envFile); err != nil && flags.Changed("env-file") {
		log.Printf("warning: loading %s: %v", envFile, err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if transport != "" {
		cfg.Transport = transport
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("bridge stopped", zap.Error(err))
	}
}

// newLogger usa el logger de desarrollo en debug y el de produccion en otro caso; ambos escriben a stderr.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	atom, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = atom
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var hostOptions []taiga.HostsOption
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, using in-process rate limiter", zap.Error(err))
		} else {
			hostOptions = append(hostOptions, taiga.WithRateLimiter(taiga.NewRedisLimiter(redisClient, cfg.RateLimitRequests, logger)))
			logger.Info("shared rate limiter enabled", zap.String("redis", cfg.RedisAddr))
		}
		cancel()
	}

	audit, closeAudit := newAuditRepository(ctx, cfg, logger)
	defer closeAudit()

	hosts := taiga.NewHosts(taiga.HostOptions{
		RequestTimeout: cfg.RequestTimeout,
		MaxConnections: cfg.MaxConnections,
		MaxIdle:        cfg.MaxKeepaliveConnections,
		RateLimit:      cfg.RateLimitRequests,
		Retry: taiga.RetryConfig{
			MaxAttempts:        cfg.RetryMaxAttempts,
			InitialInterval:    cfg.RetryInitialInterval,
			RetryNonIdempotent: cfg.RetryNonIdempotent,
		},
	}, logger, hostOptions...)
	defer hosts.CloseIdle()

	vault := cfg.Vault()
	store := session.NewStore(cfg.SessionExpiry(), logger)
	defer func() {
		logger.Info("sessions cleared", zap.Int("count", store.Clear()))
	}()
	go store.Run(ctx, cfg.SessionSweepInterval)

	resolver := session.NewResolver(store, taiga.NewConnector(hosts, logger), vault, logger)
	resolver.Bootstrap(ctx)

	dispatcher := service.NewDispatcher(resolver, vault, audit, logger)
	bridge := mcpserver.New(dispatcher, version, logger)

	switch cfg.Transport {
	case config.TransportSSE:
		return serveSSE(ctx, cfg, logger, bridge, store)
	default:
		logger.Info("serving protocol on stdio")
		err := bridge.ServeStdio(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// newAuditRepository usa Postgres si DATABASE_URL esta definido y el anillo en memoria si no.
func newAuditRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.AuditRepository, func()) {
	pool, err := db.NewPool(ctx, cfg)
	if errors.Is(err, db.ErrNotConfigured) {
		return repository.NewMemoryAuditRepository(0), func() {}
	}
	if err == nil {
		err = db.Ping(ctx, pool)
	}
	if err == nil {
		repo := repository.NewPgAuditRepository(pool)
		if err = repo.EnsureSchema(ctx); err == nil {
			logger.Info("audit log stored in postgres")
			return repo, pool.Close
		}
	}
	logger.Warn("audit database unavailable, keeping audit log in memory", zap.Error(err))
	if pool != nil {
		pool.Close()
	}
	return repository.NewMemoryAuditRepository(0), func() {}
}

func serveSSE(ctx context.Context, cfg *config.Config, logger *zap.Logger, bridge *mcpserver.Server, store *session.Store) error {
	sse := bridge.SSE(cfg.PublicBaseURL)
	router := apihttp.NewRouter(logger, apihttp.NewHealthHandler(store, version), apihttp.Stream{
		SSEPath:     mcpserver.SSEEndpoint,
		MessagePath: mcpserver.MessagePath,
		SSE:         sse.SSEHandler(),
		Message:     sse.MessageHandler(),
	}, cfg.HTTPJWTSecret)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting sse server", zap.String("addr", cfg.HTTPAddr), zap.String("public_url", cfg.PublicBaseURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sse.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sse shutdown", zap.Error(err))
	}
	return server.Shutdown(shutdownCtx)
}
