package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tableside/internal/auth"
	"tableside/internal/config"
	"tableside/internal/events"
	"tableside/internal/httpapi"
	"tableside/internal/hub"
	"tableside/internal/keylock"
	"tableside/internal/menu"
	"tableside/internal/occupancy"
	"tableside/internal/ordering"
	"tableside/internal/realtime"
	"tableside/internal/store"
	"tableside/internal/store/memory"
	"tableside/internal/store/mongodb"
	"tableside/internal/store/postgres"
	"tableside/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and push channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTelemetry := telemetry.Setup("tableside", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(ctx); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	catalog := menu.NewStaticCatalog()
	if cfg.MenuFile != "" {
		catalog, err = menu.LoadFile(cfg.MenuFile)
		if err != nil {
			return err
		}
		logger.Info("menu loaded", zap.String("file", cfg.MenuFile), zap.Int("items", catalog.Len()))
	}

	h := hub.New(logger)
	broadcaster := events.NewBroadcaster(h, logger)
	if cfg.RedisURL != "" {
		relay, closeRelay, err := startRelay(ctx, cfg, h, logger)
		if err != nil {
			return err
		}
		defer closeRelay()
		broadcaster.SetRelay(relay)
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET is empty, authentication disabled")
	}

	locks := keylock.New()
	tables := occupancy.NewManager(st, locks, broadcaster, logger)
	orders := ordering.NewManager(ordering.Config{TaxRate: cfg.TaxRate}, st, catalog, tables, locks, broadcaster, logger)

	api := httpapi.NewHandler(orders, tables, httpapi.Options{
		Logger:      logger,
		Verifier:    verifier,
		CORSOrigins: cfg.CORSAllowOrigins,
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute: cfg.RateLimitPerMinute,
			IPBurst:     cfg.RateLimitBurst,
		},
		Realtime: realtime.NewServer(h, verifier, logger).Handler(),
		Location: cfg.Location,
	})

	// No write timeout: push sessions are long-lived.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tableside listening",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.Bool("auth", verifier != nil),
			zap.Bool("relay", cfg.RedisURL != ""),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		st := postgres.NewStore(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db schema: %w", err)
		}
		logger.Info("postgres store ready")
		return st, nil
	case config.DriverMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		st, err := mongodb.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := st.EnsureIndexes(connectCtx); err != nil {
			_ = st.Close(context.Background())
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		logger.Info("mongo store ready", zap.String("database", cfg.MongoDatabase))
		return st, nil
	default:
		logger.Info("in-memory store; data is lost on restart")
		return memory.New(), nil
	}
}

// startRelay connects to Redis and feeds pushes from other instances into
// the local hub until ctx ends.
func startRelay(ctx context.Context, cfg config.Config, h *hub.Hub, logger *zap.Logger) (*events.RedisRelay, func(), error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	relay := events.NewRedisRelay(client, cfg.RedisChannel, h, logger)
	go func() {
		if err := relay.Run(ctx); err != nil {
			logger.Error("relay stopped", zap.Error(err))
		}
	}()
	return relay, func() { _ = client.Close() }, nil
}
