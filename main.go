package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/ocrsdk-gateway/internal/auth"
	"github.com/example/ocrsdk-gateway/internal/config"
	"github.com/example/ocrsdk-gateway/internal/handlers"
	"github.com/example/ocrsdk-gateway/internal/health"
	"github.com/example/ocrsdk-gateway/internal/installation"
	"github.com/example/ocrsdk-gateway/internal/logging"
	"github.com/example/ocrsdk-gateway/internal/ocrsdk"
)

func main() {
	cfg, err := config.Load(getEnv("OCRSDK_CONFIG", "config.yaml"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gateway failed", zap.Error(err))
	}
	logger.Info("gateway stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	store, closeStore, err := initStore(initCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deviceID, err := resolveDeviceID(cfg)
	if err != nil {
		return err
	}

	client, err := ocrsdk.New(cfg.OCRSDK.ApplicationID, cfg.OCRSDK.Password,
		ocrsdk.WithBaseURL(cfg.OCRSDK.BaseURL),
		ocrsdk.WithHTTPClient(&http.Client{Timeout: cfg.OCRSDK.Timeout}),
		ocrsdk.WithStore(store),
		ocrsdk.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	probe := health.NewServer(logger)
	r := gin.Default()
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	handlers.RegisterRoutes(r, client, handlers.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		PollInterval:   cfg.OCRSDK.PollInterval,
		MaxWait:        cfg.OCRSDK.MaxWait,
		Ready:          probe.Serving,
	}, logger, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))

	httpListener, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcListener, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		httpListener.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	server := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", zap.String("addr", httpListener.Addr().String()))
		return serveHTTPServer(gctx, server, httpListener, cfg.Server.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		logger.Info("health probe listening", zap.String("addr", grpcListener.Addr().String()))
		return probe.Serve(gctx, grpcListener)
	})
	g.Go(func() error {
		activateCtx, cancel := context.WithTimeout(gctx, cfg.OCRSDK.Timeout)
		defer cancel()
		if err := client.ActivateInstallation(activateCtx, deviceID, cfg.OCRSDK.ForceActivate); err != nil {
			return fmt.Errorf("activate installation: %w", err)
		}
		probe.MarkServing()
		return nil
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func initStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (installation.Store, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return installation.NewMemoryStore(), noop, nil
	case config.StoreFile:
		return installation.NewFileStore(cfg.Store.FilePath), noop, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return installation.NewRedisStore(installation.NewRedisKV(client), logger), func() { client.Close() }, nil
	case config.StorePostgres:
		db, err := gorm.Open(postgres.Open(cfg.Store.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to access db handle: %w", err)
		}
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetConnMaxLifetime(time.Hour)
		if err := sqlDB.PingContext(ctx); err != nil {
			sqlDB.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}

		store := installation.NewPostgresStore(db, logger)
		if err := store.AutoMigrate(ctx); err != nil {
			sqlDB.Close()
			return nil, nil, fmt.Errorf("auto migrate failed: %w", err)
		}
		return store, func() { sqlDB.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func resolveDeviceID(cfg *config.Config) (string, error) {
	if cfg.OCRSDK.DeviceID != "" {
		return cfg.OCRSDK.DeviceID, nil
	}
	return installation.LoadOrCreateDeviceID(filepath.Join(filepath.Dir(cfg.Store.FilePath), "device_id"))
}

// serveHTTPServer serves on listener until ctx is done, then drains in-flight
// requests for at most shutdownTimeout.
func serveHTTPServer(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
