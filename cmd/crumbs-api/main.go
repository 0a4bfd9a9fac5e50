package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crumbs/internal/api"
	"crumbs/internal/config"
	"crumbs/internal/db"
	"crumbs/internal/store"

	"github.com/joho/godotenv"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	backend, closer, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer closer.Close()

	st := store.WithRetry(backend, store.RetryPolicy{
		MaxRetries: cfg.StoreMaxRetries,
		RetryDelay: cfg.StoreRetryDelay,
	}, logger)
	server := api.New(cfg, logger, st)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("crumbs api listening", "addr", cfg.Addr, "store", cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

type closeFunc func()

func (f closeFunc) Close() error {
	f()
	return nil
}

func openStore(ctx context.Context, cfg config.APIConfig) (store.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:       cfg.DBMaxConns,
			ConnectTimeout: cfg.DBConnectTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, closeFunc(pool.Close), nil
	default:
		conn, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		lite := store.NewSQLite(conn)
		if err := lite.Migrate(ctx); err != nil {
			conn.Close()
			return nil, nil, err
		}
		return lite, conn, nil
	}
}
