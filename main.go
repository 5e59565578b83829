package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"quire/internal/api"
	"quire/internal/commit"
	"quire/internal/config"
	"quire/internal/content"
	"quire/internal/logging"
	"quire/internal/source"
	"quire/internal/storage"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, db, closer, err := openStorage(cfg.Storage)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer closer.Close()

	blobs, err := content.Open(ctx, cfg.Blobs, storage.Prefixed(kv, "blob:"), db)
	if err != nil {
		logger.Fatal("failed to open blob store", zap.Error(err))
	}
	if c, ok := blobs.(io.Closer); ok {
		defer c.Close()
	}

	target := source.NewLocal(storage.Prefixed(kv, "tree:"), blobs)
	authority := commit.NewAuthority(target, kv, logger.Named("commit"))
	if t, err := authority.Tree(ctx); err != nil {
		logger.Fatal("failed to read content tree", zap.Error(err))
	} else {
		logger.Info("content tree loaded", zap.String("sha", t.SHA()), zap.Int("paths", t.Len()))
	}

	if path := os.Getenv("QUIRE_SEED"); path != "" {
		if err := seed(ctx, authority, path); err != nil {
			logger.Fatal("failed to seed content", zap.String("snapshot", path), zap.Error(err))
		}
	}

	server := api.NewServer(authority, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: server.Handler(api.Options{
			Secret: cfg.Auth.Secret,
			RPS:    cfg.RateLimit.RPS,
			Burst:  cfg.RateLimit.Burst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Auth.Secret == "" {
		logger.Warn("auth.secret is empty, requests are not authenticated")
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("address", addr), zap.String("storage", cfg.Storage.Type))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// seed loads an exported snapshot into an empty content tree.
func seed(ctx context.Context, authority *commit.Authority, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	snap, err := source.UnmarshalSnapshot(data)
	if err != nil {
		return err
	}
	mem, err := source.Import(ctx, snap)
	if err != nil {
		return err
	}
	_, err = authority.Seed(ctx, mem)
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openStorage returns the configured key/value store. db is only set for
// badger, which the safe blob store also needs.
func openStorage(cfg config.StorageConfig) (storage.KV, *badger.DB, io.Closer, error) {
	switch cfg.Type {
	case "badger":
		db, err := storage.OpenBadger(cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return storage.NewBadgerKV(db, "quire"), db, db, nil
	case "sqlite":
		kv, err := storage.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return kv, nil, kv, nil
	case "postgres":
		kv, err := storage.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return kv, nil, kv, nil
	case "memory":
		return storage.NewMemoryKV(), nil, closerFunc(func() error { return nil }), nil
	}
	return nil, nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}
