package main

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"

	"termin-notifier/config"
	"termin-notifier/kv"
)

// openStore connects the configured persistence backend. The returned close
// function releases its connections.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket, "prefix", cfg.StoragePrefix)
		return kv.NewGCSStore(client, cfg.StorageBucket, cfg.StoragePrefix, logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	case config.StorageRedis:
		store := kv.NewRedisStore(kv.NewRedisClient(kv.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), "termin:")
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		logger.Info("Using Redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}, nil

	case config.StoragePostgres:
		db, err := kv.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := kv.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		logger.Info("Using PostgreSQL")
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil

	default:
		store, err := kv.NewFileStore(cfg.LocalStorage, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using local storage", "storage_path", cfg.LocalStorage)
		return store, func() {}, nil
	}
}
