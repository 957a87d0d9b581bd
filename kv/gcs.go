package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// GCSStore keeps one object per key in a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	prefix string
}

// NewGCSStore creates a bucket-backed store. Objects are named prefix+key+".json".
func NewGCSStore(client *storage.Client, bucket, prefix string, logger *slog.Logger) *GCSStore {
	return &GCSStore{
		client: client,
		logger: logger,
		bucket: bucket,
		prefix: prefix,
	}
}

func (g *GCSStore) object(key string) string {
	return g.prefix + key + ".json"
}

func (g *GCSStore) retryOpts(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Get downloads the object for key.
func (g *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	name := g.object(key)

	var data []byte
	err := retry.Do(
		func() error {
			r, err := g.client.Bucket(g.bucket).Object(name).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			return nil
		},
		g.retryOpts(ctx, "get", key)...,
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Put uploads value as the object for key.
func (g *GCSStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	name := g.object(key)

	err := retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, err := w.Write(value); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		g.retryOpts(ctx, "put", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	g.logger.Debug("Value saved to bucket", "bucket", g.bucket, "object", name, "bytes", len(value))
	return nil
}

// Delete removes the object for key. A missing object is not an error.
func (g *GCSStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	name := g.object(key)

	err := retry.Do(
		func() error {
			if err := g.client.Bucket(g.bucket).Object(name).Delete(ctx); err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", err)
			}
			return nil
		},
		g.retryOpts(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}
