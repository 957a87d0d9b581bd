// Package main implements a service that watches the Nürnberg appointment
// booking system and sends notifications when matching slots appear.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"termin-notifier/cache"
	"termin-notifier/config"
	"termin-notifier/notify"
	"termin-notifier/pkg/termin"
	"termin-notifier/poll"
	"termin-notifier/registry"
	"termin-notifier/server"
	"termin-notifier/settings"
	"termin-notifier/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	catalog, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	subs := registry.New(store, catalog, logger)
	if err := subs.Load(ctx); err != nil {
		return err
	}
	prefs := settings.New(store, logger)
	prefs.Load(ctx)

	client := upstream.New(&upstream.Config{
		HTTPClient: &http.Client{Timeout: cfg.UpstreamTimeout},
		Logger:     logger,
		URL:        cfg.UpstreamURL,
		Attempts:   cfg.UpstreamAttempts,
	})

	appointments := cache.New(&cache.Config{
		Fetcher:   client,
		Catalog:   catalog,
		Logger:    logger,
		Interval:  cfg.PollInterval,
		Freshness: cfg.FreshnessWindow,
	})
	defer appointments.Close()

	presenter, err := newPresenter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	dispatcher := notify.New(&notify.Config{
		Presenter:  presenter,
		Watermarks: subs,
		Logger:     logger,
		IconURL:    cfg.IconURL,
	})
	defer dispatcher.Close()

	if dispatcher.Permission() == notify.PermissionDefault {
		perm, err := dispatcher.RequestPermission(ctx)
		if err != nil {
			logger.Warn("Notification permission not resolved", "error", err)
		}
		logger.Info("Notification permission", "permission", string(perm))
	}

	monitor := poll.New(&poll.Config{
		Cache:      appointments,
		Registry:   subs,
		Dispatcher: dispatcher,
		Settings:   prefs,
		Catalog:    catalog,
		Logger:     logger,
		Location:   cfg.Location(),
	})
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	srv := server.New(&server.Config{
		Poller:         monitor,
		Cache:          appointments,
		Registry:       subs,
		Settings:       prefs,
		Catalog:        catalog,
		Logger:         logger,
		SubscribeLimit: cfg.SubscribeLimit,
	})

	logger.Info("Service started",
		"port", cfg.Port,
		"appointment_types", len(catalog.Types()),
		"timezone", cfg.Timezone,
		"startup", time.Now().In(cfg.Location()).Format(time.RFC3339))
	return srv.ListenAndServe(ctx, cfg.Port)
}

// loadCatalog reads the appointment type catalog from path, or returns the
// built-in catalog when path is empty.
func loadCatalog(path string) (*termin.Catalog, error) {
	if path == "" {
		return termin.DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	catalog, err := termin.LoadCatalog(f)
	if closeErr := f.Close(); closeErr != nil {
		slog.Warn("Failed to close catalog file", "path", path, "error", closeErr)
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return catalog, nil
}
