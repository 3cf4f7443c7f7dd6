package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mindspark/api/internal/app"
	"mindspark/api/internal/artifact"
	"mindspark/api/internal/config"
	"mindspark/api/internal/contentcache"
	"mindspark/api/internal/fetch"
	"mindspark/api/internal/realtime"
	"mindspark/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return err
		}

		feed, err := openFeed(cfg, logger)
		if err != nil {
			return err
		}
		defer feed.Close()

		if cfg.ListenPostgres {
			listener := store.NewListener(cfg.DatabaseURL, feed, logger.Named("listener"))
			go func() {
				_ = listener.Run(ctx)
			}()
			logger.Info("relaying postgres change notifications")
		}

		fetcher, closeFetcher, err := openFetcher(cfg, logger)
		if err != nil {
			return err
		}
		defer closeFetcher()

		artifacts, err := openArtifacts(ctx, cfg, logger)
		if err != nil {
			return err
		}

		service := app.New(cfg, store.NewPostgresStore(db), feed, fetcher, artifacts, logger)
		defer service.Close()

		httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
		// No WriteTimeout: mind-map streams stay open for the life of a view.
		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           httpServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("MindSpark API listening", zap.String("addr", cfg.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		service.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	},
}

// openFeed picks NATS when configured so every API instance sees every
// change; otherwise notifications stay inside this process.
func openFeed(cfg config.Config, logger *zap.Logger) (realtime.Feed, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		logger.Info("change feed in-process (NATS_URL not set)")
		return realtime.NewHub(), nil
	}
	feed, err := realtime.NewNATSFeed(cfg.NATSURL, logger.Named("nats"))
	if err != nil {
		return nil, err
	}
	logger.Info("change feed on NATS", zap.String("nats_url", cfg.NATSURL))
	return feed, nil
}

func openFetcher(cfg config.Config, logger *zap.Logger) (fetch.Fetcher, func(), error) {
	client := fetch.NewClient(
		fetch.WithTimeout(cfg.MindmapFetchTimeout),
		fetch.WithMaxBytes(cfg.MindmapMaxBytes),
	)
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return client, func() {}, nil
	}
	cache, err := contentcache.NewRedisCache(cfg.RedisURL, cfg.ContentCacheTTL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("caching mindmap content in redis", zap.Duration("ttl", cfg.ContentCacheTTL))
	return contentcache.NewCachedFetcher(client, cache, logger.Named("contentcache")), func() { _ = cache.Close() }, nil
}

// openArtifacts returns nil when storage is unreachable; HTML publishing is
// then refused but URL publishing keeps working.
func openArtifacts(ctx context.Context, cfg config.Config, logger *zap.Logger) (*artifact.Store, error) {
	if strings.TrimSpace(cfg.StorageEndpoint) == "" {
		logger.Info("artifact storage disabled (STORAGE_ENDPOINT not set)")
		return nil, nil
	}
	artifacts, err := artifact.New(artifact.Config{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseSSL:    cfg.StorageUseSSL,
		PublicURL: cfg.StoragePublicURL,
	})
	if err != nil {
		return nil, err
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := artifacts.EnsureBucket(bucketCtx); err != nil {
		logger.Warn("artifact storage unavailable", zap.String("endpoint", cfg.StorageEndpoint), zap.Error(err))
		return nil, nil
	}
	return artifacts, nil
}
