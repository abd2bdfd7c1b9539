package server

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-dispatch/internal/config"
	"github.com/JakeFAU/rss-dispatch/internal/crawler"
	"github.com/JakeFAU/rss-dispatch/internal/id/uuid"
	"github.com/JakeFAU/rss-dispatch/internal/queue"
	queuememory "github.com/JakeFAU/rss-dispatch/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/rss-dispatch/internal/queue/pubsub"
	"github.com/JakeFAU/rss-dispatch/internal/queue/redisstream"
	gcsstorage "github.com/JakeFAU/rss-dispatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rss-dispatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/rss-dispatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/rss-dispatch/internal/storage/postgres"
)

// Store is the full feed store surface: lease transitions plus the catalog
// operations used by seeding, auditing, and the admin API.
type Store interface {
	crawler.FeedStore
	crawler.FeedCatalog
}

// SchemaStore is implemented by stores that can create their own tables.
type SchemaStore interface {
	EnsureSchema(ctx context.Context) error
}

var (
	_ Store       = (*memorystorage.FeedStore)(nil)
	_ Store       = (*pgstore.FeedStore)(nil)
	_ SchemaStore = (*pgstore.FeedStore)(nil)
)

// OpenStore builds the configured feed store. The returned func releases its
// connections.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewFeedStore(ctx, pgstore.FeedStoreConfig{
			DSN:          cfg.Store.DSN,
			FeedsTable:   cfg.Store.FeedsTable,
			EntriesTable: cfg.Store.EntriesTable,
			MaxConns:     cfg.Store.MaxConns,
			MinConns:     cfg.Store.MinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("feed store init failed: %w", err)
		}
		logger.Info("using postgres feed store",
			zap.String("feeds_table", cfg.Store.FeedsTable),
			zap.String("entries_table", cfg.Store.EntriesTable),
		)
		return store, store.Close, nil
	case config.BackendMemory:
		logger.Info("using in-memory feed store")
		return memorystorage.NewFeedStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

// OpenQueue builds the configured dispatch queue.
func OpenQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Provider, error) {
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		consumer := cfg.Queue.Redis.Consumer
		if consumer == "" {
			id, err := uuid.New().NewID()
			if err != nil {
				return nil, fmt.Errorf("generate consumer name: %w", err)
			}
			consumer = "worker-" + id
		}
		q, err := redisstream.Dial(ctx, cfg.Queue.Redis.URL, redisstream.Config{
			Stream:       cfg.Queue.Subject,
			Group:        cfg.Queue.Redis.Group,
			Consumer:     consumer,
			BlockTimeout: cfg.RedisBlockTimeout(),
			MaxLen:       cfg.Queue.Redis.MaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		logger.Info("using redis stream queue",
			zap.String("stream", cfg.Queue.Subject),
			zap.String("group", cfg.Queue.Redis.Group),
			zap.String("consumer", consumer),
		)
		return q, nil
	case config.BackendPubSub:
		q, err := queuepubsub.Dial(ctx, queuepubsub.Config{
			ProjectID:      cfg.Queue.PubSub.ProjectID,
			Topic:          cfg.Queue.Subject,
			Subscription:   cfg.PubSubSubscription(),
			MaxOutstanding: cfg.Queue.PubSub.MaxOutstanding,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		logger.Info("using pubsub queue",
			zap.String("project", cfg.Queue.PubSub.ProjectID),
			zap.String("topic", cfg.Queue.Subject),
			zap.String("subscription", cfg.PubSubSubscription()),
		)
		return q, nil
	case config.BackendMemory:
		logger.Info("using in-memory queue", zap.Int("capacity", cfg.Queue.Capacity))
		return queuememory.NewQueue(cfg.Queue.Capacity), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

// openArchive builds the raw feed archive. A nil BlobStore disables archiving.
func openArchive(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case "":
		app.logger.Info("feed archiving disabled")
		return nil, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobStore.CheckBucket(ctx); err != nil {
			return nil, err
		}
		app.logger.Info("using GCS feed archive", zap.String("bucket", cfg.Bucket), zap.String("prefix", cfg.Prefix))
		return blobStore, nil
	case config.BackendLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local feed archive", zap.String("path", cfg.LocalDir), zap.String("prefix", cfg.Prefix))
		return blobStore, nil
	case config.BackendMemory:
		app.logger.Info("using in-memory feed archive")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
}
