// Package app wires configuration into the store and stream components shared
// by the server, worker and operator binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lotwise/ledger/internal/config"
	"github.com/lotwise/ledger/internal/store"
	"github.com/lotwise/ledger/internal/stream"
)

// Resources holds what OpenStore opened. Close releases it in reverse order.
type Resources struct {
	Store   store.Store
	Durable bool
	cleanup []func()
}

func (r *Resources) Close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
	r.cleanup = nil
}

// OpenStore connects PostgreSQL when a database URL is configured, optionally
// fronted by the Redis read cache. Without a database it falls back to the
// in-memory store.
func OpenStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Resources, error) {
	res := &Resources{}

	if cfg.Database.URL == "" {
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		res.Store = store.NewMemoryStore()
		return res, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	res.cleanup = append(res.cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Ping(ctx); err != nil {
		res.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			res.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	res.Store = pg
	res.Durable = true
	logger.Info("connected to PostgreSQL")

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb := redis.NewClient(opt)
		res.cleanup = append(res.cleanup, func() { rdb.Close() })
		res.Store = store.NewCachedStore(pg, rdb, cfg.Redis.CacheTTL)
		logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
	}
	return res, nil
}

// StreamConfig maps the Kafka section onto the transport's config.
func StreamConfig(cfg *config.AppConfig) stream.Config {
	k := cfg.Kafka
	return stream.Config{
		Brokers:           k.Brokers,
		Topic:             k.Topic,
		GroupID:           k.ConsumerGroup,
		ClientID:          k.ClientID,
		DeadLetterTopic:   k.DeadLetterTopic,
		Username:          k.SASL.Username,
		Password:          k.SASL.Password,
		TLS:               k.TLS,
		Partitions:        k.Partitions,
		ReplicationFactor: k.ReplicationFactor,
	}
}
