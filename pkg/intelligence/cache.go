// Package intelligence ingests external signals per company and serves the
// most recent ones to the SENSE phase.
package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

// Source supplies raw intelligence payloads on demand.
type Source interface {
	Name() string
	Fetch(ctx context.Context, companyID string) (json.RawMessage, error)
}

// Cache stores immutable intelligence records and returns the newest first.
type Cache interface {
	Put(ctx context.Context, s *contracts.IntelligenceSignal) error
	Latest(ctx context.Context, companyID string, limit int) ([]*contracts.IntelligenceSignal, error)
}

// StoreCache keeps intelligence in the persisted intelligence_cache collection.
type StoreCache struct {
	store store.IntelligenceStore
}

// NewStoreCache wraps an intelligence store.
func NewStoreCache(st store.IntelligenceStore) *StoreCache {
	return &StoreCache{store: st}
}

func (c *StoreCache) Put(ctx context.Context, s *contracts.IntelligenceSignal) error {
	return c.store.AppendSignal(ctx, s)
}

func (c *StoreCache) Latest(ctx context.Context, companyID string, limit int) ([]*contracts.IntelligenceSignal, error) {
	return c.store.ListSignals(ctx, store.IntelligenceFilter{CompanyID: companyID, Limit: limit})
}

// RedisCache keeps a capped list of recent intelligence per company in Redis.
type RedisCache struct {
	client     *redis.Client
	maxEntries int64
}

// NewRedisCache creates a cache backed by Redis keeping at most maxEntries per company.
func NewRedisCache(client *redis.Client, maxEntries int64) *RedisCache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &RedisCache{client: client, maxEntries: maxEntries}
}

func redisKey(companyID string) string {
	return fmt.Sprintf("intelligence:%s", companyID)
}

func (c *RedisCache) Put(ctx context.Context, s *contracts.IntelligenceSignal) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	key := redisKey(s.CompanyID)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, c.maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis intelligence put: %w", err)
	}
	return nil
}

func (c *RedisCache) Latest(ctx context.Context, companyID string, limit int) ([]*contracts.IntelligenceSignal, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	items, err := c.client.LRange(ctx, redisKey(companyID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis intelligence latest: %w", err)
	}
	out := make([]*contracts.IntelligenceSignal, 0, len(items))
	for _, item := range items {
		var s contracts.IntelligenceSignal
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			return nil, fmt.Errorf("redis intelligence decode: %w", err)
		}
		out = append(out, &s)
	}
	return out, nil
}

// TieredCache writes every record to the persisted store and to a hot cache.
// Reads come from the hot cache and fall back to the store when it is empty
// or unavailable. The store stays the source of truth.
type TieredCache struct {
	hot    Cache
	store  *StoreCache
	logger *slog.Logger
}

// NewTieredCache layers hot over the persisted intelligence store.
func NewTieredCache(hot Cache, st store.IntelligenceStore) *TieredCache {
	return &TieredCache{
		hot:    hot,
		store:  NewStoreCache(st),
		logger: slog.Default().With("component", "intelligence_cache"),
	}
}

func (c *TieredCache) Put(ctx context.Context, s *contracts.IntelligenceSignal) error {
	if err := c.store.Put(ctx, s); err != nil {
		return err
	}
	if err := c.hot.Put(ctx, s); err != nil {
		c.logger.WarnContext(ctx, "hot cache write failed", "company_id", s.CompanyID, "error", err)
	}
	return nil
}

func (c *TieredCache) Latest(ctx context.Context, companyID string, limit int) ([]*contracts.IntelligenceSignal, error) {
	out, err := c.hot.Latest(ctx, companyID, limit)
	if err == nil && len(out) > 0 {
		return out, nil
	}
	if err != nil {
		c.logger.WarnContext(ctx, "hot cache read failed", "company_id", companyID, "error", err)
	}
	return c.store.Latest(ctx, companyID, limit)
}
