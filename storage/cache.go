package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"pov-board/domain"
)

// Backend is a board store the cache can wrap. *Storage and *SQLite implement it.
type Backend interface {
	FetchStages(ctx context.Context, phaseID string) ([]domain.Stage, error)
	ApplyStageOrder(ctx context.Context, phaseID string, orders []domain.StageOrder) error
	ApplyTaskPlacements(ctx context.Context, phaseID string, placements []domain.TaskPlacement) error
	CreateStage(ctx context.Context, phaseID string, st domain.Stage) error
	CreateTask(ctx context.Context, phaseID string, t domain.Task) error
	RecordEvents(ctx context.Context, userID string, events []domain.Event) error
	Ping(ctx context.Context) error
}

// Cache wraps a board backend with Redis-backed caching of phase snapshots.
// Every successful write evicts the phase entry.
type Cache struct {
	base  Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchStages(ctx context.Context, phaseID string) ([]domain.Stage, error) {
	if stages, ok := c.load(ctx, phaseID); ok {
		return stages, nil
	}
	gen, genOK := c.generation(ctx, phaseID)
	stages, err := c.base.FetchStages(ctx, phaseID)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.store(ctx, phaseID, gen, stages)
	}
	return stages, nil
}

// FetchStagesUncached reads the phase board from the backing storage,
// skipping the cache in both directions. Read-modify-write callers use it
// so a decision is never made on a cached snapshot.
func (c *Cache) FetchStagesUncached(ctx context.Context, phaseID string) ([]domain.Stage, error) {
	return c.base.FetchStages(ctx, phaseID)
}

func (c *Cache) ApplyStageOrder(ctx context.Context, phaseID string, orders []domain.StageOrder) error {
	if err := c.base.ApplyStageOrder(ctx, phaseID, orders); err != nil {
		return err
	}
	c.Evict(ctx, phaseID)
	return nil
}

func (c *Cache) ApplyTaskPlacements(ctx context.Context, phaseID string, placements []domain.TaskPlacement) error {
	if err := c.base.ApplyTaskPlacements(ctx, phaseID, placements); err != nil {
		return err
	}
	c.Evict(ctx, phaseID)
	return nil
}

func (c *Cache) CreateStage(ctx context.Context, phaseID string, st domain.Stage) error {
	if err := c.base.CreateStage(ctx, phaseID, st); err != nil {
		return err
	}
	c.Evict(ctx, phaseID)
	return nil
}

func (c *Cache) CreateTask(ctx context.Context, phaseID string, t domain.Task) error {
	if err := c.base.CreateTask(ctx, phaseID, t); err != nil {
		return err
	}
	c.Evict(ctx, phaseID)
	return nil
}

func (c *Cache) RecordEvents(ctx context.Context, userID string, events []domain.Event) error {
	return c.base.RecordEvents(ctx, userID, events)
}

// Ping checks the backing storage and, when configured, Redis.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.base.Ping(ctx); err != nil {
		return err
	}
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Evict drops the cached snapshot of a phase and bumps its generation, so
// fetches that read the backend before the eviction cannot refill the cache.
func (c *Cache) Evict(ctx context.Context, phaseID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, boardGenKey(phaseID))
		p.Del(ctx, boardCacheKey(phaseID))
		return nil
	})
}

// generation returns the eviction counter of a phase. ok is false when the
// cache is disabled or redis cannot be read.
func (c *Cache) generation(ctx context.Context, phaseID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, boardGenKey(phaseID)).Int64()
	switch {
	case err == redis.Nil:
		return 0, true
	case err != nil:
		return 0, false
	}
	return gen, true
}

func (c *Cache) load(ctx context.Context, phaseID string) ([]domain.Stage, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(phaseID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(phaseID)).Err()
		}
		return nil, false
	}
	var stages []domain.Stage
	if err := sonic.Unmarshal(data, &stages); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(phaseID)).Err()
		return nil, false
	}
	return stages, true
}

// store caches stages only if no eviction happened since gen was read.
// WATCH aborts the write when an eviction lands between the check and SET.
func (c *Cache) store(ctx context.Context, phaseID string, gen int64, stages []domain.Stage) {
	data, err := sonic.Marshal(stages)
	if err != nil {
		return
	}
	genKey := boardGenKey(phaseID)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, boardCacheKey(phaseID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func boardCacheKey(phaseID string) string {
	return "board:" + phaseID
}

func boardGenKey(phaseID string) string {
	return "board-gen:" + phaseID
}

var errStaleFill = errors.New("board changed while it was fetched")

var (
	_ Backend = (*Storage)(nil)
	_ Backend = (*SQLite)(nil)
)
