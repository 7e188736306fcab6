// Package leaderboard caches rendered leaderboard pages in Redis.
package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edgard/expybot/internal/metrics"
	"github.com/edgard/expybot/internal/progression"
)

const (
	keyPrefix = "expy:leaderboard:"

	sharedLoadTimeout = 10 * time.Second

	outcomeHit   = "hit"
	outcomeMiss  = "miss"
	outcomeError = "error"
)

// Cache is a Redis-backed progression.LeaderboardCache.
//
// Pages are stored under a per-guild generation number. Invalidate bumps the
// generation, so every page written before it becomes unreachable and ages
// out through its TTL. Redis failures fall through to the loader.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

var _ progression.LeaderboardCache = (*Cache)(nil)

// NewClient opens a Redis client and checks connectivity.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewCache wraps client. A non-positive ttl defaults to one minute.
func NewCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func generationKey(guildID string) string {
	return keyPrefix + "gen:" + guildID
}

func pageKey(guildID string, generation int64, page, pageSize int) string {
	return fmt.Sprintf("%spage:%s:%d:%d:%d", keyPrefix, guildID, generation, page, pageSize)
}

func (c *Cache) generation(ctx context.Context, guildID string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(guildID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Fetch returns the cached page or loads and stores it. Concurrent misses
// for the same page share one load.
func (c *Cache) Fetch(ctx context.Context, guildID string, page, pageSize int,
	load func(ctx context.Context) (progression.LeaderboardPage, error),
) (progression.LeaderboardPage, error) {
	gen, err := c.generation(ctx, guildID)
	if err != nil {
		c.degraded("read generation", guildID, err)
		return load(ctx)
	}
	key := pageKey(guildID, gen, page, pageSize)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var lp progression.LeaderboardPage
		if err := json.Unmarshal(raw, &lp); err == nil {
			metrics.LeaderboardCache.WithLabelValues(outcomeHit).Inc()
			return lp, nil
		}
		c.logger.Warn("Discarding undecodable leaderboard page", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.degraded("read page", guildID, err)
		return load(ctx)
	}

	metrics.LeaderboardCache.WithLabelValues(outcomeMiss).Inc()
	// The shared load outlives any single caller; each caller still stops
	// waiting when its own ctx ends.
	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		lp, err := load(loadCtx)
		if err != nil {
			return progression.LeaderboardPage{}, err
		}
		c.store(loadCtx, key, lp)
		return lp, nil
	})
	select {
	case <-ctx.Done():
		return progression.LeaderboardPage{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return progression.LeaderboardPage{}, res.Err
		}
		return res.Val.(progression.LeaderboardPage), nil
	}
}

func (c *Cache) store(ctx context.Context, key string, lp progression.LeaderboardPage) {
	data, err := json.Marshal(lp)
	if err != nil {
		c.logger.Warn("Failed to encode leaderboard page", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.degraded("write page", lp.GuildID, err)
	}
}

// Invalidate drops every cached page of guildID.
func (c *Cache) Invalidate(ctx context.Context, guildID string) error {
	if err := c.client.Incr(ctx, generationKey(guildID)).Err(); err != nil {
		metrics.LeaderboardCache.WithLabelValues(outcomeError).Inc()
		return fmt.Errorf("invalidate leaderboard of guild %s: %w", guildID, err)
	}
	return nil
}

func (c *Cache) degraded(op, guildID string, err error) {
	metrics.LeaderboardCache.WithLabelValues(outcomeError).Inc()
	c.logger.Warn("Leaderboard cache unavailable, reading from the database",
		zap.String("op", op),
		zap.String("guild_id", guildID),
		zap.Error(err))
}
