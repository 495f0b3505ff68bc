// Package cache provides the Redis-backed read-through cache and session
// memory for the turn pipeline.
//
// Keys are namespaced as {prefix}:{tenant}:{site}:{resource}:{id} so tenants
// can never observe each other's entries. All values are JSON.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loreline-ai/loreline/internal/model"
)

// ErrMiss is returned when a key is absent.
var ErrMiss = errors.New("cache: miss")

// TTLs carries the per-resource expirations.
type TTLs struct {
	Profile       time.Duration
	Prompt        time.Duration
	SiteMap       time.Duration
	Evidence      time.Duration
	RuntimeConfig time.Duration
	Intent        time.Duration
}

// Cache wraps a Redis client with namespaced, typed accessors.
type Cache struct {
	rdb    *redis.Client
	prefix string
	ttls   TTLs
	logger *slog.Logger
}

// New connects to Redis using a URL (redis://host:port/db) and verifies
// connectivity.
func New(ctx context.Context, url, prefix string, ttls TTLs, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return &Cache{rdb: rdb, prefix: prefix, ttls: ttls, logger: logger}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client, prefix string, ttls TTLs, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, prefix: prefix, ttls: ttls, logger: logger}
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func (c *Cache) key(scope model.Scope, resource string, parts ...string) string {
	elems := append([]string{c.prefix, scope.TenantID, scope.SiteID, resource}, parts...)
	return strings.Join(elems, ":")
}

// GetJSON loads and decodes a cached value into dst. Decode failures are
// treated as misses: the entry is dropped and the caller re-fetches.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) error {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache: dropping undecodable entry", "key", key, "error", err)
		c.rdb.Del(ctx, key)
		return ErrMiss
	}
	return nil
}

// SetJSON encodes and stores a value with a TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// Profile accessors.

func (c *Cache) ProfileKey(scope model.Scope, npcID string) string {
	return c.key(scope, "profile", npcID)
}

func (c *Cache) GetProfile(ctx context.Context, scope model.Scope, npcID string) (model.NPCProfile, error) {
	var p model.NPCProfile
	if err := c.GetJSON(ctx, c.ProfileKey(scope, npcID), &p); err != nil {
		return model.NPCProfile{}, err
	}
	return p, nil
}

func (c *Cache) SetProfile(ctx context.Context, p model.NPCProfile) error {
	scope := model.Scope{TenantID: p.TenantID, SiteID: p.SiteID}
	return c.SetJSON(ctx, c.ProfileKey(scope, p.NPCID), p, c.ttls.Profile)
}

// Prompt accessors.

func (c *Cache) PromptKey(scope model.Scope, npcID string) string {
	return c.key(scope, "prompt", npcID)
}

func (c *Cache) GetPrompt(ctx context.Context, scope model.Scope, npcID string) (model.NPCPrompt, error) {
	var p model.NPCPrompt
	if err := c.GetJSON(ctx, c.PromptKey(scope, npcID), &p); err != nil {
		return model.NPCPrompt{}, err
	}
	return p, nil
}

func (c *Cache) SetPrompt(ctx context.Context, p model.NPCPrompt) error {
	scope := model.Scope{TenantID: p.TenantID, SiteID: p.SiteID}
	return c.SetJSON(ctx, c.PromptKey(scope, p.NPCID), p, c.ttls.Prompt)
}

// Site map accessors.

func (c *Cache) SiteMapKey(scope model.Scope) string {
	return c.key(scope, "sitemap", "all")
}

func (c *Cache) GetSiteMap(ctx context.Context, scope model.Scope) (model.SiteMap, error) {
	var sm model.SiteMap
	if err := c.GetJSON(ctx, c.SiteMapKey(scope), &sm); err != nil {
		return model.SiteMap{}, err
	}
	return sm, nil
}

func (c *Cache) SetSiteMap(ctx context.Context, scope model.Scope, sm model.SiteMap) error {
	return c.SetJSON(ctx, c.SiteMapKey(scope), sm, c.ttls.SiteMap)
}

// Runtime config accessors. Invalidated on release activation.

func (c *Cache) RuntimeConfigKey(scope model.Scope, npcID string) string {
	return c.key(scope, "runtime", npcID)
}

func (c *Cache) GetRuntimeConfig(ctx context.Context, scope model.Scope, npcID string) (model.RuntimeConfig, error) {
	var rc model.RuntimeConfig
	if err := c.GetJSON(ctx, c.RuntimeConfigKey(scope, npcID), &rc); err != nil {
		return model.RuntimeConfig{}, err
	}
	return rc, nil
}

func (c *Cache) SetRuntimeConfig(ctx context.Context, scope model.Scope, npcID string, rc model.RuntimeConfig) error {
	return c.SetJSON(ctx, c.RuntimeConfigKey(scope, npcID), rc, c.ttls.RuntimeConfig)
}

// InvalidateRuntimeConfig drops every cached runtime bundle for a scope.
// Called after release activation and rollback.
func (c *Cache) InvalidateRuntimeConfig(ctx context.Context, scope model.Scope) error {
	pattern := c.key(scope, "runtime", "*")
	iter := c.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan runtime keys: %w", err)
	}
	return c.Delete(ctx, keys...)
}

// Intent accessors. Keyed by a content hash of the normalized query.

func (c *Cache) IntentKey(scope model.Scope, queryHash string) string {
	return c.key(scope, "intent", queryHash)
}

func (c *Cache) GetIntent(ctx context.Context, scope model.Scope, queryHash string) (model.Intent, error) {
	var i model.Intent
	if err := c.GetJSON(ctx, c.IntentKey(scope, queryHash), &i); err != nil {
		return model.IntentUnknown, err
	}
	return i, nil
}

func (c *Cache) SetIntent(ctx context.Context, scope model.Scope, queryHash string, intent model.Intent) error {
	return c.SetJSON(ctx, c.IntentKey(scope, queryHash), intent, c.ttls.Intent)
}
