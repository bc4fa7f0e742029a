package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tessera-app/tessera/internal/observability"
)

const (
	// DefaultCacheTTL bounds how long a cached permission set is trusted.
	DefaultCacheTTL = 1800 * time.Second

	cacheKeyPrefix = "authz:perms"

	// permissionWildcard is the stored sentinel for the admin-bypass set.
	permissionWildcard = "*"

	scanBatchSize = 200
)

// PermissionSource loads the source-of-truth permission names on cache miss.
type PermissionSource interface {
	PermissionNames(ctx context.Context, principalID int64, scope Scope) ([]string, error)
}

// Cache is a TTL-bounded Redis projection of effective permission sets keyed
// by (principal, scope). Entries are replaced whole, never mutated in place.
// When Redis is unavailable the cache degrades to direct store reads and all
// writes become best-effort; callers never see a cache-medium error.
type Cache struct {
	client  *redis.Client
	source  PermissionSource
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
	group   singleflight.Group

	// inflight tracks keys with an active population so invalidation can
	// detach late joiners from a flight computed against pre-change data.
	inflight sync.Map
}

// NewCache constructs the permission cache. A non-positive ttl falls back to
// DefaultCacheTTL. The client may be nil, in which case every read goes to
// the source.
func NewCache(client *redis.Client, source PermissionSource, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, source: source, ttl: ttl, logger: logger, metrics: metrics}
}

// CacheKey composes the deterministic cache key for a principal and scope.
// A zero scope ID is encoded as "-".
func CacheKey(principalID int64, scope Scope) string {
	return fmt.Sprintf("%s:%d:%s:%s", cacheKeyPrefix, principalID, scope.Type, scopeToken(scope))
}

func scopeToken(scope Scope) string {
	if scope.ID == 0 {
		return "-"
	}
	return strconv.FormatInt(scope.ID, 10)
}

// Get resolves the effective permission set for the principal in the scope.
// A cached entry is returned as-is unless forceRefresh is set; otherwise the
// set is recomputed from the source and written back with the configured TTL
// before being returned. Admin-bypass principals resolve to the wildcard set.
func (c *Cache) Get(ctx context.Context, principal Principal, scope Scope, forceRefresh bool) (PermissionSet, error) {
	key := CacheKey(principal.ID, scope)
	if !forceRefresh {
		if set, ok := c.probe(ctx, key); ok {
			c.metrics.ObserveCacheOp("hit")
			return set, nil
		}
	}

	// Concurrent misses for one key share a single population. The loader
	// runs detached from the first caller's context so a cancelled request
	// cannot poison the result for the others; a write that completes after
	// cancellation is still a valid entry.
	c.inflight.Store(key, struct{}{})
	resultCh := c.group.DoChan(key, func() (any, error) {
		defer c.inflight.Delete(key)
		return c.populate(context.WithoutCancel(ctx), principal, scope, key)
	})
	select {
	case <-ctx.Done():
		return PermissionSet{}, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return PermissionSet{}, res.Err
		}
		return res.Val.(PermissionSet), nil
	}
}

// InvalidatePrincipal removes every cached entry for the principal across all
// scopes. Used after the principal's role assignments change.
func (c *Cache) InvalidatePrincipal(ctx context.Context, principalID int64) {
	c.forgetInflight(func(key string) bool {
		return strings.HasPrefix(key, fmt.Sprintf("%s:%d:", cacheKeyPrefix, principalID))
	})
	c.deletePattern(ctx, fmt.Sprintf("%s:%d:*", cacheKeyPrefix, principalID))
}

// InvalidateScope removes every cached entry whose scope matches. Used after
// a role's permission grants change, which affects all principals sharing the
// scope.
func (c *Cache) InvalidateScope(ctx context.Context, scope Scope) {
	c.forgetInflight(func(key string) bool {
		return strings.HasSuffix(key, fmt.Sprintf(":%s:%s", scope.Type, scopeToken(scope)))
	})
	c.deletePattern(ctx, fmt.Sprintf("%s:*:%s:%s", cacheKeyPrefix, scope.Type, scopeToken(scope)))
}

// forgetInflight detaches matching in-flight populations from the
// singleflight group so the next Get recomputes instead of adopting a result
// loaded before the invalidation.
func (c *Cache) forgetInflight(match func(key string) bool) {
	c.inflight.Range(func(k, _ any) bool {
		if key := k.(string); match(key) {
			c.group.Forget(key)
		}
		return true
	})
}

// Preload warms the cache for multiple scopes concurrently and waits for all
// population to finish. It is a throughput optimization only; each entry
// still carries its own TTL.
func (c *Cache) Preload(ctx context.Context, principal Principal, scopes []Scope) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, scope := range scopes {
		g.Go(func() error {
			_, err := c.Get(ctx, principal, scope, false)
			return err
		})
	}
	return g.Wait()
}

func (c *Cache) probe(ctx context.Context, key string) (PermissionSet, bool) {
	if c.client == nil {
		return PermissionSet{}, false
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			c.degraded("get", key, err)
		} else {
			c.metrics.ObserveCacheOp("miss")
		}
		return PermissionSet{}, false
	}
	set, err := decodePermissions(payload)
	if err != nil {
		c.logger.Warn("authz cache: corrupt entry", slog.String("key", key), slog.Any("error", err))
		return PermissionSet{}, false
	}
	return set, true
}

func (c *Cache) populate(ctx context.Context, principal Principal, scope Scope, key string) (PermissionSet, error) {
	var set PermissionSet
	if principal.IsAdmin {
		set = AllPermissions()
	} else {
		names, err := c.source.PermissionNames(ctx, principal.ID, scope)
		if err != nil {
			return PermissionSet{}, err
		}
		set = NewPermissionSet(names...)
	}
	c.metrics.ObserveCacheOp("refresh")
	c.writeBack(ctx, key, set)
	return set, nil
}

func (c *Cache) writeBack(ctx context.Context, key string, set PermissionSet) {
	if c.client == nil {
		return
	}
	payload, err := encodePermissions(set)
	if err != nil {
		c.logger.Warn("authz cache: encode entry", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.degraded("set", key, err)
	}
}

func (c *Cache) deletePattern(ctx context.Context, pattern string) {
	if c.client == nil {
		return
	}
	iter := c.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= scanBatchSize {
			c.deleteKeys(ctx, keys)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		c.degraded("scan", pattern, err)
		return
	}
	c.deleteKeys(ctx, keys)
	c.metrics.ObserveCacheOp("invalidate")
}

func (c *Cache) deleteKeys(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.degraded("del", keys[0], err)
	}
}

// degraded records a cache-medium failure. The failure is never surfaced to
// the caller; authorization availability wins over cache consistency.
func (c *Cache) degraded(op, key string, err error) {
	c.metrics.ObserveCacheOp("degraded")
	c.logger.Warn("authz cache: medium unavailable",
		slog.String("op", op),
		slog.String("key", key),
		slog.Any("error", err))
}

func encodePermissions(set PermissionSet) ([]byte, error) {
	if set.All() {
		return json.Marshal([]string{permissionWildcard})
	}
	return json.Marshal(set.Names())
}

func decodePermissions(payload []byte) (PermissionSet, error) {
	var names []string
	if err := json.Unmarshal(payload, &names); err != nil {
		return PermissionSet{}, err
	}
	if len(names) == 1 && names[0] == permissionWildcard {
		return AllPermissions(), nil
	}
	return NewPermissionSet(names...), nil
}
