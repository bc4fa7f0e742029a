package authz_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tessera-app/tessera/internal/authz"
	_ "github.com/tessera-app/tessera/testing"
)

type stubSource struct {
	mu    sync.Mutex
	names map[int64]map[string][]string
	calls int
	err   error
}

func (s *stubSource) PermissionNames(ctx context.Context, principalID int64, scope authz.Scope) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.names[principalID][string(scope.Type)], nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newCache(t *testing.T, source authz.PermissionSource, ttl time.Duration) (*authz.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return authz.NewCache(client, source, ttl, nil, nil), mr
}

func member(tenantID int64) authz.Principal {
	return authz.Principal{ID: 42, TenantID: &tenantID, IsActive: true}
}

func TestGetPopulatesOnMissAndServesFromCache(t *testing.T) {
	source := &stubSource{names: map[int64]map[string][]string{
		42: {"tenant": {"billing.view", "reports.view"}},
	}}
	cache, mr := newCache(t, source, time.Hour)
	scope := authz.Scope{Type: authz.ScopeTenant, ID: 7}

	set, err := cache.Get(context.Background(), member(7), scope, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !set.Has("billing.view") || !set.Has("reports.view") || set.Len() != 2 {
		t.Fatalf("unexpected set: %v", set.Names())
	}
	if source.callCount() != 1 {
		t.Fatalf("expected 1 source call, got %d", source.callCount())
	}

	key := authz.CacheKey(42, scope)
	if !mr.Exists(key) {
		t.Fatalf("expected cache entry %s", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	if _, err := cache.Get(context.Background(), member(7), scope, false); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if source.callCount() != 1 {
		t.Fatalf("expected cache hit, source called %d times", source.callCount())
	}
}

func TestCacheEntryEncodingIsDeterministic(t *testing.T) {
	first := &stubSource{names: map[int64]map[string][]string{
		42: {"tenant": {"b.view", "a.view", "c.view"}},
	}}
	second := &stubSource{names: map[int64]map[string][]string{
		42: {"tenant": {"c.view", "b.view", "a.view"}},
	}}
	scope := authz.Scope{Type: authz.ScopeTenant, ID: 7}

	cacheA, mrA := newCache(t, first, time.Hour)
	if _, err := cacheA.Get(context.Background(), member(7), scope, false); err != nil {
		t.Fatalf("get: %v", err)
	}
	cacheB, mrB := newCache(t, second, time.Hour)
	if _, err := cacheB.Get(context.Background(), member(7), scope, false); err != nil {
		t.Fatalf("get: %v", err)
	}

	key := authz.CacheKey(42, scope)
	payloadA, err := mrA.Get(key)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	payloadB, err := mrB.Get(key)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if payloadA != payloadB {
		t.Fatalf("entries differ for identical sets: %q vs %q", payloadA, payloadB)
	}
}

func TestForceRefreshBypassesCachedEntry(t *testing.T) {
	source := &stubSource{names: map[int64]map[string][]string{
		42: {"tenant": {"billing.view"}},
	}}
	cache, _ := newCache(t, source, time.Hour)
	scope := authz.Scope{Type: authz.ScopeTenant, ID: 7}

	if _, err := cache.Get(context.Background(), member(7), scope, false); err != nil {
		t.Fatalf("get: %v", err)
	}
	source.mu.Lock()
	source.names[42]["tenant"] = []string{"billing.view", "roles.view"}
	source.mu.Unlock()

	set, err := cache.Get(context.Background(), member(7), scope, true)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !set.Has("roles.view") {
		t.Fatalf("expected refreshed set, got %v", set.Names())
	}
	if source.callCount() != 2 {
		t.Fatalf("expected 2 source calls, got %d", source.callCount())
	}
}

func TestInvalidatePrincipalRemovesAllScopes(t *testing.T) {
	source := &stubSource{names: map[int64]map[string][]string{
		42: {"tenant": {"billing.view"}, "system": {"roles.view"}},
	}}
	cache, mr := newCache(t, source, time.Hour)
	tenantScope := authz.Scope{Type: authz.ScopeTenant, ID: 7}
	systemScope := authz.Scope{Type: authz.ScopeSystem}

	if _, err := cache.Get(context.Background(), member(7), tenantScope, false); err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if _, err := cache.Get(context.Background(), member(7), systemScope, false); err != nil {
		t.Fatalf("get system: %v", err)
	}

	cache.InvalidatePrincipal(context.Background(), 42)

	if mr.Exists(authz.CacheKey(42, tenantScope)) || mr.Exists(authz.CacheKey(42, systemScope)) {
		t.Fatalf("expected all principal entries removed")
	}

	if _, err := cache.Get(context.Background(), member(7), tenantScope, false); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if source.callCount() != 3 {
		t.Fatalf("expected fresh population after invalidate, calls=%d", source.callCount())
	}
}

func TestInvalidateScopeLeavesOtherScopesAlone(t *testing.T) {
	source := &stubSource{names: map[int64]map[string][]string{
		42: {"tenant": {"billing.view"}},
	}}
	cache, mr := newCache(t, source, time.Hour)
	hit := authz.Scope{Type: authz.ScopeTenant, ID: 7}
	other := authz.Scope{Type: authz.ScopeTenant, ID: 8}

	if _, err := cache.Get(context.Background(), member(7), hit, false); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := cache.Get(context.Background(), member(7), other, false); err != nil {
		t.Fatalf("get: %v", err)
	}

	cache.InvalidateScope(context.Background(), hit)

	if mr.Exists(authz.CacheKey(42, hit)) {
		t.Fatalf("expected scope entry removed")
	}
	if !mr.Exists(authz.CacheKey(42, other)) {
		t.Fatalf("expected unrelated scope entry kept")
	}
}

type gatedSource struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSource) PermissionNames(ctx context.Context, principalID int64, scope authz.Scope) ([]string, error) {
	s.mu.Lock()
	s.calls++
	if s.calls == 1 {
		close(s.entered)
	}
	s.mu.Unlock()
	<-s.release
	return []string{"billing.view"}, nil
}

func (s *gatedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestInvalidateForgetsInFlightPopulation(t *testing.T) {
	source := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	cache, _ := newCache(t, source, time.Hour)
	scope := authz.Scope{Type: authz.ScopeTenant, ID: 7}
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, member(7), scope, false)
		firstDone <- err
	}()
	<-source.entered

	// Invalidating while the population is in flight must detach the key, so
	// the next Get computes fresh instead of adopting the pre-change result.
	cache.InvalidatePrincipal(ctx, 42)

	secondDone := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, member(7), scope, false)
		secondDone <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for source.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("second get joined the invalidated flight, source calls = %d", source.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(source.release)

	if err := <-firstDone; err != nil {
		t.Fatalf("first get: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second get: %v", err)
	}
}

func TestAdminResolvesToWildcardEntry(t *testing.T) {
	source := &stubSource{}
	cache, mr := newCache(t, source, time.Hour)
	scope := authz.Scope{Type: authz.ScopeSystem}
	admin := authz.Principal{ID: 1, IsAdmin: true, IsActive: true}

	set, err := cache.Get(context.Background(), admin, scope, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !set.All() {
		t.Fatalf("expected wildcard set for admin")
	}
	if !set.Has("anything.at.all") {
		t.Fatalf("wildcard set must satisfy any permission")
	}
	if source.callCount() != 0 {
		t.Fatalf("admin resolution must not consult the source")
	}

	payload, err := mr.Get(authz.CacheKey(1, scope))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if payload != `["*"]` {
		t.Fatalf("expected wildcard sentinel, got %q", payload)
	}
}

func TestDegradedCacheFallsBackToSource(t *testing.T) {
	source := &stubSource{names: map[int64]map[string][]string{
		42: {"tenant": {"billing.view"}},
	}}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := authz.NewCache(client, source, time.Hour, nil, nil)
	scope := authz.Scope{Type: authz.ScopeTenant, ID: 7}

	mr.Close()

	set, err := cache.Get(context.Background(), member(7), scope, false)
	if err != nil {
		t.Fatalf("expected degraded read to succeed, got %v", err)
	}
	if !set.Has("billing.view") {
		t.Fatalf("expected source permissions in degraded mode, got %v", set.Names())
	}

	// Invalidations must also swallow medium failures.
	cache.InvalidatePrincipal(context.Background(), 42)
	cache.InvalidateScope(context.Background(), scope)
}

func TestSourceErrorSurfacesToCaller(t *testing.T) {
	source := &stubSource{err: errors.New("db down")}
	cache, _ := newCache(t, source, time.Hour)
	scope := authz.Scope{Type: authz.ScopeTenant, ID: 7}

	if _, err := cache.Get(context.Background(), member(7), scope, false); err == nil {
		t.Fatalf("expected source error to propagate")
	}
}

func TestPreloadWarmsAllScopes(t *testing.T) {
	source := &stubSource{names: map[int64]map[string][]string{
		42: {"tenant": {"billing.view"}, "subtenant": {"reports.view"}},
	}}
	cache, mr := newCache(t, source, time.Hour)
	scopes := []authz.Scope{
		{Type: authz.ScopeTenant, ID: 7},
		{Type: authz.ScopeSubTenant, ID: 70},
	}

	if err := cache.Preload(context.Background(), member(7), scopes); err != nil {
		t.Fatalf("preload: %v", err)
	}
	for _, scope := range scopes {
		if !mr.Exists(authz.CacheKey(42, scope)) {
			t.Fatalf("expected warmed entry for %s", authz.CacheKey(42, scope))
		}
	}
}
