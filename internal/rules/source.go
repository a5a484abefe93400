package rules

import (
	"context"
	"sync"
	"time"
)

// StaticSource serves a fixed rule set. Used for configuration-defined rules
// and in tests.
type StaticSource struct {
	mu    sync.RWMutex
	rules []OptimizationRule
}

// NewStaticSource creates a source over the given rules.
func NewStaticSource(rules []OptimizationRule) *StaticSource {
	return &StaticSource{rules: rules}
}

// RulesForScope returns all rules whose entity matches the scope.
func (s *StaticSource) RulesForScope(_ context.Context, scope Scope) ([]OptimizationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]OptimizationRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.AppliesTo(scope) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// Replace swaps the rule set.
func (s *StaticSource) Replace(rules []OptimizationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// CachedSource is a read-through snapshot cache over another source. Rule
// staleness up to the TTL is tolerated: cost-rule drift is low-severity, so
// there is no invalidation beyond expiry.
type CachedSource struct {
	inner Source
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[Scope]cacheEntry
}

type cacheEntry struct {
	rules     []OptimizationRule
	fetchedAt time.Time
}

// NewCachedSource wraps a source with a per-scope TTL cache.
func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[Scope]cacheEntry),
	}
}

// RulesForScope returns the cached snapshot for the scope, refreshing it
// from the inner source when expired. Errors on refresh are returned only
// when no previous snapshot exists; otherwise the stale snapshot is served.
func (c *CachedSource) RulesForScope(ctx context.Context, scope Scope) ([]OptimizationRule, error) {
	c.mu.Lock()
	entry, ok := c.entries[scope]
	c.mu.Unlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.rules, nil
	}

	fresh, err := c.inner.RulesForScope(ctx, scope)
	if err != nil {
		if ok {
			return entry.rules, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[scope] = cacheEntry{rules: fresh, fetchedAt: c.now()}
	c.mu.Unlock()
	return fresh, nil
}
