// Package codebase builds the structural repository summaries that ground
// the oracle prompts, and caches them per repository and language.
package codebase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/daimoniac/bountyline/internal/observability"
)

// Snapshot is a versioned repository summary. Text may be empty.
type Snapshot struct {
	Version string
	Text    string
	BuiltAt time.Time
}

// Provider returns the context for a repository
type Provider interface {
	Context(ctx context.Context, repositoryURL, language string) (Snapshot, error)
}

type cacheKey struct {
	repository string
	language   string
}

// Cache memoizes snapshots from an inner provider until they expire or are
// rebuilt
type Cache struct {
	inner Provider
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]Snapshot
}

// NewCache wraps inner. A ttl of zero keeps snapshots until Rebuild.
func NewCache(inner Provider, ttl time.Duration) *Cache {
	return &Cache{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[cacheKey]Snapshot),
	}
}

// Context implements Provider
func (c *Cache) Context(ctx context.Context, repositoryURL, language string) (Snapshot, error) {
	key := newKey(repositoryURL, language)

	c.mu.Lock()
	snap, ok := c.entries[key]
	c.mu.Unlock()

	if ok && (c.ttl == 0 || c.now().Sub(snap.BuiltAt) < c.ttl) {
		observability.GetMetrics().CodebaseContextBuilds.WithLabelValues("cached").Inc()
		return snap, nil
	}
	return c.Rebuild(ctx, repositoryURL, language)
}

// Rebuild regenerates the snapshot regardless of what is cached
func (c *Cache) Rebuild(ctx context.Context, repositoryURL, language string) (Snapshot, error) {
	metrics := observability.GetMetrics()

	snap, err := c.inner.Context(ctx, repositoryURL, language)
	if err != nil {
		metrics.CodebaseContextBuilds.WithLabelValues("failed").Inc()
		return Snapshot{}, err
	}
	if snap.BuiltAt.IsZero() {
		snap.BuiltAt = c.now()
	}

	c.mu.Lock()
	c.entries[newKey(repositoryURL, language)] = snap
	c.mu.Unlock()

	metrics.CodebaseContextBuilds.WithLabelValues("built").Inc()
	return snap, nil
}

// Invalidate drops every cached snapshot of a repository
func (c *Cache) Invalidate(repositoryURL string) {
	repo := normalizeURL(repositoryURL)

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.repository == repo {
			delete(c.entries, key)
		}
	}
}

func newKey(repositoryURL, language string) cacheKey {
	return cacheKey{repository: normalizeURL(repositoryURL), language: strings.ToLower(language)}
}

func normalizeURL(u string) string {
	u = strings.TrimSpace(strings.ToLower(u))
	u = strings.TrimSuffix(u, "/")
	return strings.TrimSuffix(u, ".git")
}
