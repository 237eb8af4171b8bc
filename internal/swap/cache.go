package swap

import (
	"context"
	"sync"
	"time"
)

const tokenListTTL = 5 * time.Minute

// tokenCache holds the provider token list with lazy TTL refresh: the
// first read after expiry refetches, every other read serves the cached
// copy.
type tokenCache struct {
	mu        sync.Mutex
	tokens    []TokenInfo
	fetchedAt time.Time

	ttl time.Duration
	now func() time.Time
}

func newTokenCache(ttl time.Duration, now func() time.Time) *tokenCache {
	if ttl <= 0 {
		ttl = tokenListTTL
	}
	if now == nil {
		now = time.Now
	}
	return &tokenCache{ttl: ttl, now: now}
}

func (c *tokenCache) get(ctx context.Context, fetch func(ctx context.Context) ([]TokenInfo, error)) ([]TokenInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.tokens) > 0 && c.now().Sub(c.fetchedAt) < c.ttl {
		return cloneTokens(c.tokens), nil
	}

	tokens, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.tokens = cloneTokens(tokens)
	c.fetchedAt = c.now()
	return tokens, nil
}

func cloneTokens(in []TokenInfo) []TokenInfo {
	out := make([]TokenInfo, len(in))
	copy(out, in)
	return out
}
