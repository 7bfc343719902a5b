package chain

import (
	"context"
)

// CachedClient caches finalized headers by hash. Headers are immutable once
// finalized, so entries never need invalidation, only bounding.
type CachedClient struct {
	Client

	headers *ringCache[Hash, Header]
}

// WithHeaderCache wraps a client so repeated parent-header walks during
// backfill don't refetch the same headers.
func WithHeaderCache(client Client) Client {
	return &CachedClient{
		Client: client,

		headers: newRingCache[Hash, Header](512),
	}
}

func (c *CachedClient) Header(ctx context.Context, hash Hash) (Header, error) {
	return c.headers.Get(ctx, hash, c.Client.Header)
}
