package cache

import (
	"context"
	"time"
)

// SummaryCache holds rendered summary payloads (cash balances, stock and
// counterparty summaries) keyed per projection family. Values are the
// JSON-encoded response bytes; the service invalidates a family whenever a
// confirm or cancel touches it.
type SummaryCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
