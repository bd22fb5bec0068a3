package cache

import (
	"context"
	"time"

	"greenledger/engine/internal/domain"
)

// SequenceConfigCache is a read-through cache for sequence configuration.
// Config rows are read on every allocation but change rarely, so a short TTL
// keeps the counter store off the hot path without risking stale prefixes.
type SequenceConfigCache interface {
	Get(ctx context.Context, seqType string) (*domain.SequenceConfig, bool, error)
	Set(ctx context.Context, seqType string, cfg *domain.SequenceConfig, ttl time.Duration) error
}

type NoopSequenceConfigCache struct{}

func (NoopSequenceConfigCache) Get(_ context.Context, _ string) (*domain.SequenceConfig, bool, error) {
	return nil, false, nil
}

func (NoopSequenceConfigCache) Set(_ context.Context, _ string, _ *domain.SequenceConfig, _ time.Duration) error {
	return nil
}
