package cache

import (
	"context"
	"fmt"
	"time"

	"refundledger/backend/internal/domain"
)

// SummaryCache holds the last recomputed refund summary per order. It is a
// read path only; eligibility checks always recompute from the refund log.
type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.RefundSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.RefundSummary, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

func SummaryKey(orderID string, includePending bool) string {
	scope := "settled"
	if includePending {
		scope = "all"
	}
	return fmt.Sprintf("refund-summary:%s:%s", orderID, scope)
}

// SummaryKeys returns both scopes for an order, for invalidation.
func SummaryKeys(orderID string) []string {
	return []string{SummaryKey(orderID, true), SummaryKey(orderID, false)}
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.RefundSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.RefundSummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
