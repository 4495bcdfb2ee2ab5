package service

import (
	"context"
	"log"

	"refundledger/backend/internal/cache"
	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/reconcile"
)

// Remaining computes the refundable view from the current log. It never reads
// the cache, so it is safe to use for eligibility decisions.
func (s *Service) Remaining(ctx context.Context, orderID string, includePending bool) (domain.RefundSummary, error) {
	if _, err := requireStaff(ctx, orderID); err != nil {
		return domain.RefundSummary{}, err
	}
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return domain.RefundSummary{}, err
	}
	refunds, err := s.repo.ListRefundsByOrder(ctx, order.ID)
	if err != nil {
		return domain.RefundSummary{}, err
	}
	return reconcile.Summarize(*order, refunds, includePending, s.now()), nil
}

// Recompute refreshes the order's denormalized counter and cached views and
// returns the requested view. Write failures are logged, not returned.
func (s *Service) Recompute(ctx context.Context, orderID string, includePending bool) (domain.RefundSummary, error) {
	if _, err := requireStaff(ctx, orderID); err != nil {
		return domain.RefundSummary{}, err
	}
	if _, err := s.loadOrder(ctx, orderID); err != nil {
		return domain.RefundSummary{}, err
	}
	all, settled, err := s.recompute(ctx, orderID)
	if err != nil {
		return domain.RefundSummary{}, err
	}
	s.logAudit(ctx, orderID, "refund_recompute", "order", orderID, "")
	if includePending {
		return all, nil
	}
	return settled, nil
}

// RefundSummary serves the cached view and falls back to a recompute on miss.
func (s *Service) RefundSummary(ctx context.Context, orderID string, includePending bool) (domain.RefundSummary, error) {
	if _, err := requireStaff(ctx, orderID); err != nil {
		return domain.RefundSummary{}, err
	}

	key := cache.SummaryKey(orderID, includePending)
	cached, ok, err := s.summaries.Get(ctx, key)
	if err != nil {
		log.Printf("[cache] WARN: summary read failed key=%s: %v", key, err)
	} else if ok {
		return *cached, nil
	}

	if _, err := s.loadOrder(ctx, orderID); err != nil {
		return domain.RefundSummary{}, err
	}
	all, settled, err := s.recompute(ctx, orderID)
	if err != nil {
		return domain.RefundSummary{}, err
	}
	if includePending {
		return all, nil
	}
	return settled, nil
}

// recompute writes the settled log sum back to the order counter and caches
// both views. It is idempotent. A zero log sum leaves the counter alone so
// legacy orders keep their recorded total.
func (s *Service) recompute(ctx context.Context, orderID string) (domain.RefundSummary, domain.RefundSummary, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return domain.RefundSummary{}, domain.RefundSummary{}, err
	}
	refunds, err := s.repo.ListRefundsByOrder(ctx, order.ID)
	if err != nil {
		return domain.RefundSummary{}, domain.RefundSummary{}, err
	}

	settledCents := reconcile.SettledRefundedCents(refunds)
	if settledCents > 0 && settledCents != order.RefundedTotalCents {
		if err := s.repo.SetOrderRefundedTotal(ctx, order.ID, settledCents); err != nil {
			log.Printf("[recompute] WARN: failed to write refunded total order=%s cents=%d: %v", order.ID, settledCents, err)
		} else {
			order.RefundedTotalCents = settledCents
		}
	}

	now := s.now()
	all := reconcile.Summarize(*order, refunds, true, now)
	settled := reconcile.Summarize(*order, refunds, false, now)
	s.cacheSummary(ctx, &all)
	s.cacheSummary(ctx, &settled)
	return all, settled, nil
}

func (s *Service) cacheSummary(ctx context.Context, summary *domain.RefundSummary) {
	key := cache.SummaryKey(summary.OrderID, summary.IncludePending)
	if err := s.summaries.Set(ctx, key, summary, s.summaryTTL); err != nil {
		log.Printf("[cache] WARN: summary write failed key=%s: %v", key, err)
	}
}

func (s *Service) invalidate(ctx context.Context, orderID string) {
	if err := s.summaries.Delete(ctx, cache.SummaryKeys(orderID)...); err != nil {
		log.Printf("[cache] WARN: summary invalidate failed order=%s: %v", orderID, err)
	}
}
