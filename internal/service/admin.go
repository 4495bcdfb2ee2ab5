package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/reconcile"
	"refundledger/backend/internal/store"
)

// UpdateRefundStatus applies a settlement reported by the gateway. Only pending
// refunds move, and only to a final status. Repeating the current status is a
// no-op.
func (s *Service) UpdateRefundStatus(ctx context.Context, refundID string, status domain.RefundStatus) (domain.Refund, error) {
	if _, err := requireAdmin(ctx, ""); err != nil {
		return domain.Refund{}, err
	}

	refundID = strings.TrimSpace(refundID)
	existing, err := s.repo.FindRefundByID(ctx, refundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Refund{}, &domain.NotFoundError{Entity: "refund", ID: refundID}
		}
		return domain.Refund{}, err
	}

	verr := &domain.ValidationError{OrderID: existing.OrderID}
	if !status.Valid() || status == domain.RefundStatusPending {
		verr.Add("status", "status must be one of succeeded, failed, canceled")
		return domain.Refund{}, verr
	}
	if existing.Status == status {
		return *existing, nil
	}
	if existing.Status != domain.RefundStatusPending {
		verr.Add("status", fmt.Sprintf("refund is %s; only pending refunds can change status", existing.Status))
		return domain.Refund{}, verr
	}

	updated, err := s.repo.UpdateRefundStatus(ctx, refundID, status)
	if err != nil {
		return domain.Refund{}, err
	}

	s.logAudit(ctx, updated.OrderID, "refund_status_update", "refund", updated.ID,
		fmt.Sprintf("from=%s,to=%s", existing.Status, updated.Status))
	s.invalidate(ctx, updated.OrderID)
	if _, _, err := s.recompute(ctx, updated.OrderID); err != nil {
		log.Printf("[refund] WARN: recompute after status update of %s failed: %v", updated.ID, err)
	}
	return *updated, nil
}

// BackfillSelections writes explicit amount selections onto legacy refunds
// that a fallback attributes to exactly one item. Records with quantities or
// amounts already stored, and ambiguous ones, are left alone.
func (s *Service) BackfillSelections(ctx context.Context, orderID string) (domain.BackfillResponse, error) {
	if _, err := requireAdmin(ctx, orderID); err != nil {
		return domain.BackfillResponse{}, err
	}
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return domain.BackfillResponse{}, err
	}

	release, err := s.repo.LockOrder(ctx, order.ID)
	if err != nil {
		return domain.BackfillResponse{}, fmt.Errorf("lock order %s: %w", order.ID, err)
	}
	defer release()

	refunds, err := s.repo.ListRefundsByOrder(ctx, order.ID)
	if err != nil {
		return domain.BackfillResponse{}, err
	}

	records := reconcile.ReadRefunds(refunds, true)
	byID := make(map[string]reconcile.RecordView, len(records))
	for _, record := range records {
		byID[record.RefundID] = record
	}
	attr := reconcile.Resolve(reconcile.ReadOrder(*order), records)

	resp := domain.BackfillResponse{OrderID: order.ID, Updated: []string{}, Skipped: []string{}}
	for _, rec := range attr.Records {
		switch rec.Method {
		case reconcile.MethodSingleItem, reconcile.MethodAmountMatch:
		case reconcile.MethodUnattributed:
			resp.Skipped = append(resp.Skipped, rec.RefundID)
			continue
		default:
			continue
		}
		source := byID[rec.RefundID]
		if len(source.Quantities) > 0 || len(source.Amounts) > 0 {
			resp.Skipped = append(resp.Skipped, rec.RefundID)
			continue
		}

		docs := []domain.SelectionDoc{{ItemID: rec.ItemID, AmountCents: domain.Int64Ptr(rec.AmountCents)}}
		if _, err := s.repo.UpdateRefundSelections(ctx, rec.RefundID, docs); err != nil {
			return resp, fmt.Errorf("backfill refund %s: %w", rec.RefundID, err)
		}
		resp.Updated = append(resp.Updated, rec.RefundID)
		s.logAudit(ctx, order.ID, "refund_backfill", "refund", rec.RefundID,
			fmt.Sprintf("method=%s,item=%s,amount=%d", rec.Method, rec.ItemID, rec.AmountCents))
	}

	if len(resp.Updated) > 0 {
		s.invalidate(ctx, order.ID)
		if _, _, err := s.recompute(ctx, order.ID); err != nil {
			log.Printf("[refund] WARN: recompute after backfill of order %s failed: %v", order.ID, err)
		}
	}
	resp.Computed = s.now().Format(time.RFC3339)
	return resp, nil
}
