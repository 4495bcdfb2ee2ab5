package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/gateway"
	"refundledger/backend/internal/journal"
	"refundledger/backend/internal/store"
)

// ReconcileJournal records refunds the gateway completed but the ledger never
// saw. Attempts left claimed past the claim timeout are first re-sent to the
// gateway with their original key to learn the outcome. It returns how many
// attempts were resolved and how many still need attention.
func (s *Service) ReconcileJournal(ctx context.Context) (int, int, error) {
	claims, err := s.attempts.ListByState(ctx, journal.StateClaimed)
	if err != nil {
		return 0, 0, fmt.Errorf("list journal: %w", err)
	}

	repaired, remaining := 0, 0
	for _, entry := range claims {
		if s.now().Sub(entry.UpdatedAt) < s.claimTimeout {
			continue
		}
		if err := ctx.Err(); err != nil {
			return repaired, remaining, err
		}
		declined, err := s.resolveClaim(ctx, entry)
		if err != nil {
			log.Printf("[repair] ERROR: attempt %s for order %s stuck in claimed: %v", entry.IdempotencyKey, entry.OrderID, err)
			remaining++
			continue
		}
		if declined {
			repaired++
		}
	}

	entries, err := s.attempts.ListByState(ctx, journal.StateGatewaySucceeded)
	if err != nil {
		return repaired, remaining, fmt.Errorf("list journal: %w", err)
	}
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return repaired, remaining + len(entries) - i, err
		}
		if err := s.repairAttempt(ctx, entry); err != nil {
			log.Printf("[repair] ERROR: gateway refund %s for order %s still not recorded (key %s): %v",
				entry.GatewayRefundID, entry.OrderID, entry.IdempotencyKey, err)
			remaining++
			continue
		}
		repaired++
	}
	return repaired, remaining, nil
}

// resolveClaim re-sends a stale claimed attempt under the order lock. A
// success moves the entry to gateway_succeeded for repairAttempt to record;
// a decline is recorded here and reported as true.
func (s *Service) resolveClaim(ctx context.Context, entry journal.Entry) (bool, error) {
	release, err := s.repo.LockOrder(ctx, entry.OrderID)
	if err != nil {
		return false, fmt.Errorf("lock order %s: %w", entry.OrderID, err)
	}
	defer release()

	current, err := s.attempts.Get(ctx, entry.IdempotencyKey)
	if err != nil {
		return false, err
	}
	if current.State != journal.StateClaimed {
		return false, nil
	}
	order, err := s.loadOrder(ctx, current.OrderID)
	if err != nil {
		return false, err
	}

	result, err := s.gateway.Refund(ctx, gateway.Request{
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		Currency:         order.Currency,
		AmountCents:      current.Refund.AmountCents,
		Reason:           current.Refund.Reason,
		IdempotencyKey:   current.IdempotencyKey,
	})
	if err != nil {
		return false, fmt.Errorf("refund gateway: %w", err)
	}
	if result.Declined() {
		record := current.Refund
		record.IdempotencyKey = current.IdempotencyKey
		s.recordDecline(ctx, record, result)
		return true, nil
	}

	record := applyGatewayResult(current.Refund, result.RefundID, result.Status, result.AmountCents)
	if _, err := s.attempts.MarkGatewaySucceeded(ctx, current.IdempotencyKey, journal.Outcome{
		GatewayRefundID: record.GatewayRefundID,
		Status:          record.Status,
		AmountCents:     record.AmountCents,
	}); err != nil {
		return false, fmt.Errorf("mark gateway succeeded: %w", err)
	}
	log.Printf("[repair] gateway confirmed refund %s for stale attempt %s", record.GatewayRefundID, current.IdempotencyKey)
	return false, nil
}

func (s *Service) repairAttempt(ctx context.Context, entry journal.Entry) error {
	record := applyGatewayResult(entry.Refund, entry.GatewayRefundID, entry.GatewayStatus, entry.GatewayAmountCents)
	record.IdempotencyKey = entry.IdempotencyKey
	record.OrderID = entry.OrderID

	persisted, err := s.repo.CreateRefund(ctx, record)
	if err != nil && !errors.Is(err, store.ErrDuplicateRefund) {
		return err
	}
	if err := s.attempts.MarkPersisted(ctx, entry.IdempotencyKey, persisted.ID); err != nil {
		return fmt.Errorf("mark persisted: %w", err)
	}

	s.logAudit(ctx, entry.OrderID, "refund_repair", "refund", persisted.ID,
		fmt.Sprintf("gateway_refund_id=%s,amount=%d", persisted.GatewayRefundID, persisted.AmountCents))
	s.invalidate(ctx, entry.OrderID)
	if _, _, err := s.recompute(ctx, entry.OrderID); err != nil {
		log.Printf("[repair] WARN: recompute after repair of order %s failed: %v", entry.OrderID, err)
	}
	log.Printf("[repair] recorded gateway refund %s as %s on order %s", persisted.GatewayRefundID, persisted.ID, entry.OrderID)
	return nil
}

// RecomputeAll refreshes every order with bounded concurrency. A failing
// order is logged and counted; it does not stop the sweep.
func (s *Service) RecomputeAll(ctx context.Context) (int, int, error) {
	ids, err := s.repo.ListOrderIDs(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list orders: %w", err)
	}

	var recomputed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.repairConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, _, err := s.recompute(gctx, id); err != nil {
				log.Printf("[repair] WARN: recompute order %s failed: %v", id, err)
				failed.Add(1)
				return nil
			}
			recomputed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(recomputed.Load()), int(failed.Load()), err
}

// Repair runs one journal reconciliation and recompute sweep on behalf of an
// admin.
func (s *Service) Repair(ctx context.Context) (domain.RepairReport, error) {
	if _, err := requireAdmin(ctx, ""); err != nil {
		return domain.RepairReport{}, err
	}
	report, err := s.repairOnce(ctx)
	if err != nil {
		return report, err
	}
	s.logAudit(ctx, "", "refund_repair_sweep", "journal", "",
		fmt.Sprintf("repaired=%d,remaining=%d,recomputed=%d,failed=%d",
			report.JournalRepaired, report.JournalRemaining, report.OrdersRecomputed, report.OrdersFailed))
	return report, nil
}

func (s *Service) repairOnce(ctx context.Context) (domain.RepairReport, error) {
	var report domain.RepairReport
	repaired, remaining, err := s.ReconcileJournal(ctx)
	report.JournalRepaired = repaired
	report.JournalRemaining = remaining
	if err != nil {
		return report, err
	}
	recomputed, failed, err := s.RecomputeAll(ctx)
	report.OrdersRecomputed = recomputed
	report.OrdersFailed = failed
	report.CompletedAt = s.now().Format(time.RFC3339)
	return report, err
}

// RunRepairLoop repairs on every tick until ctx is done.
func (s *Service) RunRepairLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.repairOnce(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("[repair] WARN: sweep failed: %v", err)
				continue
			}
			if report.JournalRepaired > 0 || report.JournalRemaining > 0 || report.OrdersFailed > 0 {
				log.Printf("[repair] sweep repaired=%d remaining=%d recomputed=%d failed=%d",
					report.JournalRepaired, report.JournalRemaining, report.OrdersRecomputed, report.OrdersFailed)
			}
		}
	}
}
