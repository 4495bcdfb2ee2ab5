package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/gateway"
	"refundledger/backend/internal/journal"
	"refundledger/backend/internal/reconcile"
	"refundledger/backend/internal/store"
	"refundledger/backend/internal/xid"
)

// CreateRefund validates a staff refund request against the order, calls the
// gateway, records the refund and refreshes the order's derived state. The
// order lock is held from validation until the record is written, so two
// requests for one order cannot both pass eligibility.
//
// Once the gateway has moved money, failures are reported as a
// PartiallyAppliedError and never as a plain rejection.
func (s *Service) CreateRefund(ctx context.Context, req domain.CreateRefundRequest) (domain.CreateRefundResponse, error) {
	actor, err := requireStaff(ctx, req.OrderID)
	if err != nil {
		return domain.CreateRefundResponse{}, err
	}

	in, err := reconcile.InputFromRequest(req)
	if err != nil {
		return domain.CreateRefundResponse{}, err
	}
	normalized := reconcile.Normalize(in)
	key := reconcile.IdempotencyKey(normalized)

	if resp, done, err := s.replay(ctx, normalized.OrderID, key); done || err != nil {
		return resp, err
	}

	order, err := s.loadOrder(ctx, normalized.OrderID)
	if err != nil {
		return domain.CreateRefundResponse{}, err
	}

	release, err := s.repo.LockOrder(ctx, order.ID)
	if err != nil {
		return domain.CreateRefundResponse{}, fmt.Errorf("lock order %s: %w", order.ID, err)
	}
	defer release()

	// A concurrent request with the same key may have finished while we waited.
	if resp, done, err := s.replay(ctx, order.ID, key); done || err != nil {
		return resp, err
	}

	refunds, err := s.repo.ListRefundsByOrder(ctx, order.ID)
	if err != nil {
		return domain.CreateRefundResponse{}, err
	}
	plan, err := reconcile.Validate(*order, refunds, normalized)
	if err != nil {
		log.Printf("[refund] rejected order=%s key=%s: %v", order.ID, key, err)
		return domain.CreateRefundResponse{}, err
	}

	record := domain.Refund{
		ID:             xid.New("ref"),
		OrderID:        order.ID,
		AmountCents:    plan.TotalCents,
		Status:         domain.RefundStatusPending,
		Selections:     domain.SelectionsToDocs(normalized.Selections),
		Fees:           domain.RefundFees{RefundShippingCents: plan.ShippingCents, RestockingFeeCents: plan.RestockingFeeCents},
		Notes:          normalized.Notes,
		IdempotencyKey: key,
		CreatedBy:      actor.Username,
	}
	if normalized.Reason != nil {
		record.Reason = *normalized.Reason
	}

	entry, claimed, err := s.attempts.Claim(ctx, journal.Entry{IdempotencyKey: key, OrderID: order.ID, Refund: record})
	if err != nil {
		return domain.CreateRefundResponse{}, fmt.Errorf("claim refund attempt: %w", err)
	}
	if !claimed {
		return s.replayAttempt(ctx, entry)
	}

	result, err := s.gateway.Refund(ctx, gateway.Request{
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		Currency:         order.Currency,
		AmountCents:      plan.TotalCents,
		Reason:           record.Reason,
		IdempotencyKey:   key,
	})
	if err != nil {
		if markErr := s.attempts.MarkFailed(context.WithoutCancel(ctx), key, err.Error()); markErr != nil {
			log.Printf("[refund] WARN: failed to mark attempt %s failed: %v", key, markErr)
		}
		log.Printf("[refund] gateway call failed order=%s key=%s: %v", order.ID, key, err)
		return domain.CreateRefundResponse{}, fmt.Errorf("refund gateway: %w", err)
	}

	// Past this point money may have moved; finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if result.Declined() {
		return s.recordDecline(ctx, record, result)
	}

	record = applyGatewayResult(record, result.RefundID, result.Status, result.AmountCents)
	if _, err := s.attempts.MarkGatewaySucceeded(ctx, key, journal.Outcome{
		GatewayRefundID: record.GatewayRefundID,
		Status:          record.Status,
		AmountCents:     record.AmountCents,
	}); err != nil {
		log.Printf("[refund] ERROR: gateway refund %s for order %s succeeded but journal update failed: %v", record.GatewayRefundID, order.ID, err)
	}

	resp := domain.CreateRefundResponse{
		GatewayRefundID: record.GatewayRefundID,
		Status:          record.Status,
		AmountCents:     record.AmountCents,
		IdempotencyKey:  key,
		State:           domain.RefundStateGatewayCalled,
	}

	persisted, err := s.repo.CreateRefund(ctx, record)
	if err != nil && !errors.Is(err, store.ErrDuplicateRefund) {
		log.Printf("[refund] ERROR: gateway refund %s for order %s (%d cents, key %s) not recorded locally: %v",
			record.GatewayRefundID, order.ID, record.AmountCents, key, err)
		resp.State = domain.RefundStatePartiallyApplied
		return resp, &domain.PartiallyAppliedError{
			OrderID:         order.ID,
			GatewayRefundID: record.GatewayRefundID,
			AmountCents:     record.AmountCents,
			IdempotencyKey:  key,
			Cause:           err,
		}
	}
	resp.LocalRefundID = persisted.ID
	resp.State = domain.RefundStatePersisted
	if err := s.attempts.MarkPersisted(ctx, key, persisted.ID); err != nil {
		log.Printf("[refund] WARN: failed to mark attempt %s persisted: %v", key, err)
	}

	s.logAudit(ctx, order.ID, "refund_create", "refund", persisted.ID,
		fmt.Sprintf("amount=%d,status=%s,gateway_refund_id=%s", persisted.AmountCents, persisted.Status, persisted.GatewayRefundID))

	resp.State = domain.RefundStateRecomputeAttempted
	s.invalidate(ctx, order.ID)
	if _, _, err := s.recompute(ctx, order.ID); err != nil {
		log.Printf("[refund] WARN: recompute after refund %s on order %s failed: %v", persisted.ID, order.ID, err)
		resp.State = domain.RefundStatePartiallyApplied
		return resp, nil
	}
	resp.State = domain.RefundStateDone
	return resp, nil
}

// replay answers a request whose key already has a local record or a live
// journal entry. done is false when the request should run normally.
func (s *Service) replay(ctx context.Context, orderID string, key string) (domain.CreateRefundResponse, bool, error) {
	existing, err := s.repo.FindRefundByIdempotency(ctx, key)
	if err == nil && existing.Status.Counted(true) {
		if existing.OrderID != orderID {
			verr := &domain.ValidationError{OrderID: orderID}
			verr.Add("idempotency_key", "idempotency_key was already used for another order")
			return domain.CreateRefundResponse{}, true, verr
		}
		return duplicateResponse(*existing), true, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.CreateRefundResponse{}, true, err
	}

	entry, err := s.attempts.Get(ctx, key)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return domain.CreateRefundResponse{}, false, nil
		}
		return domain.CreateRefundResponse{}, true, err
	}
	if entry.State == journal.StateFailed || entry.State == journal.StateDeclined {
		return domain.CreateRefundResponse{}, false, nil
	}
	resp, err := s.replayAttempt(ctx, entry)
	return resp, true, err
}

// replayAttempt maps a live journal entry for the key to an answer.
func (s *Service) replayAttempt(ctx context.Context, entry journal.Entry) (domain.CreateRefundResponse, error) {
	resp := domain.CreateRefundResponse{
		GatewayRefundID: entry.GatewayRefundID,
		Status:          entry.GatewayStatus,
		AmountCents:     entry.GatewayAmountCents,
		LocalRefundID:   entry.LocalRefundID,
		IdempotencyKey:  entry.IdempotencyKey,
		Duplicate:       true,
		State:           domain.RefundStateDone,
	}

	switch entry.State {
	case journal.StateClaimed:
		return domain.CreateRefundResponse{}, &domain.RefundInFlightError{OrderID: entry.OrderID, IdempotencyKey: entry.IdempotencyKey}
	case journal.StateGatewaySucceeded:
		resp.State = domain.RefundStatePartiallyApplied
		return resp, &domain.PartiallyAppliedError{
			OrderID:         entry.OrderID,
			GatewayRefundID: entry.GatewayRefundID,
			AmountCents:     entry.GatewayAmountCents,
			IdempotencyKey:  entry.IdempotencyKey,
		}
	default:
		if entry.LocalRefundID != "" {
			if refund, err := s.repo.FindRefundByID(ctx, entry.LocalRefundID); err == nil {
				return duplicateResponse(*refund), nil
			}
		}
		return resp, nil
	}
}

// recordDecline keeps a declined attempt as a failed or canceled record so
// staff can see it. Such records never count toward refunded totals. The
// record is stored under its own key so the request key stays free for a
// retry.
func (s *Service) recordDecline(ctx context.Context, record domain.Refund, result gateway.Result) (domain.CreateRefundResponse, error) {
	key := record.IdempotencyKey
	record.Status = result.Status
	record.GatewayRefundID = result.RefundID
	record.IdempotencyKey = declinedKey(key, record.ID)

	declined := &domain.GatewayDeclinedError{OrderID: record.OrderID, Message: result.Message}
	persisted, err := s.repo.CreateRefund(ctx, record)
	if err != nil && !errors.Is(err, store.ErrDuplicateRefund) {
		log.Printf("[refund] WARN: failed to record declined refund order=%s key=%s: %v", record.OrderID, key, err)
	} else {
		declined.LocalRefundID = persisted.ID
	}
	if err := s.attempts.MarkDeclined(ctx, key, result.Message); err != nil {
		log.Printf("[refund] WARN: failed to mark attempt %s declined: %v", key, err)
	}

	s.logAudit(ctx, record.OrderID, "refund_declined", "refund", declined.LocalRefundID,
		fmt.Sprintf("amount=%d,status=%s,message=%s", record.AmountCents, record.Status, result.Message))
	s.invalidate(ctx, record.OrderID)
	return domain.CreateRefundResponse{
		GatewayRefundID: record.GatewayRefundID,
		Status:          record.Status,
		AmountCents:     record.AmountCents,
		LocalRefundID:   declined.LocalRefundID,
		IdempotencyKey:  key,
		State:           domain.RefundStateRejected,
	}, declined
}

func declinedKey(key string, refundID string) string {
	return key + ":declined:" + refundID
}

// applyGatewayResult stores what the gateway actually did. An unknown status
// is kept as pending so it still blocks double refunds.
func applyGatewayResult(record domain.Refund, gatewayRefundID string, status domain.RefundStatus, amountCents int64) domain.Refund {
	record.GatewayRefundID = gatewayRefundID
	record.Status = status
	if !status.Valid() {
		log.Printf("[refund] WARN: gateway refund %s returned unknown status %q; recording as pending", gatewayRefundID, status)
		record.Status = domain.RefundStatusPending
	}
	switch {
	case amountCents > record.AmountCents:
		log.Printf("[refund] ERROR: gateway refund %s for order %s settled %d cents, requested %d; order may be over-refunded",
			gatewayRefundID, record.OrderID, amountCents, record.AmountCents)
		record.AmountCents = amountCents
	case amountCents > 0 && amountCents < record.AmountCents:
		log.Printf("[refund] WARN: gateway refund %s settled %d cents, requested %d", gatewayRefundID, amountCents, record.AmountCents)
		record.AmountCents = amountCents
	}
	return record
}

func duplicateResponse(refund domain.Refund) domain.CreateRefundResponse {
	return domain.CreateRefundResponse{
		GatewayRefundID: refund.GatewayRefundID,
		Status:          refund.Status,
		AmountCents:     refund.AmountCents,
		LocalRefundID:   refund.ID,
		IdempotencyKey:  refund.IdempotencyKey,
		Duplicate:       true,
		State:           domain.RefundStateDone,
	}
}
