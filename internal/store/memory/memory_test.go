package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/store"
)

func TestCreateRefundRejectsDuplicateKey(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	refund := domain.Refund{
		OrderID:        "ord-1001",
		AmountCents:    3000,
		Status:         domain.RefundStatusSucceeded,
		IdempotencyKey: "key-1",
		Selections:     []domain.SelectionDoc{{ItemID: "item-mug", Quantity: domain.IntPtr(1)}},
	}

	first, err := s.CreateRefund(ctx, refund)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.CreateRefund(ctx, refund)
	if !errors.Is(err, store.ErrDuplicateRefund) {
		t.Fatalf("expected ErrDuplicateRefund, got %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("expected the stored refund back, got %+v", second)
	}

	refunds, _ := s.ListRefundsByOrder(ctx, "ord-1001")
	if len(refunds) != 1 {
		t.Fatalf("expected one refund, got %d", len(refunds))
	}
}

func TestCreateRefundUnknownOrder(t *testing.T) {
	s := NewSeeded()
	_, err := s.CreateRefund(context.Background(), domain.Refund{OrderID: "missing", IdempotencyKey: "k", Status: domain.RefundStatusSucceeded})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	order, err := s.GetOrder(ctx, "ord-1001")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	order.Items[0].Quantity = 99
	order.Amounts.ShippingTotalCents = 0

	again, _ := s.GetOrder(ctx, "ord-1001")
	if again.Items[0].Quantity != 2 || again.Amounts.ShippingTotalCents != 800 {
		t.Fatalf("store state leaked through returned order: %+v", again)
	}
}

func TestLockOrderSerializesAndHonorsContext(t *testing.T) {
	s := NewSeeded()
	release, err := s.LockOrder(context.Background(), "ord-1001")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.LockOrder(ctx, "ord-1001"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second lock to time out, got %v", err)
	}

	other, err := s.LockOrder(context.Background(), "ord-1002")
	if err != nil {
		t.Fatalf("locks must be per order: %v", err)
	}
	other()

	release()
	release()
	again, err := s.LockOrder(context.Background(), "ord-1001")
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	again()
}

func TestSetOrderRefundedTotalAndAuditFilter(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	if err := s.SetOrderRefundedTotal(ctx, "ord-1001", 3000); err != nil {
		t.Fatalf("set counter: %v", err)
	}
	order, _ := s.GetOrder(ctx, "ord-1001")
	if order.RefundedTotalCents != 3000 {
		t.Fatalf("expected counter 3000, got %d", order.RefundedTotalCents)
	}

	_ = s.CreateAuditLog(ctx, domain.AuditLog{OrderID: "ord-1001", Action: "refund.create"})
	_ = s.CreateAuditLog(ctx, domain.AuditLog{OrderID: "ord-1002", Action: "refund.create"})
	logs, err := s.ListAuditLogs(ctx, store.AuditFilter{OrderID: "ord-1001"})
	if err != nil || len(logs) != 1 || logs[0].ID == "" {
		t.Fatalf("expected one audit entry for ord-1001, got %v err=%v", logs, err)
	}
}
