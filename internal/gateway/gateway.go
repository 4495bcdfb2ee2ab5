// Package gateway issues refunds against the payment provider that captured
// the original charge.
package gateway

import (
	"context"
	"fmt"

	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/xid"
)

type Request struct {
	OrderID          string `json:"order_id"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Currency         string `json:"currency"`
	AmountCents      int64  `json:"amount_cents"`
	Reason           string `json:"reason,omitempty"`
	IdempotencyKey   string `json:"-"`
}

// Result is the provider's answer. A failed or canceled status is a decline:
// no money moved.
type Result struct {
	RefundID    string              `json:"id"`
	Status      domain.RefundStatus `json:"status"`
	AmountCents int64               `json:"amount_cents"`
	Message     string              `json:"message,omitempty"`
}

func (r Result) Declined() bool {
	return r.Status == domain.RefundStatusFailed || r.Status == domain.RefundStatusCanceled
}

// Gateway returns an error only when the outcome is unknown (transport
// failure, provider error). Retrying with the same idempotency key is safe.
type Gateway interface {
	Refund(ctx context.Context, req Request) (Result, error)
}

// Simulated approves every refund in full. It stands in for a provider when
// none is configured.
type Simulated struct{}

func (Simulated) Refund(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.AmountCents <= 0 {
		return Result{}, fmt.Errorf("refund amount must be positive, got %d", req.AmountCents)
	}
	return Result{
		RefundID:    xid.New("gwref"),
		Status:      domain.RefundStatusSucceeded,
		AmountCents: req.AmountCents,
	}, nil
}
