// Package journal is the write-ahead record of refund attempts, keyed by
// idempotency key. An attempt is claimed before the gateway is called and
// marked after each external step, so a refund that moved money but never
// reached the local ledger can be found and repaired later.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"refundledger/backend/internal/domain"
)

type State string

const (
	StateClaimed          State = "claimed"
	StateGatewaySucceeded State = "gateway_succeeded"
	StatePersisted        State = "persisted"
	StateFailed           State = "failed"
	StateDeclined         State = "declined"
)

var (
	ErrNotFound          = errors.New("journal entry not found")
	ErrInvalidTransition = errors.New("invalid journal transition")
)

type Entry struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        string `json:"order_id"`
	State          State  `json:"state"`
	Attempts       int    `json:"attempts"`

	// Refund is the local record to persist once the gateway answers.
	Refund             domain.Refund       `json:"refund"`
	GatewayRefundID    string              `json:"gateway_refund_id,omitempty"`
	GatewayStatus      domain.RefundStatus `json:"gateway_status,omitempty"`
	GatewayAmountCents int64               `json:"gateway_amount_cents,omitempty"`
	LocalRefundID      string              `json:"local_refund_id,omitempty"`
	LastError          string              `json:"last_error,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Outcome is what the gateway reported for a claimed attempt.
type Outcome struct {
	GatewayRefundID string
	Status          domain.RefundStatus
	AmountCents     int64
}

type Journal interface {
	// Claim stores entry as claimed unless a live entry already holds the key.
	// It returns the stored entry and whether this call claimed it. Failed and
	// declined entries can be claimed again; no money moved for either.
	Claim(ctx context.Context, entry Entry) (Entry, bool, error)
	Get(ctx context.Context, key string) (Entry, error)
	MarkGatewaySucceeded(ctx context.Context, key string, outcome Outcome) (Entry, error)
	MarkPersisted(ctx context.Context, key string, localRefundID string) error
	MarkFailed(ctx context.Context, key string, reason string) error
	MarkDeclined(ctx context.Context, key string, reason string) error
	ListByState(ctx context.Context, state State) ([]Entry, error)
	Close() error
}

func claimable(existing Entry) bool {
	return existing.State == StateFailed || existing.State == StateDeclined
}

func newClaim(entry Entry, previous *Entry, now time.Time) Entry {
	entry.State = StateClaimed
	entry.GatewayRefundID = ""
	entry.GatewayStatus = ""
	entry.GatewayAmountCents = 0
	entry.LocalRefundID = ""
	entry.LastError = ""
	entry.Attempts = 1
	entry.CreatedAt = now
	if previous != nil {
		entry.Attempts = previous.Attempts + 1
		entry.CreatedAt = previous.CreatedAt
	}
	entry.UpdatedAt = now
	return entry
}

// advance applies one state change in place. Both implementations route every
// mark through it so they agree on the allowed transitions.
func advance(e *Entry, to State, mutate func(*Entry), now time.Time) error {
	allowed := false
	switch e.State {
	case StateClaimed:
		allowed = to == StateGatewaySucceeded || to == StateFailed || to == StateDeclined
	case StateGatewaySucceeded:
		allowed = to == StatePersisted
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, e.State, to, e.IdempotencyKey)
	}
	e.State = to
	if mutate != nil {
		mutate(e)
	}
	e.UpdatedAt = now
	return nil
}

func withOutcome(outcome Outcome) func(*Entry) {
	return func(e *Entry) {
		e.GatewayRefundID = outcome.GatewayRefundID
		e.GatewayStatus = outcome.Status
		e.GatewayAmountCents = outcome.AmountCents
	}
}

func withLocalID(id string) func(*Entry) {
	return func(e *Entry) { e.LocalRefundID = id }
}

func withError(reason string) func(*Entry) {
	return func(e *Entry) { e.LastError = reason }
}
