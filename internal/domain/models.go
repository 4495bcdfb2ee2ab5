package domain

import "time"

type OrderAmounts struct {
	SubtotalCents      int64 `json:"subtotal_cents"`
	ShippingTotalCents int64 `json:"shipping_total_cents"`
	DiscountTotalCents int64 `json:"discount_total_cents"`
	TaxTotalCents      int64 `json:"tax_total_cents"`
}

type OrderItem struct {
	ID               string `json:"id"`
	NameSnapshot     string `json:"name_snapshot"`
	Quantity         int    `json:"quantity"`
	UnitAmountCents  int64  `json:"unit_amount_cents"`
	AmountTotalCents *int64 `json:"amount_total_cents,omitempty"`
}

// LineTotalCents falls back to unit × quantity when the snapshot has no total.
func (i OrderItem) LineTotalCents() int64 {
	if i.AmountTotalCents != nil {
		return *i.AmountTotalCents
	}
	return i.UnitAmountCents * int64(i.Quantity)
}

type Order struct {
	ID                 string        `json:"id"`
	Currency           string        `json:"currency"`
	TotalCents         int64         `json:"total_cents"`
	Items              []OrderItem   `json:"items"`
	Amounts            *OrderAmounts `json:"amounts,omitempty"`
	RefundedTotalCents int64         `json:"refunded_total_cents"`
	PaymentReference   string        `json:"payment_reference,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

func (o Order) ShippingTotalCents() int64 {
	if o.Amounts == nil {
		return 0
	}
	return o.Amounts.ShippingTotalCents
}

type RefundStatus string

const (
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusCanceled  RefundStatus = "canceled"
)

func (s RefundStatus) Valid() bool {
	switch s {
	case RefundStatusSucceeded, RefundStatusPending, RefundStatusFailed, RefundStatusCanceled:
		return true
	default:
		return false
	}
}

// Counted reports whether a refund in this status takes part in aggregates.
func (s RefundStatus) Counted(includePending bool) bool {
	if s == RefundStatusSucceeded {
		return true
	}
	return includePending && s == RefundStatusPending
}

type RefundFees struct {
	RefundShippingCents int64 `json:"refund_shipping_cents"`
	RestockingFeeCents  int64 `json:"restocking_fee_cents"`
}

type Refund struct {
	ID              string         `json:"id"`
	OrderID         string         `json:"order_id"`
	AmountCents     int64          `json:"amount_cents"`
	Status          RefundStatus   `json:"status"`
	Selections      []SelectionDoc `json:"selections"`
	Fees            RefundFees     `json:"fees"`
	Reason          string         `json:"reason,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key"`
	GatewayRefundID string         `json:"gateway_refund_id,omitempty"`
	CreatedBy       string         `json:"created_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CreateRefundRequest is the staff command accepted by the orchestrator.
type CreateRefundRequest struct {
	OrderID             string         `json:"order_id"`
	Selections          []SelectionDoc `json:"selections"`
	Reason              *string        `json:"reason,omitempty"`
	RestockingFeeCents  int64          `json:"restocking_fee_cents,omitempty"`
	RefundShippingCents int64          `json:"refund_shipping_cents,omitempty"`
	Notes               string         `json:"notes,omitempty"`
	IdempotencyKey      string         `json:"idempotency_key,omitempty"`
}

type RefundState string

const (
	RefundStateRequested          RefundState = "requested"
	RefundStateValidated          RefundState = "validated"
	RefundStateGatewayCalled      RefundState = "gateway_called"
	RefundStatePersisted          RefundState = "persisted"
	RefundStateRecomputeAttempted RefundState = "recompute_attempted"
	RefundStateDone               RefundState = "done"
	RefundStateRejected           RefundState = "rejected"
	RefundStatePartiallyApplied   RefundState = "partially_applied"
)

type CreateRefundResponse struct {
	GatewayRefundID string       `json:"gateway_refund_id"`
	Status          RefundStatus `json:"status"`
	AmountCents     int64        `json:"amount_cents"`
	LocalRefundID   string       `json:"local_refund_id,omitempty"`
	IdempotencyKey  string       `json:"idempotency_key"`
	Duplicate       bool         `json:"duplicate"`
	State           RefundState  `json:"state"`
}

type ShippingSummary struct {
	OriginalCents  int64 `json:"original_cents"`
	RefundedCents  int64 `json:"refunded_cents"`
	RemainingCents int64 `json:"remaining_cents"`
}

// RefundSummary is the remaining-refundable view served to staff and cached
// after every recompute.
type RefundSummary struct {
	OrderID                     string           `json:"order_id"`
	Currency                    string           `json:"currency"`
	TotalCents                  int64            `json:"total_cents"`
	RefundedCents               int64            `json:"refunded_cents"`
	OrderRemainingCents         int64            `json:"order_remaining_cents"`
	PerItemRemainingQty         map[string]int   `json:"per_item_remaining_qty"`
	PerItemRefundedQty          map[string]int   `json:"per_item_refunded_qty"`
	PerItemRefundedAmountCents  map[string]int64 `json:"per_item_refunded_amount_cents"`
	PerItemRemainingAmountCents map[string]int64 `json:"per_item_remaining_amount_cents"`
	FullyRefundedItemIDs        []string         `json:"fully_refunded_item_ids"`
	UnattributedRefundIDs       []string         `json:"unattributed_refund_ids"`
	Shipping                    ShippingSummary  `json:"shipping"`
	IncludePending              bool             `json:"include_pending"`
	ComputedAt                  time.Time        `json:"computed_at"`
}

type RefundStatusUpdateRequest struct {
	Status RefundStatus `json:"status"`
}

type BackfillResponse struct {
	OrderID  string   `json:"order_id"`
	Updated  []string `json:"updated_refund_ids"`
	Skipped  []string `json:"skipped_refund_ids"`
	Computed string   `json:"computed_at"`
}

type RepairReport struct {
	JournalRepaired  int    `json:"journal_repaired"`
	JournalRemaining int    `json:"journal_remaining"`
	OrdersRecomputed int    `json:"orders_recomputed"`
	OrdersFailed     int    `json:"orders_failed"`
	CompletedAt      string `json:"completed_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
