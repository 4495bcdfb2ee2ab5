package domain

import "fmt"

const (
	CodeValidationFailed       = "VALIDATION_FAILED"
	CodeAlreadyFullyRefunded   = "ALREADY_FULLY_REFUNDED"
	CodeExceedsRemaining       = "EXCEEDS_REMAINING"
	CodeForbidden              = "FORBIDDEN"
	CodeNotFound               = "NOT_FOUND"
	CodeReconciliationRequired = "RECONCILIATION_REQUIRED"
	CodeRefundInFlight         = "REFUND_IN_FLIGHT"
	CodeGatewayDeclined        = "GATEWAY_DECLINED"
)

// CodedError is implemented by every refund domain error.
type CodedError interface {
	error
	Code() string
	Order() string
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	OrderID string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Fields[0].Field, e.Fields[0].Message)
}

func (e *ValidationError) Code() string  { return CodeValidationFailed }
func (e *ValidationError) Order() string { return e.OrderID }

func (e *ValidationError) Add(field string, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) HasFields() bool { return len(e.Fields) > 0 }

// NotFoundError names the missing entity. ID is set when the entity is not
// the order itself.
type NotFoundError struct {
	OrderID string
	Entity  string
	ID      string
}

func (e *NotFoundError) Error() string {
	entity := e.Entity
	if entity == "" {
		entity = "order"
	}
	if e.ID != "" {
		return fmt.Sprintf("%s %s not found", entity, e.ID)
	}
	return fmt.Sprintf("%s not found", entity)
}

func (e *NotFoundError) Code() string  { return CodeNotFound }
func (e *NotFoundError) Order() string { return e.OrderID }

type FullyRefundedError struct {
	OrderID string
}

func (e *FullyRefundedError) Error() string {
	return fmt.Sprintf("order %s is already fully refunded", e.OrderID)
}

func (e *FullyRefundedError) Code() string  { return CodeAlreadyFullyRefunded }
func (e *FullyRefundedError) Order() string { return e.OrderID }

// ExceedsRefundableError reports what is still refundable so the caller can
// re-read and resubmit.
type ExceedsRefundableError struct {
	OrderID                string
	ItemID                 string
	Reason                 string
	RequestedCents         int64
	RemainingCents         int64
	RemainingShippingCents int64
}

func (e *ExceedsRefundableError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("requested %d cents exceeds remaining %d cents", e.RequestedCents, e.RemainingCents)
}

func (e *ExceedsRefundableError) Code() string  { return CodeExceedsRemaining }
func (e *ExceedsRefundableError) Order() string { return e.OrderID }

type AuthorizationError struct {
	OrderID string
	Role    string
}

func (e *AuthorizationError) Error() string {
	if e.Role == "" {
		return "forbidden"
	}
	return fmt.Sprintf("role %q is not allowed to perform this action", e.Role)
}

func (e *AuthorizationError) Code() string  { return CodeForbidden }
func (e *AuthorizationError) Order() string { return e.OrderID }

// PartiallyAppliedError means money moved at the gateway but the local ledger
// does not show it yet. It must never be reported as "no refund happened".
type PartiallyAppliedError struct {
	OrderID         string
	GatewayRefundID string
	AmountCents     int64
	IdempotencyKey  string
	Cause           error
}

func (e *PartiallyAppliedError) Error() string {
	return fmt.Sprintf("refund %s succeeded at gateway for %d cents but is not yet recorded locally; reconciliation required",
		e.GatewayRefundID, e.AmountCents)
}

func (e *PartiallyAppliedError) Unwrap() error { return e.Cause }
func (e *PartiallyAppliedError) Code() string  { return CodeReconciliationRequired }
func (e *PartiallyAppliedError) Order() string { return e.OrderID }

type RefundInFlightError struct {
	OrderID        string
	IdempotencyKey string
}

func (e *RefundInFlightError) Error() string {
	return "an identical refund request is already in flight"
}

func (e *RefundInFlightError) Code() string  { return CodeRefundInFlight }
func (e *RefundInFlightError) Order() string { return e.OrderID }

type GatewayDeclinedError struct {
	OrderID       string
	LocalRefundID string
	Message       string
}

func (e *GatewayDeclinedError) Error() string {
	if e.Message == "" {
		return "refund declined by payment gateway"
	}
	return "refund declined by payment gateway: " + e.Message
}

func (e *GatewayDeclinedError) Code() string  { return CodeGatewayDeclined }
func (e *GatewayDeclinedError) Order() string { return e.OrderID }
