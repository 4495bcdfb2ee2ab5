package store

import (
	"context"
	"errors"

	"refundledger/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrDuplicateRefund    = errors.New("duplicate refund idempotency key")
	ErrDuplicateOrder     = errors.New("order already exists")
)

type AuditFilter struct {
	OrderID string
	Limit   int
}

type Repository interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	ListOrderIDs(ctx context.Context) ([]string, error)
	// SetOrderRefundedTotal writes the denormalized counter. Only recompute
	// calls it.
	SetOrderRefundedTotal(ctx context.Context, orderID string, cents int64) error

	ListRefundsByOrder(ctx context.Context, orderID string) ([]domain.Refund, error)
	FindRefundByID(ctx context.Context, id string) (*domain.Refund, error)
	FindRefundByIdempotency(ctx context.Context, key string) (*domain.Refund, error)
	// CreateRefund enforces a unique idempotency key. On conflict it returns
	// the stored refund together with ErrDuplicateRefund.
	CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error)
	UpdateRefundStatus(ctx context.Context, id string, status domain.RefundStatus) (*domain.Refund, error)
	UpdateRefundSelections(ctx context.Context, id string, selections []domain.SelectionDoc) (*domain.Refund, error)

	// LockOrder serializes refund creation per order. The returned func
	// releases the lock and must be called exactly once.
	LockOrder(ctx context.Context, orderID string) (func(), error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
