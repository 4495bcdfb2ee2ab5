package service

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"refundledger/backend/internal/cache"
	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/gateway"
	"refundledger/backend/internal/journal"
	"refundledger/backend/internal/store"
	"refundledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var systemActor = domain.Actor{Username: "system", Role: "system"}

type Options struct {
	SummaryTTL        time.Duration
	RepairConcurrency int
	// ClaimTimeout is how long an attempt may sit claimed before the repair
	// sweep asks the gateway for its outcome.
	ClaimTimeout time.Duration
}

type Service struct {
	repo              store.Repository
	gateway           gateway.Gateway
	attempts          journal.Journal
	summaries         cache.SummaryCache
	summaryTTL        time.Duration
	repairConcurrency int
	claimTimeout      time.Duration
	now               func() time.Time
}

func New(repo store.Repository, gw gateway.Gateway, attempts journal.Journal, summaries cache.SummaryCache, opts Options) *Service {
	if gw == nil {
		gw = gateway.Simulated{}
	}
	if attempts == nil {
		attempts = journal.NewMemory()
	}
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = 5 * time.Minute
	}
	if opts.RepairConcurrency < 1 {
		opts.RepairConcurrency = 4
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 2 * time.Minute
	}

	return &Service{
		repo:              repo,
		gateway:           gw,
		attempts:          attempts,
		summaries:         summaries,
		summaryTTL:        opts.SummaryTTL,
		repairConcurrency: opts.RepairConcurrency,
		claimTimeout:      opts.ClaimTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// requireRole returns the acting user when their role is one of roles.
func requireRole(ctx context.Context, orderID string, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, &domain.AuthorizationError{OrderID: orderID}
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, &domain.AuthorizationError{OrderID: orderID, Role: actor.Role}
}

func requireStaff(ctx context.Context, orderID string) (domain.Actor, error) {
	return requireRole(ctx, orderID, domain.RoleStaff, domain.RoleAdmin)
}

func requireAdmin(ctx context.Context, orderID string) (domain.Actor, error) {
	return requireRole(ctx, orderID, domain.RoleAdmin)
}

func (s *Service) loadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.NotFoundError{OrderID: orderID, Entity: "order"}
		}
		return nil, err
	}
	return order, nil
}

func (s *Service) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if _, err := requireAdmin(ctx, order.ID); err != nil {
		return domain.Order{}, err
	}

	order.ID = strings.TrimSpace(order.ID)
	order.Currency = strings.ToLower(strings.TrimSpace(order.Currency))
	verr := &domain.ValidationError{OrderID: order.ID}
	if order.Currency == "" {
		verr.Add("currency", "currency is required")
	}
	if order.TotalCents < 0 {
		verr.Add("total_cents", "total_cents must be >= 0")
	}
	if order.RefundedTotalCents < 0 {
		verr.Add("refunded_total_cents", "refunded_total_cents must be >= 0")
	}
	if len(order.Items) == 0 {
		verr.Add("items", "at least one item is required")
	}
	seen := make(map[string]bool, len(order.Items))
	for i, item := range order.Items {
		field := "items[" + strconv.Itoa(i) + "]"
		switch {
		case strings.TrimSpace(item.ID) == "":
			verr.Add(field+".id", "id is required")
		case seen[item.ID]:
			verr.Add(field+".id", "duplicate item id "+item.ID)
		}
		seen[item.ID] = true
		if item.Quantity < 1 {
			verr.Add(field+".quantity", "quantity must be >= 1")
		}
		if item.UnitAmountCents < 0 {
			verr.Add(field+".unit_amount_cents", "unit_amount_cents must be >= 0")
		}
		if item.AmountTotalCents != nil && *item.AmountTotalCents < 0 {
			verr.Add(field+".amount_total_cents", "amount_total_cents must be >= 0")
		}
	}
	if order.Amounts != nil && order.Amounts.ShippingTotalCents < 0 {
		verr.Add("amounts.shipping_total_cents", "shipping_total_cents must be >= 0")
	}
	if verr.HasFields() {
		return domain.Order{}, verr
	}

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateOrder) {
			verr.Add("id", "order already exists")
			return domain.Order{}, verr
		}
		return domain.Order{}, err
	}

	s.logAudit(ctx, created.ID, "order_import", "order", created.ID, "total_cents="+strconv.FormatInt(created.TotalCents, 10))
	return *created, nil
}

func (s *Service) ListRefunds(ctx context.Context, orderID string) ([]domain.Refund, error) {
	if _, err := requireStaff(ctx, orderID); err != nil {
		return nil, err
	}
	if _, err := s.loadOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListRefundsByOrder(ctx, orderID)
}

func (s *Service) ListAuditLogs(ctx context.Context, orderID string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireAdmin(ctx, orderID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListAuditLogs(ctx, store.AuditFilter{OrderID: strings.TrimSpace(orderID), Limit: limit})
}

func (s *Service) logAudit(ctx context.Context, orderID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = systemActor
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		OrderID:       orderID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
