package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/store"
	"refundledger/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	ordersByID       map[string]domain.Order
	orderIDs         []string
	refundsByID      map[string]domain.Refund
	refundIDsByOrder map[string][]string
	refundIDsByIdem  map[string]string
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount

	lockMu     sync.Mutex
	orderLocks map[string]chan struct{}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD. If
// unset, dev defaults are used and a warning is logged. These accounts never
// exist in production, which runs on PostgreSQL.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// seedOrders covers the interesting cases: an untouched order with shipping,
// an order with an ambiguous legacy refund and a fully refunded order.
func seedOrders(now time.Time) ([]domain.Order, []domain.Refund) {
	orders := []domain.Order{
		{
			ID:         "ord-1001",
			Currency:   "USD",
			TotalCents: 10800,
			Items: []domain.OrderItem{
				{ID: "item-mug", NameSnapshot: "Stoneware Mug", Quantity: 2, UnitAmountCents: 3000},
				{ID: "item-lamp", NameSnapshot: "Desk Lamp", Quantity: 1, UnitAmountCents: 4000},
			},
			Amounts:          &domain.OrderAmounts{SubtotalCents: 10000, ShippingTotalCents: 800},
			PaymentReference: "ch_demo_1001",
			CreatedAt:        now,
		},
		{
			ID:         "ord-1002",
			Currency:   "USD",
			TotalCents: 1400,
			Items: []domain.OrderItem{
				{ID: "item-left", NameSnapshot: "Bookend (left)", Quantity: 1, UnitAmountCents: 700},
				{ID: "item-right", NameSnapshot: "Bookend (right)", Quantity: 1, UnitAmountCents: 700},
			},
			Amounts:            &domain.OrderAmounts{SubtotalCents: 1400},
			RefundedTotalCents: 700,
			PaymentReference:   "ch_demo_1002",
			CreatedAt:          now,
		},
		{
			ID:         "ord-1003",
			Currency:   "USD",
			TotalCents: 2500,
			Items: []domain.OrderItem{
				{ID: "item-scarf", NameSnapshot: "Wool Scarf", Quantity: 1, UnitAmountCents: 2500},
			},
			RefundedTotalCents: 2500,
			PaymentReference:   "ch_demo_1003",
			CreatedAt:          now,
		},
	}
	refunds := []domain.Refund{
		{
			ID:             "ref-legacy-1002",
			OrderID:        "ord-1002",
			AmountCents:    700,
			Status:         domain.RefundStatusSucceeded,
			Reason:         "legacy import",
			IdempotencyKey: "legacy-ord-1002-1",
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		{
			ID:             "ref-legacy-1003",
			OrderID:        "ord-1003",
			AmountCents:    2500,
			Status:         domain.RefundStatusSucceeded,
			Selections:     []domain.SelectionDoc{{ItemID: "item-scarf"}},
			Reason:         "legacy import",
			IdempotencyKey: "legacy-ord-1003-1",
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
	return orders, refunds
}

func NewSeeded() *Store {
	s := NewEmpty()
	s.usersByUsername = seedUsers()

	orders, refunds := seedOrders(time.Now().UTC())
	for _, order := range orders {
		s.ordersByID[order.ID] = order
		s.orderIDs = append(s.orderIDs, order.ID)
	}
	for _, refund := range refunds {
		s.putRefund(refund)
	}
	return s
}

// NewEmpty returns a store with no orders and no users.
func NewEmpty() *Store {
	return &Store{
		ordersByID:       make(map[string]domain.Order),
		refundsByID:      make(map[string]domain.Refund),
		refundIDsByOrder: make(map[string][]string),
		refundIDsByIdem:  make(map[string]string),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
		orderLocks:       make(map[string]chan struct{}),
	}
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, store.ErrDuplicateOrder
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order = cloneOrder(order)
	s.ordersByID[order.ID] = order
	s.orderIDs = append(s.orderIDs, order.ID)

	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) ListOrderIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.orderIDs), nil
}

func (s *Store) SetOrderRefundedTotal(_ context.Context, orderID string, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	order.RefundedTotalCents = cents
	s.ordersByID[orderID] = order
	return nil
}

func (s *Store) ListRefundsByOrder(_ context.Context, orderID string) ([]domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.refundIDsByOrder[orderID]
	result := make([]domain.Refund, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneRefund(s.refundsByID[id]))
	}
	return result, nil
}

func (s *Store) FindRefundByID(_ context.Context, id string) (*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refund, ok := s.refundsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneRefund(refund)
	return &cloned, nil
}

func (s *Store) FindRefundByIdempotency(_ context.Context, key string) (*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.refundIDsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneRefund(s.refundsByID[id])
	return &cloned, nil
}

func (s *Store) CreateRefund(_ context.Context, refund domain.Refund) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ordersByID[refund.OrderID]; !ok {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(refund.IdempotencyKey) == "" || !refund.Status.Valid() {
		return nil, store.ErrInvalidTransaction
	}
	if id, exists := s.refundIDsByIdem[refund.IdempotencyKey]; exists {
		existing := cloneRefund(s.refundsByID[id])
		return &existing, store.ErrDuplicateRefund
	}
	if refund.ID == "" {
		refund.ID = xid.New("ref")
	}
	if _, exists := s.refundsByID[refund.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = now
	}
	refund.UpdatedAt = now

	s.putRefund(cloneRefund(refund))
	cloned := cloneRefund(refund)
	return &cloned, nil
}

func (s *Store) UpdateRefundStatus(_ context.Context, id string, status domain.RefundStatus) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refund, ok := s.refundsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	refund.Status = status
	refund.UpdatedAt = time.Now().UTC()
	s.refundsByID[id] = refund

	cloned := cloneRefund(refund)
	return &cloned, nil
}

func (s *Store) UpdateRefundSelections(_ context.Context, id string, selections []domain.SelectionDoc) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refund, ok := s.refundsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	refund.Selections = cloneSelections(selections)
	refund.UpdatedAt = time.Now().UTC()
	s.refundsByID[id] = refund

	cloned := cloneRefund(refund)
	return &cloned, nil
}

// LockOrder hands out one slot per order. Waiters give up when ctx ends.
func (s *Store) LockOrder(ctx context.Context, orderID string) (func(), error) {
	s.lockMu.Lock()
	slot, ok := s.orderLocks[orderID]
	if !ok {
		slot = make(chan struct{}, 1)
		s.orderLocks[orderID] = slot
	}
	s.lockMu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, filter store.AuditFilter) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if filter.OrderID != "" && entry.OrderID != filter.OrderID {
			continue
		}
		result = append(result, entry)
	}

	slices.SortStableFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return 0
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// putRefund indexes a refund. Callers hold s.mu.
func (s *Store) putRefund(refund domain.Refund) {
	s.refundsByID[refund.ID] = refund
	s.refundIDsByOrder[refund.OrderID] = append(s.refundIDsByOrder[refund.OrderID], refund.ID)
	if refund.IdempotencyKey != "" {
		s.refundIDsByIdem[refund.IdempotencyKey] = refund.ID
	}
}

func cloneOrder(src domain.Order) domain.Order {
	out := src
	out.Items = make([]domain.OrderItem, len(src.Items))
	for i, item := range src.Items {
		if item.AmountTotalCents != nil {
			item.AmountTotalCents = domain.Int64Ptr(*item.AmountTotalCents)
		}
		out.Items[i] = item
	}
	if src.Amounts != nil {
		amounts := *src.Amounts
		out.Amounts = &amounts
	}
	return out
}

func cloneRefund(src domain.Refund) domain.Refund {
	out := src
	out.Selections = cloneSelections(src.Selections)
	return out
}

func cloneSelections(src []domain.SelectionDoc) []domain.SelectionDoc {
	if src == nil {
		return nil
	}
	out := make([]domain.SelectionDoc, len(src))
	for i, doc := range src {
		if doc.Quantity != nil {
			doc.Quantity = domain.IntPtr(*doc.Quantity)
		}
		if doc.AmountCents != nil {
			doc.AmountCents = domain.Int64Ptr(*doc.AmountCents)
		}
		out[i] = doc
	}
	return out
}
