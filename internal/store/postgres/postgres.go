package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/store"
	"refundledger/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	schemaCtx, cancelSchema := context.WithTimeout(ctx, 15*time.Second)
	defer cancelSchema()
	if err := s.ensureSchema(schemaCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	var amounts []byte
	var paymentRef sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, currency, total_cents, amounts, refunded_total_cents, payment_reference, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.Currency, &order.TotalCents, &amounts, &order.RefundedTotalCents, &paymentRef, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.PaymentReference = paymentRef.String
	order.CreatedAt = order.CreatedAt.UTC()
	if len(amounts) > 0 {
		var parsed domain.OrderAmounts
		if err := json.Unmarshal(amounts, &parsed); err != nil {
			return nil, err
		}
		order.Amounts = &parsed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name_snapshot, quantity, unit_amount_cents, amount_total_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	order.Items = make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		var total sql.NullInt64
		if err := rows.Scan(&item.ID, &item.NameSnapshot, &item.Quantity, &item.UnitAmountCents, &total); err != nil {
			return nil, err
		}
		if total.Valid {
			item.AmountTotalCents = domain.Int64Ptr(total.Int64)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	var amounts any
	if order.Amounts != nil {
		payload, err := json.Marshal(order.Amounts)
		if err != nil {
			return nil, err
		}
		amounts = payload
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (id, currency, total_cents, amounts, refunded_total_cents, payment_reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, order.ID, order.Currency, order.TotalCents, amounts, order.RefundedTotalCents, nullIfEmpty(order.PaymentReference), order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateOrder
		}
		return nil, err
	}

	for i, item := range order.Items {
		var total any
		if item.AmountTotalCents != nil {
			total = *item.AmountTotalCents
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, id, position, name_snapshot, quantity, unit_amount_cents, amount_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, order.ID, item.ID, i, item.NameSnapshot, item.Quantity, item.UnitAmountCents, total)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrInvalidTransaction
			}
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) ListOrderIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM orders ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 128)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) SetOrderRefundedTotal(ctx context.Context, orderID string, cents int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET refunded_total_cents = $2
		WHERE id = $1
	`, orderID, cents)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const refundColumns = `id, order_id, amount_cents, status, selections, refund_shipping_cents, restocking_fee_cents,
	reason, notes, idempotency_key, gateway_refund_id, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefund(row rowScanner) (domain.Refund, error) {
	var refund domain.Refund
	var selections []byte
	var status string
	var reason, notes, gatewayID, createdBy sql.NullString
	err := row.Scan(
		&refund.ID, &refund.OrderID, &refund.AmountCents, &status, &selections,
		&refund.Fees.RefundShippingCents, &refund.Fees.RestockingFeeCents,
		&reason, &notes, &refund.IdempotencyKey, &gatewayID, &createdBy,
		&refund.CreatedAt, &refund.UpdatedAt,
	)
	if err != nil {
		return domain.Refund{}, err
	}
	refund.Status = domain.RefundStatus(status)
	refund.Reason = reason.String
	refund.Notes = notes.String
	refund.GatewayRefundID = gatewayID.String
	refund.CreatedBy = createdBy.String
	refund.CreatedAt = refund.CreatedAt.UTC()
	refund.UpdatedAt = refund.UpdatedAt.UTC()
	if len(selections) > 0 {
		if err := json.Unmarshal(selections, &refund.Selections); err != nil {
			return domain.Refund{}, err
		}
	}
	return refund, nil
}

func (s *Store) ListRefundsByOrder(ctx context.Context, orderID string) ([]domain.Refund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0, 8)
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refunds, nil
}

func (s *Store) FindRefundByID(ctx context.Context, id string) (*domain.Refund, error) {
	return s.findRefund(ctx, "id", id)
}

func (s *Store) FindRefundByIdempotency(ctx context.Context, key string) (*domain.Refund, error) {
	return s.findRefund(ctx, "idempotency_key", key)
}

func (s *Store) findRefund(ctx context.Context, column string, value string) (*domain.Refund, error) {
	refund, err := scanRefund(s.db.QueryRowContext(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE `+column+` = $1
	`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &refund, nil
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error) {
	if strings.TrimSpace(refund.IdempotencyKey) == "" || !refund.Status.Valid() {
		return nil, store.ErrInvalidTransaction
	}
	if refund.ID == "" {
		refund.ID = xid.New("ref")
	}
	now := time.Now().UTC()
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = now
	}
	refund.UpdatedAt = now
	if refund.Selections == nil {
		refund.Selections = []domain.SelectionDoc{}
	}
	selections, err := json.Marshal(refund.Selections)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO refunds (
			id, order_id, amount_cents, status, selections, refund_shipping_cents, restocking_fee_cents,
			reason, notes, idempotency_key, gateway_refund_id, created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, refund.ID, refund.OrderID, refund.AmountCents, string(refund.Status), selections,
		refund.Fees.RefundShippingCents, refund.Fees.RestockingFeeCents,
		nullIfEmpty(refund.Reason), nullIfEmpty(refund.Notes), refund.IdempotencyKey,
		nullIfEmpty(refund.GatewayRefundID), nullIfEmpty(refund.CreatedBy), refund.CreatedAt, refund.UpdatedAt)
	if err != nil {
		switch {
		case isConstraintViolation(err, "23505", "refunds_idempotency_key_key"):
			existing, findErr := s.FindRefundByIdempotency(ctx, refund.IdempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			return existing, store.ErrDuplicateRefund
		case isUniqueViolation(err):
			return nil, store.ErrInvalidTransaction
		case isForeignKeyViolation(err):
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &refund, nil
}

func (s *Store) UpdateRefundStatus(ctx context.Context, id string, status domain.RefundStatus) (*domain.Refund, error) {
	refund, err := scanRefund(s.db.QueryRowContext(ctx, `
		UPDATE refunds
		SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+refundColumns, id, string(status)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &refund, nil
}

func (s *Store) UpdateRefundSelections(ctx context.Context, id string, selections []domain.SelectionDoc) (*domain.Refund, error) {
	if selections == nil {
		selections = []domain.SelectionDoc{}
	}
	payload, err := json.Marshal(selections)
	if err != nil {
		return nil, err
	}
	refund, err := scanRefund(s.db.QueryRowContext(ctx, `
		UPDATE refunds
		SET selections = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+refundColumns, id, payload))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &refund, nil
}

// LockOrder takes a session-level advisory lock on a dedicated connection so
// the lock survives across the gateway call. The connection goes back to the
// pool only after unlock succeeds; otherwise it is discarded.
func (s *Store) LockOrder(ctx context.Context, orderID string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, orderID); err != nil {
		_ = conn.Close()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, orderID); err != nil {
				log.Printf("[postgres] WARN: advisory unlock for order %s failed, dropping connection: %v", orderID, err)
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			_ = conn.Close()
		})
	}, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, order_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.OrderID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, filter store.AuditFilter) ([]domain.AuditLog, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR order_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, filter.OrderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.OrderID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isConstraintViolation(err error, code string, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code && pgErr.ConstraintName == constraint
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
