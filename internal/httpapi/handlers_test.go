package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"refundledger/backend/internal/cache"
	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/gateway"
	"refundledger/backend/internal/journal"
	"refundledger/backend/internal/service"
	"refundledger/backend/internal/store"
	"refundledger/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestAPIWithRepo(t, memory.NewSeeded())
}

func newTestAPIWithRepo(t *testing.T, repo store.Repository) *API {
	t.Helper()

	svc := service.New(repo, gateway.Simulated{}, journal.NewMemory(), cache.NoopSummaryCache{}, service.Options{})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

// lostWritesRepo drops every refund write after the gateway call.
type lostWritesRepo struct {
	store.Repository
}

func (lostWritesRepo) CreateRefund(context.Context, domain.Refund) (*domain.Refund, error) {
	return nil, errors.New("database unavailable")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, res.Code)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	return payload.AccessToken
}

func doJSON(t *testing.T, api *API, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if body := decodeBody(t, res); body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin(t *testing.T) {
	api := newTestAPI(t)

	if token := loginAs(t, api, "staff", "staff123"); token == "" {
		t.Fatalf("expected access token")
	}

	res := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestRefundableRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodGet, "/api/v1/orders/ord-1001/refundable", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestRefundableView(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	res := doJSON(t, api, http.MethodGet, "/api/v1/orders/ord-1001/refundable?include_pending=false", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var summary domain.RefundSummary
	if err := json.NewDecoder(res.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.OrderRemainingCents != 10800 || summary.Shipping.RemainingCents != 800 || summary.IncludePending {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.PerItemRemainingQty["item-mug"] != 2 || summary.PerItemRemainingAmountCents["item-lamp"] != 4000 {
		t.Fatalf("unexpected per-item view: %+v", summary)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/orders/ord-1002/refundable", token, nil)
	body := decodeBody(t, res)
	unattributed, _ := body["unattributed_refund_ids"].([]any)
	if len(unattributed) != 1 || unattributed[0] != "ref-legacy-1002" {
		t.Fatalf("expected ambiguous legacy refund listed, got %v", body["unattributed_refund_ids"])
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/orders/ord-404/refundable", token, nil)
	if res.Code != http.StatusNotFound || decodeBody(t, res)["code"] != domain.CodeNotFound {
		t.Fatalf("expected 404 NOT_FOUND, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/orders/ord-1001/refundable?include_pending=maybe", token, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad include_pending, got %d", res.Code)
	}
}

func TestCreateRefundEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")
	req := map[string]any{
		"order_id":   "ord-1001",
		"selections": []map[string]any{{"item_id": "item-mug", "quantity": 1}},
		"reason":     "damaged",
	}

	res := doJSON(t, api, http.MethodPost, "/api/v1/refunds", token, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	var first domain.CreateRefundResponse
	if err := json.NewDecoder(res.Body).Decode(&first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first.AmountCents != 3000 || first.State != domain.RefundStateDone || first.GatewayRefundID == "" {
		t.Fatalf("unexpected response: %+v", first)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/refunds", token, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", res.Code)
	}
	var second domain.CreateRefundResponse
	_ = json.NewDecoder(res.Body).Decode(&second)
	if !second.Duplicate || second.LocalRefundID != first.LocalRefundID {
		t.Fatalf("expected duplicate of %s, got %+v", first.LocalRefundID, second)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/orders/ord-1001/refunds", token, nil)
	refunds, _ := decodeBody(t, res)["refunds"].([]any)
	if len(refunds) != 1 {
		t.Fatalf("expected one refund listed, got %d", len(refunds))
	}
}

func TestCreateRefundErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "staff", "staff123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/refunds", token, map[string]any{
		"order_id":              "ord-1001",
		"refund_shipping_cents": 900,
	})
	body := decodeBody(t, res)
	if res.Code != http.StatusUnprocessableEntity || body["code"] != domain.CodeExceedsRemaining {
		t.Fatalf("expected 422 EXCEEDS_REMAINING, got %d %v", res.Code, body)
	}
	if body["remaining_shipping_cents"] != float64(800) || body["order_id"] != "ord-1001" {
		t.Fatalf("expected remaining shipping 800 reported, got %v", body)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/refunds", token, map[string]any{"order_id": "ord-1001"})
	body = decodeBody(t, res)
	fields, _ := body["fields"].([]any)
	if res.Code != http.StatusBadRequest || body["code"] != domain.CodeValidationFailed || len(fields) != 1 {
		t.Fatalf("expected 400 VALIDATION_FAILED with fields, got %d %v", res.Code, body)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/refunds", token, map[string]any{
		"order_id":   "ord-1003",
		"selections": []map[string]any{{"item_id": "item-scarf", "quantity": 1}},
	})
	body = decodeBody(t, res)
	if res.Code != http.StatusConflict || body["code"] != domain.CodeAlreadyFullyRefunded {
		t.Fatalf("expected 409 ALREADY_FULLY_REFUNDED, got %d %v", res.Code, body)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/refunds", token, map[string]any{
		"order_id":   "ord-1001",
		"selections": []map[string]any{{"item_id": "item-mug", "quantity": 1}},
		"manager":    "unexpected",
	})
	body = decodeBody(t, res)
	fields, _ = body["fields"].([]any)
	if res.Code != http.StatusBadRequest || body["code"] != domain.CodeValidationFailed || len(fields) != 1 {
		t.Fatalf("expected unknown field reported as VALIDATION_FAILED, got %d %v", res.Code, body)
	}
	if field, _ := fields[0].(map[string]any); field["field"] != "manager" {
		t.Fatalf("expected offending field named, got %v", fields[0])
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/refunds", token, map[string]any{
		"order_id":              "ord-1001",
		"refund_shipping_cents": "lots",
	})
	body = decodeBody(t, res)
	fields, _ = body["fields"].([]any)
	if res.Code != http.StatusBadRequest || body["code"] != domain.CodeValidationFailed || len(fields) != 1 {
		t.Fatalf("expected mistyped field reported as VALIDATION_FAILED, got %d %v", res.Code, body)
	}
	if field, _ := fields[0].(map[string]any); field["field"] != "refund_shipping_cents" {
		t.Fatalf("expected mistyped field named, got %v", fields[0])
	}
}

func TestCreateRefundLostWriteReturnsAccepted(t *testing.T) {
	api := newTestAPIWithRepo(t, lostWritesRepo{Repository: memory.NewSeeded()})
	token := loginAs(t, api, "staff", "staff123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/refunds", token, map[string]any{
		"order_id":   "ord-1001",
		"selections": []map[string]any{{"item_id": "item-lamp", "quantity": 1}},
	})
	body := decodeBody(t, res)
	if res.Code != http.StatusAccepted || body["code"] != domain.CodeReconciliationRequired {
		t.Fatalf("expected 202 RECONCILIATION_REQUIRED, got %d %v", res.Code, body)
	}
	if body["gateway_refund_id"] == "" || body["amount_cents"] != float64(4000) {
		t.Fatalf("expected gateway refund details, got %v", body)
	}
}

func TestAdminOnlyEndpoints(t *testing.T) {
	api := newTestAPI(t)
	staff := loginAs(t, api, "staff", "staff123")
	admin := loginAs(t, api, "admin", "admin123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/orders/ord-1003/backfill", staff, nil)
	if res.Code != http.StatusForbidden || decodeBody(t, res)["code"] != domain.CodeForbidden {
		t.Fatalf("expected 403 FORBIDDEN for staff backfill, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodPost, "/api/v1/reconciliation/repair", staff, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff repair, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/orders/ord-1003/backfill", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin backfill, got %d (body: %s)", res.Code, res.Body.String())
	}
	var backfill domain.BackfillResponse
	_ = json.NewDecoder(res.Body).Decode(&backfill)
	if len(backfill.Updated) != 1 || backfill.Updated[0] != "ref-legacy-1003" {
		t.Fatalf("unexpected backfill response: %+v", backfill)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/reconciliation/repair", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin repair, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs?order_id=ord-1003", admin, nil)
	logs, _ := decodeBody(t, res)["logs"].([]any)
	if res.Code != http.StatusOK || len(logs) == 0 {
		t.Fatalf("expected audit entries for backfill, got %d %d", res.Code, len(logs))
	}

	res = doJSON(t, api, http.MethodPatch, "/api/v1/refunds/ref-legacy-1003/status", admin, map[string]string{"status": "failed"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 changing a settled refund, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodPatch, "/api/v1/refunds/ref-missing/status", admin, map[string]string{"status": "succeeded"})
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown refund, got %d", res.Code)
	}
}

func TestImportOrderAndSummary(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/orders", admin, domain.Order{
		ID:         "ord-3001",
		Currency:   "usd",
		TotalCents: 9000,
		Items:      []domain.OrderItem{{ID: "item-boots", Quantity: 1, UnitAmountCents: 9000}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/orders/ord-3001/refund-summary", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if body := decodeBody(t, res); body["order_remaining_cents"] != float64(9000) {
		t.Fatalf("unexpected summary: %v", body)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/orders/ord-3001/recompute?include_pending=false", admin, nil)
	if res.Code != http.StatusOK || decodeBody(t, res)["include_pending"] != false {
		t.Fatalf("expected settled view from recompute, got %d", res.Code)
	}
}

func TestStaffUsersEndpoint(t *testing.T) {
	api := newTestAPI(t)
	admin := loginAs(t, api, "admin", "admin123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/users/staff", admin, domain.StaffCreateRequest{Username: "agent.kim", Password: "longenough1"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	if token := loginAs(t, api, "agent.kim", "longenough1"); token == "" {
		t.Fatalf("expected new staff user to log in")
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/users/staff", admin, nil)
	staff, _ := decodeBody(t, res)["staff"].([]any)
	if len(staff) != 2 {
		t.Fatalf("expected seeded staff plus new user, got %d", len(staff))
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
