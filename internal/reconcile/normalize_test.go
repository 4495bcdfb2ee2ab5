package reconcile

import (
	"errors"
	"testing"

	"refundledger/backend/internal/domain"
)

func strPtr(v string) *string { return &v }

func TestNormalizeAmountWinsAndZeroIsDropped(t *testing.T) {
	req := Normalize(RefundInput{
		OrderID:    " ord-1 ",
		Quantities: map[string]int{"B": 1, "A": 2, "C": 0},
		Amounts:    map[string]int64{"A": 1500, "D": 0},
	})

	if req.OrderID != "ord-1" {
		t.Fatalf("expected trimmed order id, got %q", req.OrderID)
	}
	if len(req.Selections) != 2 {
		t.Fatalf("expected 2 selections, got %#v", req.Selections)
	}
	if sel, ok := req.Selections[0].(domain.AmountSelection); !ok || sel.ItemID != "A" || sel.AmountCents != 1500 {
		t.Fatalf("expected amount selection for A first, got %#v", req.Selections[0])
	}
	if sel, ok := req.Selections[1].(domain.QuantitySelection); !ok || sel.ItemID != "B" || sel.Quantity != 1 {
		t.Fatalf("expected quantity selection for B second, got %#v", req.Selections[1])
	}
}

func TestDerivedKeyIgnoresOrderingNotesAndDefaults(t *testing.T) {
	first := Normalize(RefundInput{
		OrderID:    "ord-1",
		Quantities: map[string]int{"A": 1, "B": 2},
		Notes:      "customer called",
	})
	second := Normalize(RefundInput{
		OrderID:            "ord-1",
		Quantities:         map[string]int{"B": 2, "A": 1},
		Reason:             strPtr("   "),
		RestockingFeeCents: 0,
		Notes:              "retry",
	})

	if DerivedKey(first) != DerivedKey(second) {
		t.Fatalf("expected identical keys for logically identical requests")
	}
	if len(DerivedKey(first)) != 64 {
		t.Fatalf("expected hex sha256, got %q", DerivedKey(first))
	}

	third := Normalize(RefundInput{OrderID: "ord-1", Quantities: map[string]int{"A": 1, "B": 2}, Reason: strPtr("damaged")})
	if DerivedKey(first) == DerivedKey(third) {
		t.Fatalf("reason must change the key")
	}
	fourth := Normalize(RefundInput{OrderID: "ord-1", Quantities: map[string]int{"A": 1, "B": 2}, RefundShippingCents: 100})
	if DerivedKey(first) == DerivedKey(fourth) {
		t.Fatalf("shipping must change the key")
	}
}

func TestIdempotencyKeyPrefersCallerKey(t *testing.T) {
	req := Normalize(RefundInput{OrderID: "ord-1", Quantities: map[string]int{"A": 1}, IdempotencyKey: "client-key-1"})
	if got := IdempotencyKey(req); got != "client-key-1" {
		t.Fatalf("expected caller key, got %q", got)
	}
	req.IdempotencyKey = ""
	if got := IdempotencyKey(req); got != DerivedKey(req) {
		t.Fatalf("expected derived key, got %q", got)
	}
}

func TestInputFromRequestShapeErrors(t *testing.T) {
	cases := []struct {
		name  string
		req   domain.CreateRefundRequest
		field string
	}{
		{name: "missing order", req: domain.CreateRefundRequest{Selections: []domain.SelectionDoc{qty("A", 1)}}, field: "order_id"},
		{name: "no selections", req: domain.CreateRefundRequest{OrderID: "ord-1"}, field: "selections"},
		{name: "only zero selections", req: domain.CreateRefundRequest{OrderID: "ord-1", Selections: []domain.SelectionDoc{qty("A", 0)}}, field: "selections"},
		{name: "negative fee", req: domain.CreateRefundRequest{OrderID: "ord-1", Selections: []domain.SelectionDoc{qty("A", 1)}, RestockingFeeCents: -1}, field: "restocking_fee_cents"},
		{name: "negative quantity", req: domain.CreateRefundRequest{OrderID: "ord-1", Selections: []domain.SelectionDoc{qty("A", -1)}}, field: "selections[0].quantity"},
		{name: "duplicate quantity", req: domain.CreateRefundRequest{OrderID: "ord-1", Selections: []domain.SelectionDoc{qty("A", 1), qty("A", 2)}}, field: "selections[1].quantity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := InputFromRequest(tc.req)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Fields[0].Field != tc.field {
				t.Fatalf("expected field %s, got %+v", tc.field, verr.Fields)
			}
		})
	}
}

func TestInputFromRequestShippingOnly(t *testing.T) {
	in, err := InputFromRequest(domain.CreateRefundRequest{OrderID: "ord-1", RefundShippingCents: 800})
	if err != nil {
		t.Fatalf("shipping-only refund should be accepted: %v", err)
	}
	if got := Normalize(in); len(got.Selections) != 0 || got.RefundShippingCents != 800 {
		t.Fatalf("unexpected normalized request: %+v", got)
	}
}

func TestInputFromRequestQuantityAndAmountForSameItem(t *testing.T) {
	in, err := InputFromRequest(domain.CreateRefundRequest{
		OrderID:    "ord-1",
		Selections: []domain.SelectionDoc{qty("A", 2), amount("A", 1200)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := Normalize(in)
	if len(req.Selections) != 1 {
		t.Fatalf("expected one selection, got %#v", req.Selections)
	}
	if _, ok := req.Selections[0].(domain.AmountSelection); !ok {
		t.Fatalf("expected the amount to win, got %#v", req.Selections[0])
	}
}
