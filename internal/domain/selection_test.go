package domain

import (
	"errors"
	"testing"
)

func TestParseSelectionDocAmountWinsOverQuantity(t *testing.T) {
	sel, err := ParseSelectionDoc(SelectionDoc{ItemID: " A ", Quantity: IntPtr(2), AmountCents: Int64Ptr(1500)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	amount, ok := sel.(AmountSelection)
	if !ok {
		t.Fatalf("expected AmountSelection, got %T", sel)
	}
	if amount.ItemID != "A" || amount.AmountCents != 1500 {
		t.Fatalf("unexpected selection: %+v", amount)
	}
}

func TestParseSelectionDocZeroAmountFallsBackToQuantity(t *testing.T) {
	sel, err := ParseSelectionDoc(SelectionDoc{ItemID: "A", Quantity: IntPtr(1), AmountCents: Int64Ptr(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qty, ok := sel.(QuantitySelection); !ok || qty.Quantity != 1 {
		t.Fatalf("expected quantity selection of 1, got %#v", sel)
	}
}

func TestParseSelectionDocRejectsInvalidShapes(t *testing.T) {
	cases := []struct {
		name string
		doc  SelectionDoc
		want error
	}{
		{name: "missing item", doc: SelectionDoc{Quantity: IntPtr(1)}, want: ErrSelectionItemMissing},
		{name: "neither field", doc: SelectionDoc{ItemID: "A"}, want: ErrSelectionEmpty},
		{name: "zero quantity", doc: SelectionDoc{ItemID: "A", Quantity: IntPtr(0)}, want: ErrSelectionEmpty},
		{name: "negative amount", doc: SelectionDoc{ItemID: "A", AmountCents: Int64Ptr(-5)}, want: ErrSelectionNegative},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSelectionDoc(tc.doc)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSelectionToDocSetsExactlyOneField(t *testing.T) {
	doc := SelectionToDoc(QuantitySelection{ItemID: "A", Quantity: 3})
	if doc.Quantity == nil || *doc.Quantity != 3 || doc.AmountCents != nil {
		t.Fatalf("unexpected quantity doc: %+v", doc)
	}
	doc = SelectionToDoc(AmountSelection{ItemID: "B", AmountCents: 700})
	if doc.AmountCents == nil || *doc.AmountCents != 700 || doc.Quantity != nil {
		t.Fatalf("unexpected amount doc: %+v", doc)
	}
}

func TestLineTotalDefaultsToUnitTimesQuantity(t *testing.T) {
	item := OrderItem{ID: "A", Quantity: 2, UnitAmountCents: 3000}
	if got := item.LineTotalCents(); got != 6000 {
		t.Fatalf("expected 6000, got %d", got)
	}
	item.AmountTotalCents = Int64Ptr(5900)
	if got := item.LineTotalCents(); got != 5900 {
		t.Fatalf("expected snapshot total 5900, got %d", got)
	}
}
