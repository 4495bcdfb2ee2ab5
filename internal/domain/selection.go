package domain

import (
	"errors"
	"strings"
)

// Selection is one line item's part of a refund. The only implementations are
// QuantitySelection and AmountSelection.
type Selection interface {
	Item() string
	isSelection()
}

// QuantitySelection refunds Quantity units of an item; the amount is prorated
// from the line total.
type QuantitySelection struct {
	ItemID   string
	Quantity int
}

// AmountSelection refunds an explicit amount against an item. It always wins
// over a quantity for the same item.
type AmountSelection struct {
	ItemID      string
	AmountCents int64
}

func (s QuantitySelection) Item() string { return s.ItemID }
func (s AmountSelection) Item() string   { return s.ItemID }

func (QuantitySelection) isSelection() {}
func (AmountSelection) isSelection()   {}

// SelectionDoc is the stored and wire shape of a selection. Legacy records may
// carry both fields or neither.
type SelectionDoc struct {
	ItemID      string `json:"item_id"`
	Quantity    *int   `json:"quantity,omitempty"`
	AmountCents *int64 `json:"amount_cents,omitempty"`
}

var (
	ErrSelectionItemMissing = errors.New("selection item_id is required")
	ErrSelectionEmpty       = errors.New("selection needs a positive quantity or amount_cents")
	ErrSelectionNegative    = errors.New("selection quantity and amount_cents must not be negative")
)

// ParseSelectionDoc turns a request document into a Selection. A positive
// amount wins over a quantity; zero values count as absent.
func ParseSelectionDoc(doc SelectionDoc) (Selection, error) {
	itemID := strings.TrimSpace(doc.ItemID)
	if itemID == "" {
		return nil, ErrSelectionItemMissing
	}
	if (doc.AmountCents != nil && *doc.AmountCents < 0) || (doc.Quantity != nil && *doc.Quantity < 0) {
		return nil, ErrSelectionNegative
	}
	if doc.AmountCents != nil && *doc.AmountCents > 0 {
		return AmountSelection{ItemID: itemID, AmountCents: *doc.AmountCents}, nil
	}
	if doc.Quantity != nil && *doc.Quantity > 0 {
		return QuantitySelection{ItemID: itemID, Quantity: *doc.Quantity}, nil
	}
	return nil, ErrSelectionEmpty
}

func SelectionToDoc(sel Selection) SelectionDoc {
	switch s := sel.(type) {
	case QuantitySelection:
		qty := s.Quantity
		return SelectionDoc{ItemID: s.ItemID, Quantity: &qty}
	case AmountSelection:
		amount := s.AmountCents
		return SelectionDoc{ItemID: s.ItemID, AmountCents: &amount}
	default:
		return SelectionDoc{}
	}
}

func SelectionsToDocs(selections []Selection) []SelectionDoc {
	docs := make([]SelectionDoc, 0, len(selections))
	for _, sel := range selections {
		docs = append(docs, SelectionToDoc(sel))
	}
	return docs
}

func IntPtr(v int) *int       { return &v }
func Int64Ptr(v int64) *int64 { return &v }
