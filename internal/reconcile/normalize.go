package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"refundledger/backend/internal/domain"
)

// RefundInput is staff input before normalization: a chosen quantity and an
// optional override amount per item, plus the refund options.
type RefundInput struct {
	OrderID             string
	Quantities          map[string]int
	Amounts             map[string]int64
	Reason              *string
	RestockingFeeCents  int64
	RefundShippingCents int64
	Notes               string
	IdempotencyKey      string
}

type NormalizedRequest struct {
	OrderID             string
	Selections          []domain.Selection
	Reason              *string
	RestockingFeeCents  int64
	RefundShippingCents int64
	Notes               string
	IdempotencyKey      string
}

// InputFromRequest checks the shape of a create-refund request and folds its
// selections into per-item inputs. A request may name an item twice only to
// give it both a quantity and an override amount.
func InputFromRequest(req domain.CreateRefundRequest) (RefundInput, error) {
	orderID := strings.TrimSpace(req.OrderID)
	verr := &domain.ValidationError{OrderID: orderID}
	if orderID == "" {
		verr.Add("order_id", "order_id is required")
	}
	if req.RestockingFeeCents < 0 {
		verr.Add("restocking_fee_cents", "restocking_fee_cents must be >= 0")
	}
	if req.RefundShippingCents < 0 {
		verr.Add("refund_shipping_cents", "refund_shipping_cents must be >= 0")
	}

	in := RefundInput{
		OrderID:             orderID,
		Quantities:          map[string]int{},
		Amounts:             map[string]int64{},
		Reason:              req.Reason,
		RestockingFeeCents:  req.RestockingFeeCents,
		RefundShippingCents: req.RefundShippingCents,
		Notes:               strings.TrimSpace(req.Notes),
		IdempotencyKey:      strings.TrimSpace(req.IdempotencyKey),
	}
	for i, doc := range req.Selections {
		field := fmt.Sprintf("selections[%d]", i)
		itemID := strings.TrimSpace(doc.ItemID)
		if itemID == "" {
			verr.Add(field+".item_id", "item_id is required")
			continue
		}
		if doc.Quantity != nil {
			if *doc.Quantity < 0 {
				verr.Add(field+".quantity", "quantity must be >= 0")
			} else if *doc.Quantity > 0 {
				if _, dup := in.Quantities[itemID]; dup {
					verr.Add(field+".quantity", "duplicate quantity for item "+itemID)
				}
				in.Quantities[itemID] = *doc.Quantity
			}
		}
		if doc.AmountCents != nil {
			if *doc.AmountCents < 0 {
				verr.Add(field+".amount_cents", "amount_cents must be >= 0")
			} else if *doc.AmountCents > 0 {
				if _, dup := in.Amounts[itemID]; dup {
					verr.Add(field+".amount_cents", "duplicate amount for item "+itemID)
				}
				in.Amounts[itemID] = *doc.AmountCents
			}
		}
	}
	if len(in.Quantities) == 0 && len(in.Amounts) == 0 && req.RefundShippingCents <= 0 && !verr.HasFields() {
		verr.Add("selections", "select at least one item or a positive refund_shipping_cents")
	}

	if verr.HasFields() {
		return RefundInput{}, verr
	}
	return in, nil
}

// Normalize builds canonical selections: a positive amount beats a quantity
// for the same item, zero values are dropped, and the result is sorted by item
// id then quantity.
func Normalize(in RefundInput) NormalizedRequest {
	items := make(map[string]struct{}, len(in.Quantities)+len(in.Amounts))
	for id := range in.Quantities {
		items[id] = struct{}{}
	}
	for id := range in.Amounts {
		items[id] = struct{}{}
	}

	selections := make([]domain.Selection, 0, len(items))
	for id := range items {
		if amount := in.Amounts[id]; amount > 0 {
			selections = append(selections, domain.AmountSelection{ItemID: id, AmountCents: amount})
			continue
		}
		if qty := in.Quantities[id]; qty > 0 {
			selections = append(selections, domain.QuantitySelection{ItemID: id, Quantity: qty})
		}
	}
	sort.Slice(selections, func(i, j int) bool {
		if selections[i].Item() != selections[j].Item() {
			return selections[i].Item() < selections[j].Item()
		}
		return selectionQuantity(selections[i]) < selectionQuantity(selections[j])
	})

	var reason *string
	if in.Reason != nil {
		if trimmed := strings.TrimSpace(*in.Reason); trimmed != "" {
			reason = &trimmed
		}
	}

	return NormalizedRequest{
		OrderID:             strings.TrimSpace(in.OrderID),
		Selections:          selections,
		Reason:              reason,
		RestockingFeeCents:  in.RestockingFeeCents,
		RefundShippingCents: in.RefundShippingCents,
		Notes:               in.Notes,
		IdempotencyKey:      in.IdempotencyKey,
	}
}

func selectionQuantity(sel domain.Selection) int {
	if q, ok := sel.(domain.QuantitySelection); ok {
		return q.Quantity
	}
	return 0
}

type canonicalOptions struct {
	Reason              *string `json:"reason"`
	RestockingFeeCents  int64   `json:"restocking_fee_cents"`
	RefundShippingCents int64   `json:"refund_shipping_cents"`
}

type canonicalRequest struct {
	OrderID    string                `json:"order_id"`
	Selections []domain.SelectionDoc `json:"selections"`
	Options    canonicalOptions      `json:"options"`
}

// DerivedKey is the hex SHA-256 of the canonical JSON form of the request.
// Notes and any caller key are not part of it.
func DerivedKey(req NormalizedRequest) string {
	// Strings and integers only, so Marshal cannot fail.
	payload, _ := json.Marshal(canonicalRequest{
		OrderID:    req.OrderID,
		Selections: domain.SelectionsToDocs(req.Selections),
		Options: canonicalOptions{
			Reason:              req.Reason,
			RestockingFeeCents:  req.RestockingFeeCents,
			RefundShippingCents: req.RefundShippingCents,
		},
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey uses the caller's key verbatim when present.
func IdempotencyKey(req NormalizedRequest) string {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey
	}
	return DerivedKey(req)
}
