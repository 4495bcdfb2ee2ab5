package reconcile

import (
	"log"

	"refundledger/backend/internal/money"
)

type AttributionMethod string

const (
	MethodExplicit     AttributionMethod = "explicit"
	MethodSingleItem   AttributionMethod = "single_item"
	MethodAmountMatch  AttributionMethod = "amount_match"
	MethodShippingOnly AttributionMethod = "shipping_only"
	MethodUnattributed AttributionMethod = "unattributed"
)

// RecordAttribution says how one refund record was assigned to lines.
// ItemID and AmountCents are set for the two fallback methods.
type RecordAttribution struct {
	RefundID    string
	Method      AttributionMethod
	ItemID      string
	AmountCents int64
}

type Attribution struct {
	RemainingQty         map[string]int
	RefundedQty          map[string]int
	RefundedAmountCents  map[string]int64
	RemainingAmountCents map[string]int64
	FullyRefunded        map[string]bool
	Records              []RecordAttribution
}

// FullyRefundedIDs returns fully refunded items in order line order.
func (a Attribution) FullyRefundedIDs(order OrderView) []string {
	ids := []string{}
	for _, line := range order.Lines {
		if a.FullyRefunded[line.ItemID] {
			ids = append(ids, line.ItemID)
		}
	}
	return ids
}

func (a Attribution) UnattributedIDs() []string {
	ids := []string{}
	for _, rec := range a.Records {
		if rec.Method == MethodUnattributed {
			ids = append(ids, rec.RefundID)
		}
	}
	return ids
}

// Resolve attributes counted refund records to order lines. For each record,
// explicit selections are applied first; a record naming a single item with no
// amount gets its item portion on that item; a record with no selections is
// matched to the one line whose total (or else unit price) equals its amount.
// Ambiguous records stay unattributed. Order-level remaining does not depend
// on any of this.
func Resolve(order OrderView, records []RecordView) Attribution {
	attr := Attribution{
		RemainingQty:         make(map[string]int, len(order.Lines)),
		RefundedQty:          make(map[string]int, len(order.Lines)),
		RefundedAmountCents:  make(map[string]int64, len(order.Lines)),
		RemainingAmountCents: make(map[string]int64, len(order.Lines)),
		FullyRefunded:        make(map[string]bool, len(order.Lines)),
		Records:              make([]RecordAttribution, 0, len(records)),
	}
	// Units refunded by quantity where no amount was attributed for that
	// record and item; their value is prorated from the line total.
	qtyOnlyUnits := make(map[string]int, len(order.Lines))

	for _, record := range records {
		attr.Records = append(attr.Records, attributeRecord(order, record, &attr, qtyOnlyUnits))
	}

	for _, line := range order.Lines {
		id := line.ItemID
		refundedQty := attr.RefundedQty[id]
		if refundedQty > line.Purchased {
			log.Printf("[reconcile] WARN: order %s item %s refunded qty %d exceeds purchased %d; clamped",
				order.OrderID, id, refundedQty, line.Purchased)
			refundedQty = line.Purchased
		}
		refundedAmount := attr.RefundedAmountCents[id]
		if refundedAmount > line.AmountTotalCents+money.ToleranceCents {
			log.Printf("[reconcile] WARN: order %s item %s refunded amount %d exceeds line total %d; clamped",
				order.OrderID, id, refundedAmount, line.AmountTotalCents)
		}
		refundedAmount = money.Clamp(refundedAmount, 0, line.AmountTotalCents)

		attr.RefundedQty[id] = refundedQty
		attr.RefundedAmountCents[id] = refundedAmount
		attr.RemainingQty[id] = line.Purchased - refundedQty

		units := qtyOnlyUnits[id]
		if units > line.Purchased {
			units = line.Purchased
		}
		consumed := refundedAmount + money.ProrateHalfEven(line.AmountTotalCents, int64(units), int64(line.Purchased))
		attr.RemainingAmountCents[id] = money.NonNegative(line.AmountTotalCents - consumed)

		attr.FullyRefunded[id] = fullyRefunded(line, refundedQty, refundedAmount)
	}
	return attr
}

func attributeRecord(order OrderView, record RecordView, attr *Attribution, qtyOnlyUnits map[string]int) RecordAttribution {
	result := RecordAttribution{RefundID: record.RefundID, Method: MethodUnattributed}

	known := func(itemID string) bool {
		if _, ok := order.Line(itemID); ok {
			return true
		}
		log.Printf("[reconcile] WARN: refund %s references item %s not on order %s; ignored",
			record.RefundID, itemID, order.OrderID)
		return false
	}

	for itemID, qty := range record.Quantities {
		if known(itemID) {
			attr.RefundedQty[itemID] += qty
			result.Method = MethodExplicit
		}
	}
	for itemID, amount := range record.Amounts {
		if known(itemID) {
			attr.RefundedAmountCents[itemID] += amount
			result.Method = MethodExplicit
		}
	}

	portion := record.ItemPortionCents()
	if !record.HasSelections() && portion <= 0 {
		result.Method = MethodShippingOnly
		return result
	}

	// Fallback A: one item, no amount data.
	if len(record.Items) == 1 && len(record.Amounts) == 0 && record.AmountCents > 0 {
		itemID := record.Items[0]
		if _, ok := order.Line(itemID); ok {
			if portion > 0 {
				attr.RefundedAmountCents[itemID] += portion
				result.Method = MethodSingleItem
				result.ItemID = itemID
				result.AmountCents = portion
			} else if qty := record.Quantities[itemID]; qty > 0 {
				qtyOnlyUnits[itemID] += qty
			}
			return result
		}
	}

	for itemID, qty := range record.Quantities {
		if _, ok := order.Line(itemID); ok {
			qtyOnlyUnits[itemID] += qty
		}
	}

	// Fallback B: no selections, match the amount to exactly one line.
	if !record.HasSelections() && record.AmountCents > 0 {
		itemID, ok := matchLine(order, portion)
		if !ok {
			log.Printf("[reconcile] WARN: refund %s amount %d on order %s matches no single line; left unattributed",
				record.RefundID, portion, order.OrderID)
			return result
		}
		attr.RefundedAmountCents[itemID] += portion
		result.Method = MethodAmountMatch
		result.ItemID = itemID
		result.AmountCents = portion
	}
	return result
}

// matchLine looks for exactly one line whose total equals amount within the
// rounding tolerance, then for exactly one line whose unit price does. Several
// matches in a tier are ambiguous and end the search.
func matchLine(order OrderView, amount int64) (string, bool) {
	tiers := []func(LineView) int64{
		func(l LineView) int64 { return l.AmountTotalCents },
		func(l LineView) int64 { return l.UnitAmountCents },
	}
	for _, price := range tiers {
		matches := []string{}
		for _, line := range order.Lines {
			if money.Within(price(line), amount, money.ToleranceCents) {
				matches = append(matches, line.ItemID)
			}
		}
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0], true
		default:
			log.Printf("[reconcile] WARN: amount %d on order %s matches %d lines %v; not guessing",
				amount, order.OrderID, len(matches), matches)
			return "", false
		}
	}
	return "", false
}

func fullyRefunded(line LineView, refundedQty int, refundedAmount int64) bool {
	if refundedQty > 0 && refundedQty >= line.Purchased {
		return true
	}
	if refundedAmount > 0 && refundedAmount >= line.AmountTotalCents-money.ToleranceCents {
		return true
	}
	return false
}
