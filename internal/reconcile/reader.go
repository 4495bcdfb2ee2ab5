// Package reconcile holds the pure refund reconciliation engine: reading order
// and refund documents, attributing refunds to lines, computing what remains
// refundable and validating new refund requests. Nothing here does I/O.
//
// Partial-quantity amounts are prorated with round-half-to-even at the cent
// (money.ProrateHalfEven) so that refunding every unit in any number of steps
// adds up to the line total exactly.
package reconcile

import (
	"log"
	"strings"

	"refundledger/backend/internal/domain"
)

type LineView struct {
	ItemID           string
	Name             string
	Purchased        int
	UnitAmountCents  int64
	AmountTotalCents int64
}

type OrderView struct {
	OrderID              string
	Currency             string
	TotalCents           int64
	Lines                []LineView
	ShippingChargedCents int64
	RefundedCounterCents int64

	index map[string]int
}

func (v OrderView) Line(itemID string) (LineView, bool) {
	if v.index != nil {
		i, ok := v.index[itemID]
		if !ok {
			return LineView{}, false
		}
		return v.Lines[i], true
	}
	for _, line := range v.Lines {
		if line.ItemID == itemID {
			return line, true
		}
	}
	return LineView{}, false
}

// RecordView is a counted refund with its selections parsed. An item has at
// most one entry across Quantities and Amounts; an amount removes any quantity
// for the same item.
type RecordView struct {
	RefundID        string
	Status          domain.RefundStatus
	AmountCents     int64
	ShippingCents   int64
	RestockingCents int64
	Quantities      map[string]int
	Amounts         map[string]int64
	// BareItems are references that carried neither a quantity nor an amount.
	BareItems []string
	// Items lists every distinct referenced item in first-seen order.
	Items []string
}

func (r RecordView) HasSelections() bool {
	return len(r.Items) > 0
}

// ItemPortionCents is the part of the record amount that paid for items:
// shipping is taken out and the restocking fee put back.
func (r RecordView) ItemPortionCents() int64 {
	return r.AmountCents - r.ShippingCents + r.RestockingCents
}

func ReadOrder(order domain.Order) OrderView {
	view := OrderView{
		OrderID:              order.ID,
		Currency:             order.Currency,
		TotalCents:           order.TotalCents,
		ShippingChargedCents: order.ShippingTotalCents(),
		RefundedCounterCents: order.RefundedTotalCents,
		Lines:                make([]LineView, 0, len(order.Items)),
		index:                make(map[string]int, len(order.Items)),
	}
	for _, item := range order.Items {
		if _, dup := view.index[item.ID]; dup {
			log.Printf("[reconcile] WARN: order %s has duplicate item id %s; keeping first", order.ID, item.ID)
			continue
		}
		view.index[item.ID] = len(view.Lines)
		view.Lines = append(view.Lines, LineView{
			ItemID:           item.ID,
			Name:             item.NameSnapshot,
			Purchased:        item.Quantity,
			UnitAmountCents:  item.UnitAmountCents,
			AmountTotalCents: item.LineTotalCents(),
		})
	}
	return view
}

// ReadRefunds keeps only counted refunds: succeeded, plus pending when
// includePending is set.
func ReadRefunds(refunds []domain.Refund, includePending bool) []RecordView {
	records := make([]RecordView, 0, len(refunds))
	for _, refund := range refunds {
		if !refund.Status.Counted(includePending) {
			continue
		}
		records = append(records, readRecord(refund))
	}
	return records
}

func readRecord(refund domain.Refund) RecordView {
	record := RecordView{
		RefundID:        refund.ID,
		Status:          refund.Status,
		AmountCents:     refund.AmountCents,
		ShippingCents:   refund.Fees.RefundShippingCents,
		RestockingCents: refund.Fees.RestockingFeeCents,
		Quantities:      map[string]int{},
		Amounts:         map[string]int64{},
	}
	seen := map[string]bool{}
	bare := map[string]bool{}

	for _, doc := range refund.Selections {
		itemID := strings.TrimSpace(doc.ItemID)
		if itemID == "" {
			log.Printf("[reconcile] WARN: refund %s has a selection without item id; ignored", refund.ID)
			continue
		}
		if (doc.Quantity != nil && *doc.Quantity < 0) || (doc.AmountCents != nil && *doc.AmountCents < 0) {
			log.Printf("[reconcile] WARN: refund %s has a negative selection for item %s; ignored", refund.ID, itemID)
			continue
		}
		if !seen[itemID] {
			seen[itemID] = true
			record.Items = append(record.Items, itemID)
		}

		switch {
		case doc.AmountCents != nil && *doc.AmountCents > 0:
			record.Amounts[itemID] += *doc.AmountCents
		case doc.Quantity != nil && *doc.Quantity > 0:
			record.Quantities[itemID] += *doc.Quantity
		default:
			bare[itemID] = true
		}
	}

	for itemID := range record.Amounts {
		delete(record.Quantities, itemID)
		delete(bare, itemID)
	}
	for itemID := range record.Quantities {
		delete(bare, itemID)
	}
	for _, itemID := range record.Items {
		if bare[itemID] {
			record.BareItems = append(record.BareItems, itemID)
		}
	}
	return record
}
