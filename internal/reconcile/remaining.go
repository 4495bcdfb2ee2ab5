package reconcile

import (
	"time"

	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/money"
)

type Totals struct {
	OrderTotalCents     int64
	LogRefundedCents    int64
	RefundedCents       int64
	OrderRemainingCents int64
	// FromCounter is set when the refund log was empty and the order's
	// denormalized counter supplied RefundedCents.
	FromCounter bool

	ShippingChargedCents   int64
	ShippingRefundedCents  int64
	ShippingRemainingCents int64
}

// Remaining prefers the refund log over the order counter; the counter only
// counts when the log sums to zero.
func Remaining(order OrderView, records []RecordView) Totals {
	var logSum, shippingRefunded int64
	for _, record := range records {
		logSum += record.AmountCents
		shippingRefunded += record.ShippingCents
	}

	totals := Totals{
		OrderTotalCents:       order.TotalCents,
		LogRefundedCents:      logSum,
		ShippingChargedCents:  order.ShippingChargedCents,
		ShippingRefundedCents: shippingRefunded,
	}
	if logSum > 0 {
		totals.RefundedCents = logSum
	} else {
		totals.RefundedCents = order.RefundedCounterCents
		totals.FromCounter = true
	}
	totals.OrderRemainingCents = money.NonNegative(order.TotalCents - totals.RefundedCents)
	totals.ShippingRemainingCents = money.NonNegative(order.ShippingChargedCents - shippingRefunded)
	return totals
}

// Summarize runs the readers, the resolver and the calculator and shapes the
// result for staff.
func Summarize(order domain.Order, refunds []domain.Refund, includePending bool, now time.Time) domain.RefundSummary {
	view := ReadOrder(order)
	records := ReadRefunds(refunds, includePending)
	attr := Resolve(view, records)
	totals := Remaining(view, records)

	return domain.RefundSummary{
		OrderID:                     view.OrderID,
		Currency:                    view.Currency,
		TotalCents:                  totals.OrderTotalCents,
		RefundedCents:               totals.RefundedCents,
		OrderRemainingCents:         totals.OrderRemainingCents,
		PerItemRemainingQty:         attr.RemainingQty,
		PerItemRefundedQty:          attr.RefundedQty,
		PerItemRefundedAmountCents:  attr.RefundedAmountCents,
		PerItemRemainingAmountCents: attr.RemainingAmountCents,
		FullyRefundedItemIDs:        attr.FullyRefundedIDs(view),
		UnattributedRefundIDs:       attr.UnattributedIDs(),
		Shipping: domain.ShippingSummary{
			OriginalCents:  totals.ShippingChargedCents,
			RefundedCents:  totals.ShippingRefundedCents,
			RemainingCents: totals.ShippingRemainingCents,
		},
		IncludePending: includePending,
		ComputedAt:     now.UTC(),
	}
}

// SettledRefundedCents is the succeeded-only log sum written back to the
// order counter by recompute.
func SettledRefundedCents(refunds []domain.Refund) int64 {
	var sum int64
	for _, record := range ReadRefunds(refunds, false) {
		sum += record.AmountCents
	}
	return sum
}
