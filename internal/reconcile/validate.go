package reconcile

import (
	"fmt"

	"refundledger/backend/internal/domain"
	"refundledger/backend/internal/money"
)

// RefundPlan is a validated request priced against the order's current state.
type RefundPlan struct {
	OrderID                string
	Currency               string
	ItemAmounts            map[string]int64
	ItemsCents             int64
	ShippingCents          int64
	RestockingFeeCents     int64
	TotalCents             int64
	OrderRemainingCents    int64
	ShippingRemainingCents int64
}

// Validate checks a normalized request against the order and its refunds,
// with pending refunds counted. Checks run in a fixed order: fully refunded,
// unknown items, shipping, per item, then the order total.
func Validate(order domain.Order, refunds []domain.Refund, req NormalizedRequest) (RefundPlan, error) {
	view := ReadOrder(order)
	records := ReadRefunds(refunds, true)
	totals := Remaining(view, records)

	plan := RefundPlan{
		OrderID:                view.OrderID,
		Currency:               view.Currency,
		ItemAmounts:            make(map[string]int64, len(req.Selections)),
		ShippingCents:          req.RefundShippingCents,
		RestockingFeeCents:     req.RestockingFeeCents,
		OrderRemainingCents:    totals.OrderRemainingCents,
		ShippingRemainingCents: totals.ShippingRemainingCents,
	}

	if totals.OrderRemainingCents <= 0 {
		return plan, &domain.FullyRefundedError{OrderID: view.OrderID}
	}

	verr := &domain.ValidationError{OrderID: view.OrderID}
	for i, sel := range req.Selections {
		if _, ok := view.Line(sel.Item()); !ok {
			verr.Add(fmt.Sprintf("selections[%d].item_id", i), "item "+sel.Item()+" is not on this order")
		}
	}
	if verr.HasFields() {
		return plan, verr
	}

	if req.RefundShippingCents > totals.ShippingRemainingCents {
		return plan, &domain.ExceedsRefundableError{
			OrderID:                view.OrderID,
			Reason:                 fmt.Sprintf("shipping refund %d exceeds remaining shipping %d", req.RefundShippingCents, totals.ShippingRemainingCents),
			RequestedCents:         req.RefundShippingCents,
			RemainingCents:         totals.OrderRemainingCents,
			RemainingShippingCents: totals.ShippingRemainingCents,
		}
	}

	attr := Resolve(view, records)
	for _, sel := range req.Selections {
		line, _ := view.Line(sel.Item())
		unrefunded := attr.RemainingAmountCents[line.ItemID]

		var amount int64
		switch s := sel.(type) {
		case domain.QuantitySelection:
			remainingQty := attr.RemainingQty[line.ItemID]
			if s.Quantity > remainingQty {
				return plan, &domain.ExceedsRefundableError{
					OrderID:                view.OrderID,
					ItemID:                 line.ItemID,
					Reason:                 fmt.Sprintf("quantity %d exceeds remaining quantity %d for item %s", s.Quantity, remainingQty, line.ItemID),
					RemainingCents:         unrefunded,
					RemainingShippingCents: totals.ShippingRemainingCents,
				}
			}
			done := int64(attr.RefundedQty[line.ItemID])
			amount = money.ProrateStep(line.AmountTotalCents, done, int64(s.Quantity), int64(line.Purchased))
		case domain.AmountSelection:
			amount = s.AmountCents
		}

		if amount > unrefunded {
			return plan, &domain.ExceedsRefundableError{
				OrderID:                view.OrderID,
				ItemID:                 line.ItemID,
				Reason:                 fmt.Sprintf("amount %d exceeds unrefunded amount %d for item %s", amount, unrefunded, line.ItemID),
				RequestedCents:         amount,
				RemainingCents:         unrefunded,
				RemainingShippingCents: totals.ShippingRemainingCents,
			}
		}
		plan.ItemAmounts[line.ItemID] = amount
		plan.ItemsCents += amount
	}

	plan.TotalCents = plan.ItemsCents + plan.ShippingCents - plan.RestockingFeeCents
	if plan.TotalCents <= 0 {
		verr.Add("restocking_fee_cents", "restocking fee leaves nothing to refund")
		return plan, verr
	}
	if plan.TotalCents > totals.OrderRemainingCents {
		return plan, &domain.ExceedsRefundableError{
			OrderID:                view.OrderID,
			Reason:                 fmt.Sprintf("refund total %d exceeds order remaining %d", plan.TotalCents, totals.OrderRemainingCents),
			RequestedCents:         plan.TotalCents,
			RemainingCents:         totals.OrderRemainingCents,
			RemainingShippingCents: totals.ShippingRemainingCents,
		}
	}
	return plan, nil
}
