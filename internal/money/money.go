// Package money holds integer-cent helpers shared by the refund engine.
// Every amount is an int64 count of minor units; nothing here touches floats.
package money

// ToleranceCents is the rounding slack allowed when comparing a refunded
// amount against a line total.
const ToleranceCents int64 = 1

func Clamp(v int64, lo int64, hi int64) int64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func NonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Within reports whether a and b differ by at most tolerance cents.
func Within(a int64, b int64, tolerance int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// ProrateHalfEven returns total*units/of rounded half-to-even at the cent.
// units is clamped to [0, of]; a non-positive of yields 0.
func ProrateHalfEven(total int64, units int64, of int64) int64 {
	if of <= 0 || total == 0 {
		return 0
	}
	units = Clamp(units, 0, of)
	if units == of {
		return total
	}

	negative := total < 0
	if negative {
		total = -total
	}

	num := total * units
	q := num / of
	r := num % of
	switch {
	case 2*r > of:
		q++
	case 2*r == of && q%2 == 1:
		q++
	}

	if negative {
		return -q
	}
	return q
}

// ProrateStep is the amount for refunding `step` more units of a line when
// `done` units were already refunded. Summing every step over a full refund
// reproduces total exactly.
func ProrateStep(total int64, done int64, step int64, of int64) int64 {
	return ProrateHalfEven(total, done+step, of) - ProrateHalfEven(total, done, of)
}

func Sum(values ...int64) int64 {
	var total int64
	for _, v := range values {
		total += v
	}
	return total
}
