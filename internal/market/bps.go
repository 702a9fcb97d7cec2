package market

import "github.com/shopspring/decimal"

var (
	bpsFactor = decimal.NewFromInt(10_000)
	two       = decimal.NewFromInt(2)
)

// BPS returns |price-ref| / ref in basis points. A non-positive reference yields 0 and false.
func BPS(price, ref decimal.Decimal) (float64, bool) {
	if ref.Sign() <= 0 {
		return 0, false
	}
	return price.Sub(ref).Abs().Div(ref).Mul(bpsFactor).InexactFloat64(), true
}

// PairBPS returns the divergence of two prices in basis points relative to their midpoint.
func PairBPS(a, b decimal.Decimal) (float64, bool) {
	return BPS(a, Mid(a, b))
}

// Mid is the arithmetic midpoint of two prices.
func Mid(a, b decimal.Decimal) decimal.Decimal {
	return a.Add(b).Div(two)
}

// Mid returns the book midpoint when both sides are present.
func (b BookTop) Mid() (decimal.Decimal, bool) {
	if !b.BestBid.Valid || !b.BestAsk.Valid {
		return decimal.Decimal{}, false
	}
	return Mid(b.BestBid.Decimal, b.BestAsk.Decimal), true
}

// Crossed reports best_bid >= best_ask.
func (b BookTop) Crossed() bool {
	if !b.BestBid.Valid || !b.BestAsk.Valid {
		return false
	}
	return b.BestBid.Decimal.GreaterThanOrEqual(b.BestAsk.Decimal)
}

// SpreadBPS returns (ask-bid)/mid in basis points.
func (b BookTop) SpreadBPS() (float64, bool) {
	mid, ok := b.Mid()
	if !ok || mid.Sign() <= 0 {
		return 0, false
	}
	return b.BestAsk.Decimal.Sub(b.BestBid.Decimal).Div(mid).Mul(bpsFactor).InexactFloat64(), true
}
