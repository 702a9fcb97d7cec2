package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBPSFatFingerExample(t *testing.T) {
	bps, ok := BPS(decimal.RequireFromString("101.50"), decimal.RequireFromString("100.01"))
	require.True(t, ok)
	assert.InDelta(t, 148.985, bps, 0.01)
}

func TestBPSRejectsNonPositiveReference(t *testing.T) {
	_, ok := BPS(decimal.NewFromInt(1), decimal.Zero)
	assert.False(t, ok)
}

func TestBookTop(t *testing.T) {
	top := BookTop{BestBid: PriceFromFloat(100), BestAsk: PriceFromFloat(100.02)}
	mid, ok := top.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.RequireFromString("100.01")))
	assert.False(t, top.Crossed())

	spread, ok := top.SpreadBPS()
	require.True(t, ok)
	assert.InDelta(t, 2.0, spread, 0.01)

	crossed := BookTop{BestBid: PriceFromFloat(100.02), BestAsk: PriceFromFloat(100.02)}
	assert.True(t, crossed.Crossed())

	_, ok = BookTop{BestBid: PriceFromFloat(1)}.Mid()
	assert.False(t, ok)
}

func TestParseStream(t *testing.T) {
	for _, s := range Streams() {
		parsed, err := ParseStream(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStream("funding")
	assert.Error(t, err)
}

func TestPayloadStream(t *testing.T) {
	s, ok := Event{Payload: Liquidation{}}.PayloadStream()
	require.True(t, ok)
	assert.Equal(t, StreamLiquidations, s)

	_, ok = Event{}.PayloadStream()
	assert.False(t, ok)
}

func TestParsePrice(t *testing.T) {
	assert.False(t, ParsePrice("").Valid)
	assert.False(t, ParsePrice("abc").Valid)
	p := ParsePrice("42.5")
	require.True(t, p.Valid)
	assert.Equal(t, "42.5", p.Decimal.String())
}
