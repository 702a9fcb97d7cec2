package hypothesis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-gate/internal/market"
	"trust-gate/internal/trust"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		WeakPriceDivergeBPS:    10,
		InvalidPriceDivergeBPS: 50,
		StableMinDurationMS:    500,
		MinSources:             3,
		Freshness: map[string]time.Duration{
			"trade":         2 * time.Second,
			"liquidation":   time.Minute,
			"orderbook_mid": 2 * time.Second,
			"mark":          3 * time.Second,
		},
		HistoryCapacity: 16,
	}
}

func ms(n int) time.Time { return t0.Add(time.Duration(n) * time.Millisecond) }

// observeConsensus feeds trade=100.00 liquidation=100.05 mid=100.02 mark=100.01 at ts.
func observeConsensus(e *Evaluator, at time.Time) {
	e.Observe(market.Event{ExchangeTS: at, Payload: market.Trade{Price: market.PriceFromFloat(100.00)}})
	e.Observe(market.Event{ExchangeTS: at, Payload: market.Liquidation{Price: market.PriceFromFloat(100.05)}})
	e.Observe(market.Event{ExchangeTS: at, Payload: market.BookTop{
		BestBid: market.PriceFromFloat(100.01), BestAsk: market.PriceFromFloat(100.03),
	}})
	e.Observe(market.Event{ExchangeTS: at, Payload: market.Ticker{Mark: market.PriceFromFloat(100.01)}})
}

func TestInitialStateIsWeakening(t *testing.T) {
	assert.Equal(t, Weakening, New(testConfig()).State())
}

func TestStabilizesThenBecomesValid(t *testing.T) {
	e := New(testConfig())
	var states []State
	for step := 0; step <= 6; step++ {
		at := ms(step * 100)
		observeConsensus(e, at)
		a := e.Evaluate(at, trust.Trusted)
		states = append(states, a.State)
		assert.Less(t, a.WorstBPS, 10.0)
		assert.Equal(t, 4, a.Fresh)
	}
	assert.Equal(t, []State{Stabilizing, Stabilizing, Stabilizing, Stabilizing, Stabilizing, Valid, Valid}, states)
}

func TestBreachRestartsTimer(t *testing.T) {
	e := New(testConfig())
	observeConsensus(e, ms(0))
	e.Evaluate(ms(0), trust.Trusted)
	observeConsensus(e, ms(300))
	e.Observe(market.Event{ExchangeTS: ms(300), Payload: market.Trade{Price: market.PriceFromFloat(100.20)}})

	a := e.Evaluate(ms(300), trust.Trusted)
	require.Equal(t, Weakening, a.State)
	assert.Zero(t, a.Elapsed)

	observeConsensus(e, ms(400))
	assert.Equal(t, Stabilizing, e.Evaluate(ms(400), trust.Trusted).State)
	assert.Equal(t, Stabilizing, e.Evaluate(ms(800), trust.Trusted).State, "timer restarted at 400ms")
	assert.Equal(t, Valid, e.Evaluate(ms(900), trust.Trusted).State)
}

func TestInvalidIsImmediateAndResetsTimer(t *testing.T) {
	e := New(testConfig())
	observeConsensus(e, ms(0))
	e.Evaluate(ms(0), trust.Trusted)
	require.Equal(t, Valid, e.Evaluate(ms(600), trust.Trusted).State)

	e.Observe(market.Event{ExchangeTS: ms(700), Payload: market.Trade{Price: market.PriceFromFloat(101.00)}})
	a := e.Evaluate(ms(700), trust.Trusted)
	assert.Equal(t, Invalid, a.State)
	assert.Greater(t, a.WorstBPS, 50.0)
	assert.Equal(t, [2]Family{FamilyTrade, FamilyMark}, a.Pair)
	assert.Contains(t, a.Reasons[0], "price_diverge_bps=")

	observeConsensus(e, ms(800))
	a = e.Evaluate(ms(800), trust.Trusted)
	assert.Equal(t, Stabilizing, a.State)
	assert.Zero(t, a.Elapsed)
}

func TestUntrustedForcesStructuralCollapse(t *testing.T) {
	e := New(testConfig())
	observeConsensus(e, ms(0))
	a := e.Evaluate(ms(0), trust.Untrusted)
	assert.Equal(t, Invalid, a.State)
	assert.Equal(t, []string{ReasonStructuralCollapse}, a.Reasons)

	// The clean run starts only once trust recovers.
	assert.Equal(t, Stabilizing, e.Evaluate(ms(500), trust.Degraded).State)
	assert.Equal(t, Valid, e.Evaluate(ms(1000), trust.Trusted).State)
}

func TestStaleFamiliesAreExcluded(t *testing.T) {
	e := New(testConfig())
	observeConsensus(e, ms(0))
	// A divergent trade that has gone stale must not count.
	e.Observe(market.Event{ExchangeTS: ms(0), Payload: market.Trade{Price: market.PriceFromFloat(90)}})
	for _, at := range []int{2500, 2600} {
		e.Observe(market.Event{ExchangeTS: ms(at), Payload: market.BookTop{
			BestBid: market.PriceFromFloat(100.01), BestAsk: market.PriceFromFloat(100.03),
		}})
		e.Observe(market.Event{ExchangeTS: ms(at), Payload: market.Ticker{Mark: market.PriceFromFloat(100.01)}})
	}

	assert.Equal(t, []string{"trade", "index", "last"}, e.Stale(ms(2600)))
	a := e.Evaluate(ms(2600), trust.Trusted)
	assert.Equal(t, 3, a.Fresh)
	assert.Less(t, a.WorstBPS, 10.0)
	assert.Equal(t, Stabilizing, a.State)
}

func TestCarriedTickerFieldsDoNotRefresh(t *testing.T) {
	cfg := testConfig()
	cfg.Freshness["index"] = time.Second
	cfg.Freshness["last"] = time.Second
	e := New(cfg)

	p := market.PriceFromFloat(100.01)
	e.Observe(market.Event{ExchangeTS: ms(0), Payload: market.Ticker{Mark: p, Index: p, Last: p}})
	e.Observe(market.Event{
		ExchangeTS: ms(1500),
		Payload:    market.Ticker{Mark: market.PriceFromFloat(100.02), Index: p, Last: p},
		Carried:    market.FieldIndex | market.FieldLast,
	})

	stale := e.Stale(ms(1500))
	assert.Contains(t, stale, "index")
	assert.Contains(t, stale, "last")
	assert.NotContains(t, stale, "mark")
}

func TestInsufficientSources(t *testing.T) {
	e := New(testConfig())
	e.Observe(market.Event{ExchangeTS: ms(0), Payload: market.Ticker{Mark: market.PriceFromFloat(100)}})
	e.Observe(market.Event{ExchangeTS: ms(0), Payload: market.Trade{Price: market.PriceFromFloat(100)}})

	a := e.Evaluate(ms(0), trust.Trusted)
	assert.Equal(t, Weakening, a.State)
	assert.Equal(t, []string{"insufficient_sources=2<3"}, a.Reasons)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryCapacity = 4
	e := New(cfg)
	for i := 0; i < 10; i++ {
		observeConsensus(e, ms(i))
		e.Evaluate(ms(i), trust.Trusted)
	}
	h := e.History()
	require.Len(t, h, 4)
	assert.Equal(t, ms(9), h[3].At)
}

func TestParseFamily(t *testing.T) {
	for _, f := range Families() {
		parsed, err := ParseFamily(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, parsed)
	}
	_, err := ParseFamily("funding")
	assert.Error(t, err)
}
