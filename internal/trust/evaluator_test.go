package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-gate/internal/market"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Window:                    10 * time.Second,
		Buckets:                   10,
		QuarantineUntrustedRate:   0.2,
		LateDegradedRate:          0.05,
		LateUntrustedRate:         0.3,
		ForcedFlushDegradedCount:  0,
		ForcedFlushUntrustedCount: 3,
		BufferLenDegraded:         100,
		BufferLenUntrusted:        500,
		FatFingerDegradedBPS:      50,
		FatFingerUntrustedBPS:     100,
		SpreadExplodeBPS:          20,
		TradeJumpDegradedBPS:      80,
		StallAfter:                map[string]time.Duration{"trades": 5 * time.Second},
	}
}

func book(bid, ask float64) market.Event {
	return market.Event{Stream: market.StreamOrderbook, Payload: market.BookTop{
		BestBid: market.PriceFromFloat(bid), BestAsk: market.PriceFromFloat(ask),
	}}
}

func trade(price float64) market.Event {
	return market.Event{Stream: market.StreamTrades, Payload: market.Trade{
		Price: market.PriceFromFloat(price), Size: market.PriceFromFloat(1),
	}}
}

func TestCleanDataIsTrusted(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamTrades, t0, Sample{Sanitized: 10, Arrived: 10})
	e.Observe(book(100.00, 100.02))
	e.Observe(trade(100.01))

	a := e.Evaluate(t0, nil)
	assert.Equal(t, Trusted, a.State)
	assert.Empty(t, a.Conditions)
}

func TestCrossedBookIsUntrustedRegardlessOfOtherMetrics(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamTrades, t0, Sample{Sanitized: 10, Quarantined: 1, Arrived: 9})
	e.Observe(book(100.02, 100.02))

	a := e.Evaluate(t0, []string{"mark"})
	require.Equal(t, Untrusted, a.State)
	assert.Equal(t, []string{"orderbook:crossed_book=100.02>=100.02"}, a.Reasons())
	assert.Len(t, a.Conditions, 3)
}

func TestFatFingerTradeIsUntrusted(t *testing.T) {
	e := New(testConfig())
	e.Observe(book(100.00, 100.02))
	e.Observe(trade(101.50))

	a := e.Evaluate(t0, nil)
	require.Equal(t, Untrusted, a.State)
	require.Len(t, a.Conditions, 1)
	c := a.Conditions[0]
	assert.Equal(t, "fat_finger_bps", c.Signal)
	assert.InDelta(t, 148.985, c.Value, 0.01)
	assert.Equal(t, "trades:fat_finger_bps=148.985>100.0", c.String())

	// The condition holds until the next trade.
	e.Observe(book(100.00, 100.02))
	assert.Equal(t, Untrusted, e.Evaluate(t0.Add(time.Second), nil).State)
	e.Observe(trade(100.01))
	a = e.Evaluate(t0.Add(2*time.Second), nil)
	assert.Equal(t, Degraded, a.State, "the recovery print still jumps from 101.50")
	assert.Equal(t, "trade_jump_bps", a.Conditions[0].Signal)
	e.Observe(trade(100.01))
	assert.Equal(t, Trusted, e.Evaluate(t0.Add(3*time.Second), nil).State)
}

func TestFatFingerDegradedTier(t *testing.T) {
	e := New(testConfig())
	e.Observe(book(100.00, 100.02))
	e.Observe(trade(100.70))
	a := e.Evaluate(t0, nil)
	assert.Equal(t, Degraded, a.State)
}

func TestThresholdsAreStrict(t *testing.T) {
	cfg := testConfig()
	cfg.SpreadExplodeBPS = 2
	e := New(cfg)
	e.Observe(book(99, 101))
	e.Record(market.StreamOrderbook, t0, Sample{BufferLen: 100})
	// Spread is 200 bps against a limit of 2, buffer length sits exactly on its limit.
	a := e.Evaluate(t0, nil)
	require.Len(t, a.Conditions, 1)
	assert.Equal(t, "spread_bps", a.Conditions[0].Signal)
}

func TestSingleQuarantineDegradesForTheWindow(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamTicker, t0, Sample{Sanitized: 100, Quarantined: 1})

	a := e.Evaluate(t0.Add(time.Second), nil)
	assert.Equal(t, Degraded, a.State)
	assert.Equal(t, []string{"ticker:quarantined=1.0>0.0"}, a.Reasons())

	assert.Equal(t, Trusted, e.Evaluate(t0.Add(11*time.Second), nil).State)
}

func TestUnroutableQuarantineDegrades(t *testing.T) {
	e := New(testConfig())
	e.Record(market.Stream(9), t0, Sample{Sanitized: 1, Quarantined: 1})

	a := e.Evaluate(t0, nil)
	assert.Equal(t, Degraded, a.State)
	assert.Equal(t, []string{"unroutable:quarantined=1.0>0.0"}, a.Reasons())

	assert.Equal(t, Trusted, e.Evaluate(t0.Add(11*time.Second), nil).State)
}

func TestDroppedBatchesDegrade(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamOrderbook, t0, Sample{Sanitized: 2, Arrived: 2, Dropped: 1})

	a := e.Evaluate(t0, nil)
	assert.Equal(t, Degraded, a.State)
	assert.Equal(t, []string{"orderbook:dropped_batches=1.0>0.0"}, a.Reasons())
	assert.EqualValues(t, 1, e.Metrics(t0)[market.StreamOrderbook].Dropped)

	assert.Equal(t, Trusted, e.Evaluate(t0.Add(11*time.Second), nil).State)
}

func TestQuarantineRateUntrusted(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamTrades, t0, Sample{Sanitized: 10, Quarantined: 3})
	a := e.Evaluate(t0, nil)
	require.Equal(t, Untrusted, a.State)
	assert.Equal(t, "quarantine_rate", a.Conditions[0].Signal)
}

func TestLatenessTiers(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamTrades, t0, Sample{Arrived: 100, Late: 10})
	assert.Equal(t, Degraded, e.Evaluate(t0, nil).State)

	e.Record(market.StreamTrades, t0, Sample{Arrived: 0, Late: 30})
	assert.Equal(t, Untrusted, e.Evaluate(t0, nil).State)
}

func TestForcedFlushTiers(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamLiquidations, t0, Sample{Arrived: 1000, ForcedFlushes: 1})
	assert.Equal(t, Degraded, e.Evaluate(t0, nil).State)

	e.Record(market.StreamLiquidations, t0, Sample{ForcedFlushes: 3})
	a := e.Evaluate(t0, nil)
	assert.Equal(t, Untrusted, a.State)
	assert.Equal(t, []string{"liquidations:forced_flushes=4.0>3.0"}, a.Reasons())
}

func TestBufferLengthTiers(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamOrderbook, t0, Sample{BufferLen: 101})
	assert.Equal(t, Degraded, e.Evaluate(t0, nil).State)
	e.Record(market.StreamOrderbook, t0, Sample{BufferLen: 501})
	assert.Equal(t, Untrusted, e.Evaluate(t0, nil).State)
	e.Record(market.StreamOrderbook, t0, Sample{BufferLen: 0})
	assert.Equal(t, Trusted, e.Evaluate(t0, nil).State)
}

func TestAnomaliesAndStaleFamiliesDegrade(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamTrades, t0, Sample{Sanitized: 1, Arrived: 1, Anomalies: 1})
	a := e.Evaluate(t0, []string{"liquidation"})
	assert.Equal(t, Degraded, a.State)
	assert.Equal(t, []string{"trades:anomalies=1.0>0.0", "consensus:stale_liquidation"}, a.Reasons())
}

func TestStallDetection(t *testing.T) {
	e := New(testConfig())
	e.Record(market.StreamTrades, t0, Sample{Sanitized: 1, Arrived: 1, Ingest: t0})
	e.Record(market.StreamOrderbook, t0, Sample{Sanitized: 1, Arrived: 1, Ingest: t0})

	assert.Empty(t, e.CheckStalls(t0.Add(5*time.Second)))
	assert.Equal(t, []market.Stream{market.StreamTrades}, e.CheckStalls(t0.Add(6*time.Second)))
	assert.Equal(t, []string{"trades:stalled"}, e.Evaluate(t0, nil).Reasons())

	e.Record(market.StreamTrades, t0, Sample{Sanitized: 1, Arrived: 1, Ingest: t0.Add(7 * time.Second)})
	assert.Equal(t, Trusted, e.Evaluate(t0, nil).State)
}

func TestParseState(t *testing.T) {
	for _, s := range []State{Trusted, Degraded, Untrusted} {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseState("maybe")
	assert.Error(t, err)
}
