package align

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-gate/internal/market"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MaxWait:       100 * time.Millisecond,
		MaxBufferLen:  4,
		MaxHold:       time.Second,
		MergeCapacity: 64,
	}
}

func ev(stream market.Stream, ts, ingest time.Duration) market.Event {
	return market.Event{
		Stream:     stream,
		ExchangeTS: t0.Add(ts),
		IngestTS:   t0.Add(ingest),
	}
}

func at(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func stamps(items []Item) []time.Duration {
	out := make([]time.Duration, 0, len(items))
	for _, it := range items {
		out = append(out, it.Event.ExchangeTS.Sub(t0))
	}
	return out
}

func TestLaneReordersWithinWait(t *testing.T) {
	l := NewLane(market.StreamTrades, testConfig(), zerolog.Nop())
	assert.Empty(t, l.Push(ev(market.StreamTrades, at(10), at(10))).Items)
	assert.Empty(t, l.Push(ev(market.StreamTrades, at(5), at(11))).Items)

	out := l.Push(ev(market.StreamTrades, at(130), at(130)))
	assert.Equal(t, []time.Duration{at(5), at(10)}, stamps(out.Items))
	assert.Equal(t, 1, out.BufferLen)
	assert.Equal(t, t0.Add(at(30)), out.Watermark)
	assert.False(t, out.Forced)
}

func TestLaneDropsEventBehindEmission(t *testing.T) {
	l := NewLane(market.StreamTrades, testConfig(), zerolog.Nop())
	l.Push(ev(market.StreamTrades, at(10), at(10)))
	l.Push(ev(market.StreamTrades, at(130), at(130)))

	out := l.Push(ev(market.StreamTrades, at(8), at(131)))
	assert.Empty(t, out.Items)
	assert.Equal(t, 1, out.Late)
	assert.Equal(t, 1, out.Dropped)
}

func TestLaneCountsArrivalBelowWatermarkAsLate(t *testing.T) {
	l := NewLane(market.StreamTrades, testConfig(), zerolog.Nop())
	l.Push(ev(market.StreamTrades, at(200), at(200)))

	out := l.Push(ev(market.StreamTrades, at(50), at(201)))
	assert.Equal(t, 1, out.Late)
	assert.Equal(t, []time.Duration{at(50)}, stamps(out.Items))
}

func TestLaneForcedFlushOnBufferLength(t *testing.T) {
	l := NewLane(market.StreamTrades, testConfig(), zerolog.Nop())
	var out Output
	for i := 0; i < 5; i++ {
		out = l.Push(ev(market.StreamTrades, at(i), at(i)))
	}
	require.True(t, out.Forced)
	assert.Equal(t, FlushBufferLen, out.Reason)
	assert.Len(t, out.Items, 5)
	assert.Equal(t, 5, out.Late)
	assert.Zero(t, out.BufferLen)
	for _, it := range out.Items {
		assert.True(t, it.Forced)
	}
	assert.EqualValues(t, 1, l.Flushes(), "one flush regardless of how many events it released")

	straggler := l.Push(ev(market.StreamTrades, at(2), at(6)))
	require.Len(t, straggler.Items, 1)
	assert.True(t, straggler.Items[0].OutOfOrder)
	assert.Zero(t, straggler.Dropped)
}

func TestLaneForcedFlushOnMaxHold(t *testing.T) {
	l := NewLane(market.StreamTrades, testConfig(), zerolog.Nop())
	l.Push(ev(market.StreamTrades, at(0), at(0)))

	out := l.Push(ev(market.StreamTrades, at(1), at(1500)))
	require.True(t, out.Forced)
	assert.Equal(t, FlushMaxHold, out.Reason)
	assert.Len(t, out.Items, 2)
	assert.EqualValues(t, 1, l.Flushes())
}

func TestLaneSweepReleasesIdleBuffer(t *testing.T) {
	l := NewLane(market.StreamLiquidations, testConfig(), zerolog.Nop())
	l.Push(ev(market.StreamLiquidations, at(0), at(0)))

	assert.Empty(t, l.Sweep(t0.Add(at(50))).Items)

	out := l.Sweep(t0.Add(at(100)))
	assert.Len(t, out.Items, 1)
	assert.False(t, out.Forced)
	assert.Zero(t, l.Flushes())
}

func TestLaneDrain(t *testing.T) {
	l := NewLane(market.StreamTicker, testConfig(), zerolog.Nop())
	l.Push(ev(market.StreamTicker, at(20), at(20)))
	l.Push(ev(market.StreamTicker, at(10), at(21)))
	out := l.Drain()
	assert.Equal(t, []time.Duration{at(10), at(20)}, stamps(out.Items))
	assert.Zero(t, l.Len())
}

func TestLaneEmitsMonotonicallyExceptFlaggedItems(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferLen = 16
	l := NewLane(market.StreamTrades, cfg, zerolog.Nop())
	r := rand.New(rand.NewPCG(7, 11))

	var emitted []Item
	for i := 0; i < 2000; i++ {
		jitter := r.IntN(300)
		out := l.Push(ev(market.StreamTrades, at(i*5-jitter), at(i*5)))
		emitted = append(emitted, out.Items...)
	}
	emitted = append(emitted, l.Drain().Items...)
	require.NotEmpty(t, emitted)

	var last time.Time
	for _, it := range emitted {
		if it.OutOfOrder {
			continue
		}
		assert.False(t, it.Event.ExchangeTS.Before(last), "unflagged regression at %s", it.Event.ExchangeTS)
		last = it.Event.ExchangeTS
	}
}

func TestMergerHoldsUntilLiveLanesAdvance(t *testing.T) {
	m := NewMerger(testConfig())
	released := m.Add(Output{
		Stream:    market.StreamOrderbook,
		Items:     []Item{{Event: ev(market.StreamOrderbook, at(3), 0)}},
		Watermark: t0.Add(at(5)),
	})
	assert.Equal(t, []time.Duration{at(3)}, stamps(released))

	released = m.Add(Output{
		Stream:    market.StreamTrades,
		Items:     []Item{{Event: ev(market.StreamTrades, at(10), 0)}, {Event: ev(market.StreamTrades, at(20), 0)}},
		Watermark: t0.Add(at(20)),
	})
	assert.Empty(t, released, "order book lane is live and still at 5ms")
	assert.Equal(t, 2, m.Len())

	released = m.Add(Output{
		Stream:    market.StreamOrderbook,
		Items:     []Item{{Event: ev(market.StreamOrderbook, at(15), 0)}},
		Watermark: t0.Add(at(25)),
	})
	assert.Equal(t, []time.Duration{at(10), at(15), at(20)}, stamps(released))
	assert.Zero(t, m.Len())
}

func TestMergerIgnoresLaggingLane(t *testing.T) {
	m := NewMerger(testConfig())
	m.Add(Output{Stream: market.StreamLiquidations, Watermark: t0.Add(at(5))})

	released := m.Add(Output{
		Stream:    market.StreamTrades,
		Items:     []Item{{Event: ev(market.StreamTrades, at(900), 0)}},
		Watermark: t0.Add(at(1000)),
	})
	assert.Equal(t, []time.Duration{at(900)}, stamps(released))
}

func TestMergerFlushesThroughForcedBatch(t *testing.T) {
	m := NewMerger(testConfig())
	m.Add(Output{Stream: market.StreamOrderbook, Watermark: t0.Add(at(1))})
	released := m.Add(Output{
		Stream:    market.StreamTrades,
		Items:     []Item{{Event: ev(market.StreamTrades, at(40), 0), Forced: true}, {Event: ev(market.StreamTrades, at(50), 0), Forced: true}},
		Forced:    true,
		Watermark: t0.Add(at(50)),
	})
	assert.Equal(t, []time.Duration{at(40), at(50)}, stamps(released))
	assert.True(t, released[0].Forced)
}

func TestMergerCapacityAndDrain(t *testing.T) {
	cfg := testConfig()
	cfg.MergeCapacity = 2
	m := NewMerger(cfg)
	m.Add(Output{Stream: market.StreamOrderbook, Watermark: t0})
	released := m.Add(Output{
		Stream: market.StreamTrades,
		Items: []Item{
			{Event: ev(market.StreamTrades, at(30), 0)},
			{Event: ev(market.StreamTrades, at(10), 0)},
			{Event: ev(market.StreamTrades, at(20), 0)},
		},
		Watermark: t0,
	})
	assert.Equal(t, []time.Duration{at(10)}, stamps(released))
	assert.Equal(t, []time.Duration{at(20), at(30)}, stamps(m.Drain()))
	assert.Zero(t, m.Len())
}
