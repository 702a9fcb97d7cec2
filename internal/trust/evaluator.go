// Package trust scores the structural quality of the incoming market data.
package trust

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trust-gate/internal/market"
	"trust-gate/internal/window"
)

// Config holds the DataTrust thresholds. Every comparison is strict.
type Config struct {
	Window  time.Duration `mapstructure:"window"`
	Buckets int           `mapstructure:"buckets"`

	QuarantineUntrustedRate   float64 `mapstructure:"quarantine_untrusted_rate"`
	LateDegradedRate          float64 `mapstructure:"late_degraded_rate"`
	LateUntrustedRate         float64 `mapstructure:"late_untrusted_rate"`
	ForcedFlushDegradedCount  int     `mapstructure:"forced_flush_degraded_count"`
	ForcedFlushUntrustedCount int     `mapstructure:"forced_flush_untrusted_count"`
	BufferLenDegraded         int     `mapstructure:"buffer_len_degraded"`
	BufferLenUntrusted        int     `mapstructure:"buffer_len_untrusted"`
	FatFingerDegradedBPS      float64 `mapstructure:"fat_finger_degraded_bps"`
	FatFingerUntrustedBPS     float64 `mapstructure:"fat_finger_untrusted_bps"`
	SpreadExplodeBPS          float64 `mapstructure:"spread_explode_bps"`
	TradeJumpDegradedBPS      float64 `mapstructure:"trade_jump_degraded_bps"`

	// StallAfter maps a stream name to the ingest silence that marks it stalled.
	StallAfter map[string]time.Duration `mapstructure:"stall_after"`
}

// Sample is the per-stream activity folded into the metrics window.
type Sample struct {
	Sanitized     int
	Quarantined   int
	Anomalies     int
	Arrived       int
	Late          int
	ForcedFlushes int
	// Dropped counts batches lost to a full evaluation queue.
	Dropped   int
	BufferLen int
	Ingest    time.Time
}

// StreamMetrics is the windowed view of one stream.
type StreamMetrics struct {
	QuarantineRate float64
	Quarantined    int64
	LateRate       float64
	ForcedFlushes  int64
	Dropped        int64
	Anomalies      int64
	BufferLen      int
	Stalled        bool
}

type metricsWindow struct {
	sanitized   *window.Counter
	quarantined *window.Counter
	anomalies   *window.Counter
	arrived     *window.Counter
	late        *window.Counter
	flushes     *window.Counter
	dropped     *window.Counter
	bufferLen   int
	lastIngest  time.Time
	stalled     bool
}

// Evaluator owns the trust metrics window and the latest price structure.
// It is driven by a single evaluation loop and is not safe for concurrent use.
type Evaluator struct {
	cfg     Config
	stall   [market.NumStreams]time.Duration
	windows [market.NumStreams]metricsWindow
	// unrouted counts quarantines that belong to no stream.
	unrouted *window.Counter

	book      market.BookTop
	haveBook  bool
	lastTrade decimal.Decimal
	haveTrade bool
	fatFinger float64
	haveFat   bool
	tradeJump float64
	haveJump  bool
}

// New builds an evaluator.
func New(cfg Config) *Evaluator {
	e := &Evaluator{cfg: cfg, unrouted: window.NewCounter(cfg.Window, cfg.Buckets)}
	for _, s := range market.Streams() {
		e.stall[s] = cfg.StallAfter[s.String()]
		e.windows[s] = metricsWindow{
			sanitized:   window.NewCounter(cfg.Window, cfg.Buckets),
			quarantined: window.NewCounter(cfg.Window, cfg.Buckets),
			anomalies:   window.NewCounter(cfg.Window, cfg.Buckets),
			arrived:     window.NewCounter(cfg.Window, cfg.Buckets),
			late:        window.NewCounter(cfg.Window, cfg.Buckets),
			flushes:     window.NewCounter(cfg.Window, cfg.Buckets),
			dropped:     window.NewCounter(cfg.Window, cfg.Buckets),
		}
	}
	return e
}

// Record folds sanitizer and aligner activity of one stream at time at.
// Activity of an invalid stream only contributes its quarantines.
func (e *Evaluator) Record(stream market.Stream, at time.Time, s Sample) {
	if !stream.Valid() {
		if s.Quarantined > 0 {
			e.unrouted.Add(at, int64(s.Quarantined))
		}
		return
	}
	w := &e.windows[stream]
	add := func(c *window.Counter, n int) {
		if n > 0 {
			c.Add(at, int64(n))
		}
	}
	add(w.sanitized, s.Sanitized)
	add(w.quarantined, s.Quarantined)
	add(w.anomalies, s.Anomalies)
	add(w.arrived, s.Arrived)
	add(w.late, s.Late)
	add(w.flushes, s.ForcedFlushes)
	add(w.dropped, s.Dropped)
	w.bufferLen = s.BufferLen
	if s.Ingest.After(w.lastIngest) {
		w.lastIngest = s.Ingest
		w.stalled = false
	}
}

// Observe updates the price structure from one normalized event.
func (e *Evaluator) Observe(ev market.Event) {
	switch p := ev.Payload.(type) {
	case market.BookTop:
		e.book = p
		e.haveBook = true
	case market.Trade:
		e.observeTrade(p.Price)
	case market.Ticker, market.Liquidation:
	}
}

func (e *Evaluator) observeTrade(price decimal.NullDecimal) {
	if !price.Valid {
		return
	}
	e.haveFat = false
	if mid, ok := e.book.Mid(); ok && e.haveBook {
		e.fatFinger, e.haveFat = market.BPS(price.Decimal, mid)
	}
	e.haveJump = false
	if e.haveTrade {
		e.tradeJump, e.haveJump = market.BPS(price.Decimal, e.lastTrade)
	}
	e.lastTrade = price.Decimal
	e.haveTrade = true
}

// CheckStalls marks streams whose last ingest is older than their stall
// threshold at wall-clock time now. A stalled stream recovers on its next ingest.
func (e *Evaluator) CheckStalls(now time.Time) []market.Stream {
	var stalled []market.Stream
	for _, s := range market.Streams() {
		w := &e.windows[s]
		limit := e.stall[s]
		if limit <= 0 || w.lastIngest.IsZero() {
			continue
		}
		w.stalled = now.Sub(w.lastIngest) > limit
		if w.stalled {
			stalled = append(stalled, s)
		}
	}
	return stalled
}

// Metrics returns the windowed metrics of every stream at time at.
func (e *Evaluator) Metrics(at time.Time) [market.NumStreams]StreamMetrics {
	var out [market.NumStreams]StreamMetrics
	for _, s := range market.Streams() {
		w := &e.windows[s]
		out[s] = StreamMetrics{
			QuarantineRate: window.Rate(w.quarantined, w.sanitized, at),
			Quarantined:    w.quarantined.Sum(at),
			LateRate:       window.Rate(w.late, w.arrived, at),
			ForcedFlushes:  w.flushes.Sum(at),
			Dropped:        w.dropped.Sum(at),
			Anomalies:      w.anomalies.Sum(at),
			BufferLen:      w.bufferLen,
			Stalled:        w.stalled,
		}
	}
	return out
}

// Evaluate computes the trust state at time at. stale lists consensus
// families that are missing or older than their freshness limit.
func (e *Evaluator) Evaluate(at time.Time, stale []string) Assessment {
	var conds []Condition
	fire := func(c Condition) { conds = append(conds, c) }
	cfg := e.cfg

	metrics := e.Metrics(at)
	for _, s := range market.Streams() {
		m := metrics[s]
		scope := s.String()
		if m.QuarantineRate > cfg.QuarantineUntrustedRate {
			fire(Condition{scope, "quarantine_rate", Untrusted, m.QuarantineRate, cfg.QuarantineUntrustedRate, ">"})
		} else if m.Quarantined > 0 {
			fire(Condition{scope, "quarantined", Degraded, float64(m.Quarantined), 0, ">"})
		}
		switch {
		case m.LateRate > cfg.LateUntrustedRate:
			fire(Condition{scope, "late_rate", Untrusted, m.LateRate, cfg.LateUntrustedRate, ">"})
		case m.LateRate > cfg.LateDegradedRate:
			fire(Condition{scope, "late_rate", Degraded, m.LateRate, cfg.LateDegradedRate, ">"})
		}
		switch {
		case m.ForcedFlushes > int64(cfg.ForcedFlushUntrustedCount):
			fire(Condition{scope, "forced_flushes", Untrusted, float64(m.ForcedFlushes), float64(cfg.ForcedFlushUntrustedCount), ">"})
		case m.ForcedFlushes > int64(cfg.ForcedFlushDegradedCount):
			fire(Condition{scope, "forced_flushes", Degraded, float64(m.ForcedFlushes), float64(cfg.ForcedFlushDegradedCount), ">"})
		}
		switch {
		case m.BufferLen > cfg.BufferLenUntrusted:
			fire(Condition{scope, "buffer_len", Untrusted, float64(m.BufferLen), float64(cfg.BufferLenUntrusted), ">"})
		case m.BufferLen > cfg.BufferLenDegraded:
			fire(Condition{scope, "buffer_len", Degraded, float64(m.BufferLen), float64(cfg.BufferLenDegraded), ">"})
		}
		if m.Dropped > 0 {
			fire(Condition{scope, "dropped_batches", Degraded, float64(m.Dropped), 0, ">"})
		}
		if m.Anomalies > 0 {
			fire(Condition{scope, "anomalies", Degraded, float64(m.Anomalies), 0, ">"})
		}
		if m.Stalled {
			fire(Condition{Scope: scope, Signal: "stalled", Tier: Degraded})
		}
	}

	if n := e.unrouted.Sum(at); n > 0 {
		fire(Condition{"unroutable", "quarantined", Degraded, float64(n), 0, ">"})
	}

	if e.haveBook {
		book := market.StreamOrderbook.String()
		if e.book.Crossed() {
			fire(Condition{book, "crossed_book", Untrusted,
				e.book.BestBid.Decimal.InexactFloat64(), e.book.BestAsk.Decimal.InexactFloat64(), ">="})
		} else if spread, ok := e.book.SpreadBPS(); ok && spread > cfg.SpreadExplodeBPS {
			fire(Condition{book, "spread_bps", Degraded, spread, cfg.SpreadExplodeBPS, ">"})
		}
	}
	trades := market.StreamTrades.String()
	if e.haveFat {
		switch {
		case e.fatFinger > cfg.FatFingerUntrustedBPS:
			fire(Condition{trades, "fat_finger_bps", Untrusted, e.fatFinger, cfg.FatFingerUntrustedBPS, ">"})
		case e.fatFinger > cfg.FatFingerDegradedBPS:
			fire(Condition{trades, "fat_finger_bps", Degraded, e.fatFinger, cfg.FatFingerDegradedBPS, ">"})
		}
	}
	if e.haveJump && e.tradeJump > cfg.TradeJumpDegradedBPS {
		fire(Condition{trades, "trade_jump_bps", Degraded, e.tradeJump, cfg.TradeJumpDegradedBPS, ">"})
	}
	for _, family := range stale {
		fire(Condition{Scope: "consensus", Signal: "stale_" + family, Tier: Degraded})
	}

	sort.SliceStable(conds, func(i, j int) bool { return conds[i].Tier > conds[j].Tier })
	state := Trusted
	if len(conds) > 0 {
		state = conds[0].Tier
	}
	return Assessment{State: state, Conditions: conds}
}
