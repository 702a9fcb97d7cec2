// Package hypothesis checks whether the independent price families still agree.
//
// Degradation is immediate and recovery is slow: any divergence at or above the
// weak threshold leaves VALID at once, while returning to VALID needs the
// divergence to stay below it for the whole stabilization period.
package hypothesis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"trust-gate/internal/market"
	"trust-gate/internal/trust"
	"trust-gate/internal/window"
)

// Reason codes.
const (
	ReasonStructuralCollapse  = "structural_collapse"
	ReasonInsufficientSources = "insufficient_sources"
)

// Config holds the consensus thresholds.
type Config struct {
	WeakPriceDivergeBPS    float64                  `mapstructure:"weak_price_diverge_bps"`
	InvalidPriceDivergeBPS float64                  `mapstructure:"invalid_price_diverge_bps"`
	StableMinDurationMS    int                      `mapstructure:"stable_min_duration_ms"`
	MinSources             int                      `mapstructure:"min_sources"`
	Freshness              map[string]time.Duration `mapstructure:"freshness"`
	HistoryCapacity        int                      `mapstructure:"history_capacity"`
}

// StableMinDuration converts the configured milliseconds.
func (c Config) StableMinDuration() time.Duration {
	return time.Duration(c.StableMinDurationMS) * time.Millisecond
}

type observation struct {
	price decimal.Decimal
	at    time.Time
	ok    bool
}

// Sample is one retained worst-divergence measurement.
type Sample struct {
	At       time.Time
	WorstBPS float64
	Pair     [2]Family
}

// Assessment is the outcome of one evaluation.
type Assessment struct {
	State    State
	Reasons  []string
	WorstBPS float64
	Pair     [2]Family
	Fresh    int
	Stale    []string
	Elapsed  time.Duration
}

// Evaluator owns the consensus snapshot and the stabilization timer. It is driven
// by a single evaluation loop and is not safe for concurrent use.
type Evaluator struct {
	cfg       Config
	freshness [numFamilies]time.Duration
	snapshot  [numFamilies]observation
	history   *window.Ring[Sample]

	state       State
	stableSince time.Time
}

// New builds an evaluator in the WEAKENING state.
func New(cfg Config) *Evaluator {
	e := &Evaluator{
		cfg:     cfg,
		history: window.NewRing[Sample](cfg.HistoryCapacity),
		state:   Weakening,
	}
	for _, f := range Families() {
		e.freshness[f] = cfg.Freshness[f.String()]
	}
	return e
}

// State returns the state produced by the last evaluation.
func (e *Evaluator) State() State {
	return e.state
}

// Observe overwrites the family prices ev observed. Ticker fields the event
// only carried forward keep their original timestamp so they can go stale.
func (e *Evaluator) Observe(ev market.Event) {
	at := ev.ExchangeTS
	switch p := ev.Payload.(type) {
	case market.BookTop:
		if mid, ok := p.Mid(); ok {
			e.set(FamilyOrderbookMid, mid, at)
		}
	case market.Trade:
		e.setNull(FamilyTrade, p.Price, at)
	case market.Liquidation:
		e.setNull(FamilyLiquidation, p.Price, at)
	case market.Ticker:
		for _, f := range []struct {
			family Family
			value  decimal.NullDecimal
			flag   market.Fields
		}{
			{FamilyMark, p.Mark, market.FieldMark},
			{FamilyIndex, p.Index, market.FieldIndex},
			{FamilyLast, p.Last, market.FieldLast},
		} {
			if !ev.Carried.Has(f.flag) {
				e.setNull(f.family, f.value, at)
			}
		}
	}
}

func (e *Evaluator) setNull(f Family, v decimal.NullDecimal, at time.Time) {
	if v.Valid {
		e.set(f, v.Decimal, at)
	}
}

func (e *Evaluator) set(f Family, price decimal.Decimal, at time.Time) {
	if price.Sign() <= 0 {
		return
	}
	e.snapshot[f] = observation{price: price, at: at, ok: true}
}

func (e *Evaluator) fresh(f Family, at time.Time) bool {
	o := e.snapshot[f]
	if !o.ok {
		return false
	}
	limit := e.freshness[f]
	return limit <= 0 || at.Sub(o.at) <= limit
}

// Stale lists the families that are missing or older than their freshness limit at at.
func (e *Evaluator) Stale(at time.Time) []string {
	var out []string
	for _, f := range Families() {
		if !e.fresh(f, at) {
			out = append(out, f.String())
		}
	}
	return out
}

// Worst returns the largest pairwise divergence among fresh families.
func (e *Evaluator) Worst(at time.Time) (float64, [2]Family, int) {
	var (
		worst float64
		pair  [2]Family
		fresh []Family
	)
	for _, f := range Families() {
		if e.fresh(f, at) {
			fresh = append(fresh, f)
		}
	}
	for i := 0; i < len(fresh); i++ {
		for j := i + 1; j < len(fresh); j++ {
			bps, ok := market.PairBPS(e.snapshot[fresh[i]].price, e.snapshot[fresh[j]].price)
			if ok && bps > worst {
				worst = bps
				pair = [2]Family{fresh[i], fresh[j]}
			}
		}
	}
	return worst, pair, len(fresh)
}

// Evaluate recomputes the consensus state at at given the current trust state.
func (e *Evaluator) Evaluate(at time.Time, trustState trust.State) Assessment {
	worst, pair, fresh := e.Worst(at)
	a := Assessment{WorstBPS: worst, Pair: pair, Fresh: fresh, Stale: e.Stale(at)}
	if fresh >= 2 {
		e.history.Push(Sample{At: at, WorstBPS: worst, Pair: pair})
	}

	cfg := e.cfg
	switch {
	case trustState == trust.Untrusted:
		a.State = Invalid
		a.Reasons = []string{ReasonStructuralCollapse}
	case fresh < cfg.MinSources:
		a.State = Weakening
		a.Reasons = []string{fmt.Sprintf("%s=%d<%d", ReasonInsufficientSources, fresh, cfg.MinSources)}
	case worst > cfg.InvalidPriceDivergeBPS:
		a.State = Invalid
		a.Reasons = []string{divergeReason(worst, ">", cfg.InvalidPriceDivergeBPS, pair)}
	case worst >= cfg.WeakPriceDivergeBPS:
		a.State = Weakening
		a.Reasons = []string{divergeReason(worst, ">=", cfg.WeakPriceDivergeBPS, pair)}
	default:
		if e.stableSince.IsZero() {
			e.stableSince = at
		}
		a.Elapsed = at.Sub(e.stableSince)
		if a.Elapsed >= cfg.StableMinDuration() {
			a.State = Valid
		} else {
			a.State = Stabilizing
			a.Reasons = []string{fmt.Sprintf("stabilizing_ms=%d<%d", a.Elapsed.Milliseconds(), cfg.StableMinDurationMS)}
		}
	}
	if a.State == Invalid || a.State == Weakening {
		e.stableSince = time.Time{}
	}
	e.state = a.State
	return a
}

// History returns the retained divergence samples, oldest first.
func (e *Evaluator) History() []Sample {
	return e.history.Values()
}

func divergeReason(worst float64, op string, limit float64, pair [2]Family) string {
	return "price_diverge_bps=" + strconv.FormatFloat(worst, 'f', 2, 64) + op +
		strconv.FormatFloat(limit, 'f', -1, 64) + " " + pair[0].String() + "/" + pair[1].String()
}
