package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"trust-gate/internal/feed"
	"trust-gate/internal/market"
)

// Scenario names accepted by Simulate.
const (
	ScenarioConsensus  = "consensus"
	ScenarioFatFinger  = "fat-finger"
	ScenarioCrossed    = "crossed-book"
	ScenarioDivergence = "divergence"
	ScenarioStall      = "stall"
)

// Scenarios lists the built-in synthetic market scenarios.
func Scenarios() []string {
	names := []string{ScenarioConsensus, ScenarioFatFinger, ScenarioCrossed, ScenarioDivergence, ScenarioStall}
	sort.Strings(names)
	return names
}

// SimulateOptions configure a synthetic run.
type SimulateOptions struct {
	Scenario string
	Duration time.Duration
	Step     time.Duration
	Price    float64
	Seed     uint64
	Start    time.Time
}

// Simulate drives the gate with a synthetic scenario and prints the summary.
// Nothing is written to the database.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	src, err := newScenarioSource(opts, a.Config.Market)
	if err != nil {
		return err
	}
	res, err := a.execute(ctx, ModeSimulate, []feed.Source{src}, false)
	if err != nil {
		return err
	}
	return printResult(res)
}

// scenarioSource emits all four stream families every step, with a
// scenario-specific disturbance in the middle third of the run.
type scenarioSource struct {
	opts       SimulateOptions
	instrument market.Instrument
	rng        *rand.Rand
}

func newScenarioSource(opts SimulateOptions, instrument market.Instrument) (*scenarioSource, error) {
	known := false
	for _, name := range Scenarios() {
		if name == opts.Scenario {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("unknown scenario %q (want one of %s)", opts.Scenario, strings.Join(Scenarios(), ", "))
	}
	if opts.Duration <= 0 {
		opts.Duration = 30 * time.Second
	}
	if opts.Step <= 0 {
		opts.Step = 100 * time.Millisecond
	}
	if opts.Price <= 0 {
		opts.Price = 100
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC().Truncate(time.Second)
	}
	return &scenarioSource{
		opts:       opts,
		instrument: instrument,
		rng:        rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (s *scenarioSource) Name() string { return "simulate:" + s.opts.Scenario }

func (s *scenarioSource) Run(ctx context.Context, emit feed.Emit) error {
	steps := int(s.opts.Duration / s.opts.Step)
	from, to := steps/3, 2*steps/3
	for i := 0; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		at := s.opts.Start.Add(time.Duration(i) * s.opts.Step)
		disturbed := i >= from && i < to
		for _, ev := range s.events(i, at, disturbed, i-from) {
			emit(ev)
		}
	}
	return nil
}

// noisy perturbs the reference price by at most two basis points.
func (s *scenarioSource) noisy(ref float64) float64 {
	return ref * (1 + (s.rng.Float64()*4-2)/10_000)
}

func (s *scenarioSource) event(stream market.Stream, id string, at time.Time, p market.Payload) market.Event {
	return market.Event{
		Stream:     stream,
		Exchange:   s.instrument.Exchange,
		Symbol:     s.instrument.Symbol,
		ID:         id,
		ExchangeTS: at,
		IngestTS:   at,
		Payload:    p,
	}
}

func (s *scenarioSource) events(i int, at time.Time, disturbed bool, offset int) []market.Event {
	ref := s.opts.Price
	tradePx := s.noisy(ref)
	liqPx := s.noisy(ref)
	mid := s.noisy(ref)
	bid, ask := mid-ref*0.5/10_000, mid+ref*0.5/10_000
	markPx := s.noisy(ref)
	emitTrade := true

	if disturbed {
		switch s.opts.Scenario {
		case ScenarioFatFinger:
			if offset == 0 {
				tradePx = ref * 1.015
			}
		case ScenarioCrossed:
			bid, ask = ask+ref*1/10_000, bid
		case ScenarioDivergence:
			// One basis point of drift per step.
			markPx = ref * (1 + float64(offset+1)/10_000)
		case ScenarioStall:
			emitTrade = false
		}
	}

	side := market.SideBuy
	if s.rng.IntN(2) == 1 {
		side = market.SideSell
	}

	evs := make([]market.Event, 0, 4)
	if emitTrade {
		evs = append(evs, s.event(market.StreamTrades, fmt.Sprintf("sim-t-%d", i), at, market.Trade{
			Price: market.PriceFromFloat(tradePx),
			Size:  market.PriceFromFloat(0.001 + s.rng.Float64()),
			Side:  side,
		}))
	}
	evs = append(evs,
		s.event(market.StreamOrderbook, fmt.Sprintf("sim-b-%d", i), at, market.BookTop{
			BestBid: market.PriceFromFloat(bid),
			BestAsk: market.PriceFromFloat(ask),
		}),
		s.event(market.StreamLiquidations, fmt.Sprintf("sim-l-%d", i), at, market.Liquidation{
			Price: market.PriceFromFloat(liqPx),
			Size:  market.PriceFromFloat(1),
			Side:  side,
		}),
		s.event(market.StreamTicker, fmt.Sprintf("sim-k-%d", i), at, market.Ticker{
			Mark:  market.PriceFromFloat(markPx),
			Index: market.PriceFromFloat(s.noisy(ref)),
			Last:  market.PriceFromFloat(tradePx),
		}),
	)
	return evs
}
