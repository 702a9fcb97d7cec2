package engine

import (
	"time"

	"github.com/rs/zerolog"

	"trust-gate/internal/align"
	"trust-gate/internal/decision"
	"trust-gate/internal/hypothesis"
	"trust-gate/internal/market"
	"trust-gate/internal/trust"
)

// Trigger names what caused an evaluation tick.
type Trigger string

const (
	TriggerEvent      Trigger = "event"
	TriggerQuarantine Trigger = "quarantine"
	TriggerPeriodic   Trigger = "periodic"
	TriggerTimer      Trigger = "timer"
)

// Evaluation is the gate output of one tick.
type Evaluation struct {
	Seq             uint64
	At              time.Time
	Trust           trust.State
	TrustReasons    []string
	Hypothesis      hypothesis.State
	Decision        decision.State
	Previous        decision.State
	Reasons         []string
	WorstBPS        float64
	Trigger         Trigger
	Changed         bool
	DecisionChanged bool
}

// Engine is the single-writer evaluation stage. It owns the merger and both
// evaluators, so every method must be called from one goroutine.
type Engine struct {
	mode   Mode
	period time.Duration

	merger     *align.Merger
	trust      *trust.Evaluator
	hypothesis *hypothesis.Evaluator
	stats      *Stats
	logger     zerolog.Logger

	clock        time.Time
	nextBoundary time.Time
	seq          uint64
	last         Evaluation
	haveLast     bool
}

// New builds an engine from settings.
func New(s Settings, logger zerolog.Logger) *Engine {
	mode := s.Engine.Evaluation
	if mode == "" {
		mode = ModeEvent
	}
	return &Engine{
		mode:       mode,
		period:     s.Engine.Period,
		merger:     align.NewMerger(s.Alignment),
		trust:      trust.New(s.Trust),
		hypothesis: hypothesis.New(s.Hypothesis),
		stats:      NewStats(),
		logger:     logger.With().Str("component", "engine").Logger(),
	}
}

// Apply folds one lane batch into the evaluators and returns the resulting ticks.
func (e *Engine) Apply(b Batch) []Evaluation {
	evals := e.fold(b)
	for _, it := range e.merger.Add(b.Align) {
		evals = append(evals, e.process(it)...)
	}
	return evals
}

// fold records the batch statistics and runs the quarantine ticks.
func (e *Engine) fold(b Batch) []Evaluation {
	if e.clock.IsZero() {
		start := b.At
		if start.IsZero() {
			start = b.Ingest
		}
		e.advance(start)
	}

	outOfOrder := 0
	for _, it := range b.Align.Items {
		if it.OutOfOrder {
			outOfOrder++
		}
	}
	lost := b.Backlog
	sample := trust.Sample{
		Sanitized:     b.Sanitized + lost.Sanitized,
		Quarantined:   b.Quarantined + lost.Quarantined,
		Anomalies:     b.Anomalies + outOfOrder + lost.Anomalies,
		Arrived:       b.Arrived + lost.Arrived,
		Late:          b.Align.Late + lost.Late,
		ForcedFlushes: lost.Forced,
		Dropped:       lost.Batches,
		BufferLen:     b.Align.BufferLen,
		Ingest:        b.Ingest,
	}
	if b.Align.Forced {
		sample.ForcedFlushes++
	}
	if lost.Batches > 0 {
		e.logger.Warn().
			Stringer("stream", b.Stream).
			Int("batches", lost.Batches).
			Int("events", lost.Events).
			Int("forced_flushes", lost.Forced).
			Msg("folding dropped batches")
	}
	e.trust.Record(b.Stream, e.clock, sample)

	var evals []Evaluation
	if e.mode == ModeEvent && !e.clock.IsZero() {
		for i := 0; i < b.Quarantined; i++ {
			evals = append(evals, e.tick(TriggerQuarantine))
		}
	}
	return evals
}

// Tick runs wall-clock housekeeping: stall detection followed by one
// evaluation at the current event clock.
func (e *Engine) Tick(now time.Time) []Evaluation {
	stalled := e.trust.CheckStalls(now)
	if len(stalled) > 0 {
		names := make([]string, 0, len(stalled))
		for _, s := range stalled {
			names = append(names, s.String())
		}
		e.logger.Warn().Strs("streams", names).Time("now", now).Msg("streams stalled")
	}
	if e.clock.IsZero() {
		return nil
	}
	return []Evaluation{e.tick(TriggerTimer)}
}

// Flush folds the final lane drains and releases everything the merger holds
// in timestamp order.
func (e *Engine) Flush(final ...Batch) []Evaluation {
	var evals []Evaluation
	for _, b := range final {
		evals = append(evals, e.fold(b)...)
		e.merger.Hold(b.Align)
	}
	for _, it := range e.merger.Drain() {
		evals = append(evals, e.process(it)...)
	}
	return evals
}

// Clock is the evaluation clock: the latest exchange time processed.
func (e *Engine) Clock() time.Time {
	return e.clock
}

// Last returns the most recent evaluation.
func (e *Engine) Last() (Evaluation, bool) {
	return e.last, e.haveLast
}

// Summary snapshots the accumulated statistics.
func (e *Engine) Summary() Summary {
	return e.stats.Summary()
}

// Metrics exposes the windowed trust metrics at the current clock.
func (e *Engine) Metrics() [market.NumStreams]trust.StreamMetrics {
	return e.trust.Metrics(e.clock)
}

// Divergence returns the retained worst-divergence samples.
func (e *Engine) Divergence() []hypothesis.Sample {
	return e.hypothesis.History()
}

func (e *Engine) process(it align.Item) []Evaluation {
	ev := it.Event
	e.advance(ev.ExchangeTS)
	e.trust.Observe(ev)
	e.hypothesis.Observe(ev)

	switch e.mode {
	case ModePeriodic:
		return e.periodic()
	default:
		return []Evaluation{e.tick(TriggerEvent)}
	}
}

func (e *Engine) periodic() []Evaluation {
	if e.period <= 0 {
		return []Evaluation{e.tick(TriggerPeriodic)}
	}
	if !e.nextBoundary.IsZero() && e.clock.Before(e.nextBoundary) {
		return nil
	}
	e.nextBoundary = e.clock.Truncate(e.period).Add(e.period)
	return []Evaluation{e.tick(TriggerPeriodic)}
}

func (e *Engine) advance(t time.Time) {
	if t.After(e.clock) {
		e.clock = t
	}
}

func (e *Engine) tick(trigger Trigger) Evaluation {
	at := e.clock
	ta := e.trust.Evaluate(at, e.hypothesis.Stale(at))
	ha := e.hypothesis.Evaluate(at, ta.State)
	trustReasons := ta.Reasons()
	res := decision.Decide(decision.Input{
		Trust:             ta.State,
		TrustReasons:      trustReasons,
		Hypothesis:        ha.State,
		HypothesisReasons: ha.Reasons,
	})

	e.seq++
	out := Evaluation{
		Seq:          e.seq,
		At:           at,
		Trust:        ta.State,
		TrustReasons: trustReasons,
		Hypothesis:   ha.State,
		Decision:     res.State,
		Previous:     res.State,
		Reasons:      res.Reasons,
		WorstBPS:     ha.WorstBPS,
		Trigger:      trigger,
	}
	if e.haveLast {
		out.Previous = e.last.Decision
		out.DecisionChanged = out.Decision != e.last.Decision
		out.Changed = out.DecisionChanged || out.Trust != e.last.Trust || out.Hypothesis != e.last.Hypothesis
	} else {
		out.Changed = true
		out.DecisionChanged = true
	}

	e.stats.Observe(out)
	if out.DecisionChanged {
		e.logger.Info().
			Time("at", at).
			Stringer("decision", out.Decision).
			Stringer("previous", out.Previous).
			Stringer("trust", out.Trust).
			Stringer("hypothesis", out.Hypothesis).
			Strs("reasons", out.Reasons).
			Msg("decision changed")
	} else {
		e.logger.Debug().
			Uint64("seq", out.Seq).
			Stringer("decision", out.Decision).
			Str("trigger", string(trigger)).
			Float64("worst_bps", out.WorstBPS).
			Msg("tick")
	}
	e.last = out
	e.haveLast = true
	return out
}
