package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"trust-gate/internal/decision"
	"trust-gate/internal/engine"
	"trust-gate/internal/market"
)

// GateAlerter turns decision changes into notifications: one when the gate
// enters HALTED and one when it leaves. Entries inside the cooldown after
// the previous halt alert are suppressed, and so is the recovery that
// pairs with a suppressed entry.
type GateAlerter struct {
	notifier   Notifier
	instrument market.Instrument
	runID      string
	cooldown   time.Duration
	channels   []string
	now        func() time.Time
	logger     zerolog.Logger

	lastHalt   time.Time
	suppressed bool
}

// NewGateAlerter wraps a notifier.
func NewGateAlerter(n Notifier, instrument market.Instrument, runID string, cooldown time.Duration, channels []string, logger zerolog.Logger) *GateAlerter {
	return &GateAlerter{
		notifier:   n,
		instrument: instrument,
		runID:      runID,
		cooldown:   cooldown,
		channels:   channels,
		now:        time.Now,
		logger:     logger.With().Str("component", "alerting").Logger(),
	}
}

// Name implements the service sink contract.
func (g *GateAlerter) Name() string { return "alerting" }

// Handle notifies on HALTED transitions.
func (g *GateAlerter) Handle(ctx context.Context, ev engine.Evaluation) error {
	if !ev.DecisionChanged {
		return nil
	}

	var kind Kind
	switch {
	case ev.Decision == decision.Halted:
		kind = KindHalted
	case ev.Previous == decision.Halted:
		kind = KindRecovered
	default:
		return nil
	}

	now := g.now()
	if kind == KindHalted {
		if !g.lastHalt.IsZero() && g.cooldown > 0 && now.Sub(g.lastHalt) < g.cooldown {
			g.suppressed = true
			g.logger.Debug().Time("at", ev.At).Dur("cooldown", g.cooldown).Msg("halt alert suppressed")
			return nil
		}
		g.lastHalt = now
		g.suppressed = false
	} else if g.suppressed {
		g.suppressed = false
		return nil
	}

	return g.notifier.Notify(ctx, Notification{
		Kind:       kind,
		RunID:      g.runID,
		Exchange:   g.instrument.Exchange,
		Symbol:     g.instrument.Symbol,
		At:         ev.At,
		Decision:   ev.Decision.String(),
		Previous:   ev.Previous.String(),
		DataTrust:  ev.Trust.String(),
		Hypothesis: ev.Hypothesis.String(),
		WorstBPS:   ev.WorstBPS,
		Reasons:    ev.Reasons,
		Channels:   g.channels,
	})
}
