package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trust-gate/internal/engine"
)

// TransitionSink persists every decision change of one run.
type TransitionSink struct {
	store TransitionStore
	runID uuid.UUID
}

// NewTransitionSink binds a store to a run.
func NewTransitionSink(store TransitionStore, runID uuid.UUID) *TransitionSink {
	return &TransitionSink{store: store, runID: runID}
}

// Name implements the service sink contract.
func (s *TransitionSink) Name() string { return "postgres" }

// Handle stores ev when its decision differs from the previous tick.
func (s *TransitionSink) Handle(ctx context.Context, ev engine.Evaluation) error {
	if !ev.DecisionChanged {
		return nil
	}
	return s.store.InsertTransition(ctx, FromEvaluation(s.runID, ev))
}

// FromEvaluation maps an evaluation onto a transition row.
func FromEvaluation(runID uuid.UUID, ev engine.Evaluation) Transition {
	return Transition{
		RunID:      runID,
		Seq:        int64(ev.Seq),
		At:         ev.At,
		Decision:   ev.Decision.String(),
		Previous:   ev.Previous.String(),
		DataTrust:  ev.Trust.String(),
		Hypothesis: ev.Hypothesis.String(),
		WorstBPS:   decimal.NewFromFloat(ev.WorstBPS).Round(4),
		Reasons:    append([]string(nil), ev.Reasons...),
		Trigger:    string(ev.Trigger),
	}
}
