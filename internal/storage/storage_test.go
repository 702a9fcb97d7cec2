package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"trust-gate/internal/config"
	"trust-gate/internal/decision"
	"trust-gate/internal/engine"
	"trust-gate/internal/hypothesis"
	"trust-gate/internal/trust"
)

type memoryStore struct {
	TransitionStore
	inserted []Transition
}

func (m *memoryStore) InsertTransition(_ context.Context, t Transition) error {
	m.inserted = append(m.inserted, t)
	return nil
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if err := s.InsertTransition(ctx, Transition{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("InsertTransition: expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.ListRecentTransitions(ctx, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ListRecentTransitions: expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("TryAdvisoryLock: expected ErrNotConfigured, got %v", err)
	}
	if err := s.Migrate(ctx, "."); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Migrate: expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}, "trustgate"); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestTransitionSinkStoresOnlyDecisionChanges(t *testing.T) {
	mem := &memoryStore{}
	runID := uuid.New()
	sink := NewTransitionSink(mem, runID)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	evals := []engine.Evaluation{
		{Seq: 1, At: at, Decision: decision.Restricted, Previous: decision.Restricted},
		{Seq: 2, At: at.Add(time.Second), Decision: decision.Restricted, Previous: decision.Restricted, Changed: true},
		{
			Seq: 3, At: at.Add(2 * time.Second), Trust: trust.Trusted, Hypothesis: hypothesis.Valid,
			Decision: decision.Allowed, Previous: decision.Restricted, WorstBPS: 3.123456,
			Reasons: []string{"hypothesis=VALID"}, Trigger: engine.TriggerEvent,
			Changed: true, DecisionChanged: true,
		},
	}
	for _, ev := range evals {
		if err := sink.Handle(context.Background(), ev); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	if len(mem.inserted) != 1 {
		t.Fatalf("expected 1 row, got %d", len(mem.inserted))
	}
	got := mem.inserted[0]
	if got.RunID != runID || got.Seq != 3 {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.Decision != "ALLOWED" || got.Previous != "RESTRICTED" || got.DataTrust != "TRUSTED" || got.Hypothesis != "VALID" {
		t.Fatalf("unexpected states: %+v", got)
	}
	if got.WorstBPS.String() != "3.1235" {
		t.Fatalf("expected rounded worst bps, got %s", got.WorstBPS)
	}
	if got.Trigger != "event" || len(got.Reasons) != 1 {
		t.Fatalf("unexpected trigger/reasons: %+v", got)
	}
}

// TestStoreRoundTrip runs against a real database when TRUSTGATE_TEST_DSN is set.
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("TRUSTGATE_TEST_DSN")
	if dsn == "" {
		t.Skip("TRUSTGATE_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn}, "trustgate-test")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	store := NewStore(pool)
	defer store.Close()

	if err := store.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	run := Run{ID: uuid.New(), Mode: "test", Exchange: "binance", Symbol: "BTCUSDT", StartedAt: time.Now().UTC()}
	if err := store.StartRun(ctx, run); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	at := time.Now().UTC().Truncate(time.Microsecond)
	tr := FromEvaluation(run.ID, engine.Evaluation{
		Seq: 7, At: at, Decision: decision.Halted, Previous: decision.Allowed,
		Trust: trust.Untrusted, Hypothesis: hypothesis.Invalid, WorstBPS: 149.9,
		Reasons: []string{"trust=UNTRUSTED fat_finger"}, Trigger: engine.TriggerEvent,
	})
	if err := store.InsertTransition(ctx, tr); err != nil {
		t.Fatalf("InsertTransition: %v", err)
	}
	if err := store.InsertTransition(ctx, tr); err != nil {
		t.Fatalf("duplicate InsertTransition: %v", err)
	}

	rows, err := store.ListTransitionsBetween(ctx, at.Add(-time.Second), at.Add(time.Second))
	if err != nil {
		t.Fatalf("ListTransitionsBetween: %v", err)
	}
	var found int
	for _, r := range rows {
		if r.RunID == run.ID {
			found++
			if r.Decision != "HALTED" || !r.WorstBPS.Equal(tr.WorstBPS) {
				t.Fatalf("unexpected row: %+v", r)
			}
		}
	}
	if found != 1 {
		t.Fatalf("expected exactly one row for run, got %d", found)
	}

	if err := store.FinishRun(ctx, run.ID, time.Now().UTC(), []byte(`{"ticks":1}`)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	unlock, ok, err := store.TryAdvisoryLock(ctx, 424242)
	if err != nil || !ok {
		t.Fatalf("TryAdvisoryLock: ok=%v err=%v", ok, err)
	}
	unlock()
}
