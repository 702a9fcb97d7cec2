package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertRunSQL = `INSERT INTO gate_runs (
        run_id,
        mode,
        exchange,
        symbol,
        started_at
    ) VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (run_id) DO NOTHING;`

	finishRunSQL = `UPDATE gate_runs
    SET finished_at = $2, summary = $3
    WHERE run_id = $1;`

	listRecentRunsSQL = `SELECT
        run_id,
        mode,
        exchange,
        symbol,
        started_at,
        finished_at,
        summary
    FROM gate_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	insertTransitionSQL = `INSERT INTO decision_transitions (
        run_id,
        seq,
        eval_ts,
        decision,
        previous,
        data_trust,
        hypothesis,
        worst_bps,
        reasons,
        trigger
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (run_id, seq) DO NOTHING;`

	transitionColumns = `id,
        run_id,
        seq,
        eval_ts,
        decision,
        previous,
        data_trust,
        hypothesis,
        worst_bps::text,
        reasons,
        trigger,
        created_at`

	listTransitionsBetweenSQL = `SELECT ` + transitionColumns + `
    FROM decision_transitions
    WHERE eval_ts >= $1
      AND eval_ts < $2
    ORDER BY eval_ts, seq;`

	listRecentTransitionsSQL = `SELECT ` + transitionColumns + `
    FROM decision_transitions
    ORDER BY eval_ts DESC, seq DESC
    LIMIT $1;`

	countTransitionsSQL = `SELECT COUNT(*) FROM decision_transitions;`

	deleteTransitionsBeforeSQL = `DELETE FROM decision_transitions WHERE eval_ts < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunStore records gate sessions.
type RunStore interface {
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, summary []byte) error
	ListRecentRuns(ctx context.Context, limit int) ([]Run, error)
}

// TransitionStore defines operations for decision transition persistence.
type TransitionStore interface {
	InsertTransition(ctx context.Context, t Transition) error
	ListTransitionsBetween(ctx context.Context, from, to time.Time) ([]Transition, error)
	ListRecentTransitions(ctx context.Context, limit int) ([]Transition, error)
	CountTransitions(ctx context.Context) (int64, error)
	DeleteTransitionsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to runs and decision transitions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate executes every *.sql file in dir in lexical order. The scripts
// must be idempotent.
func (s *Store) Migrate(ctx context.Context, dir string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		script, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filepath.Base(file), err)
		}
		if _, err := pool.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", filepath.Base(file), err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Closing the session releases the lock if the explicit unlock fails.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// StartRun registers a session. Registering the same id twice is a no-op.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertRunSQL, run.ID, run.Mode, run.Exchange, run.Symbol, run.StartedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the end time and the JSON summary of a session.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, summary []byte) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, finishRunSQL, id, finishedAt, summary)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentRuns lists sessions newest first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID,
			&run.Mode,
			&run.Exchange,
			&run.Symbol,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Summary,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// InsertTransition persists a decision transition. Re-inserting the same
// (run, seq) pair is ignored so a replayed run can be stored again safely.
func (s *Store) InsertTransition(ctx context.Context, t Transition) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	reasons := t.Reasons
	if reasons == nil {
		reasons = []string{}
	}

	_, execErr := pool.Exec(ctx, insertTransitionSQL,
		t.RunID,
		t.Seq,
		t.At,
		t.Decision,
		t.Previous,
		t.DataTrust,
		t.Hypothesis,
		t.WorstBPS.String(),
		reasons,
		t.Trigger,
	)
	if execErr != nil {
		return fmt.Errorf("insert transition: %w", execErr)
	}
	return nil
}

// ListTransitionsBetween lists transitions within an evaluation-time window.
func (s *Store) ListTransitionsBetween(ctx context.Context, from, to time.Time) ([]Transition, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTransitionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list transitions between: %w", queryErr)
	}
	return collectTransitions(rows, 0)
}

// ListRecentTransitions lists the most recent transitions, newest first.
func (s *Store) ListRecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTransitionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent transitions: %w", queryErr)
	}
	return collectTransitions(rows, limit)
}

// CountTransitions counts stored transitions.
func (s *Store) CountTransitions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countTransitionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count transitions: %w", scanErr)
	}
	return count, nil
}

// DeleteTransitionsBefore prunes history.
func (s *Store) DeleteTransitionsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteTransitionsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete transitions before: %w", execErr)
	}
	return nil
}

func collectTransitions(rows pgx.Rows, capacity int) ([]Transition, error) {
	defer rows.Close()
	out := make([]Transition, 0, capacity)
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanTransition(rows pgx.Rows) (Transition, error) {
	var (
		t        Transition
		worstStr string
	)
	if err := rows.Scan(
		&t.ID,
		&t.RunID,
		&t.Seq,
		&t.At,
		&t.Decision,
		&t.Previous,
		&t.DataTrust,
		&t.Hypothesis,
		&worstStr,
		&t.Reasons,
		&t.Trigger,
		&t.CreatedAt,
	); err != nil {
		return Transition{}, err
	}

	worst, err := decimal.NewFromString(worstStr)
	if err != nil {
		return Transition{}, fmt.Errorf("parse worst bps: %w", err)
	}
	t.WorstBPS = worst
	return t, nil
}
