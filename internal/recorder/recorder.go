// Package recorder writes a run's gate output to JSON files: every state
// change, every closed decision interval and a final summary.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"trust-gate/internal/engine"
)

const (
	TransitionsFile = "state_transitions.jsonl"
	DecisionsFile   = "decisions.jsonl"
	SummaryFile     = "summary.json"
)

// Transition is one line of state_transitions.jsonl.
type Transition struct {
	RunID      string    `json:"run_id"`
	Seq        uint64    `json:"seq"`
	TS         time.Time `json:"ts"`
	Trigger    string    `json:"trigger"`
	DataTrust  string    `json:"data_trust"`
	Hypothesis string    `json:"hypothesis"`
	Decision   string    `json:"decision"`
	WorstBPS   float64   `json:"worst_bps"`
	Reasons    []string  `json:"reasons,omitempty"`
}

// Interval is one line of decisions.jsonl: a decision that has just been
// replaced, with the reasons it held under.
type Interval struct {
	RunID      string    `json:"run_id"`
	TS         time.Time `json:"ts"`
	Since      time.Time `json:"since"`
	Action     string    `json:"action"`
	Reasons    []string  `json:"reasons,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Recorder is a sink that appends JSON lines under one directory.
type Recorder struct {
	dir   string
	runID string

	mu          sync.Mutex
	transitions *jsonLines
	decisions   *jsonLines
	open        *Interval
	closed      bool
}

// Open creates the output directory and truncates the line files.
func Open(dir, runID string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	transitions, err := createLines(filepath.Join(dir, TransitionsFile))
	if err != nil {
		return nil, err
	}
	decisions, err := createLines(filepath.Join(dir, DecisionsFile))
	if err != nil {
		transitions.close()
		return nil, err
	}
	return &Recorder{dir: dir, runID: runID, transitions: transitions, decisions: decisions}, nil
}

// Name identifies the sink in logs.
func (r *Recorder) Name() string { return "recorder" }

// Dir is the output directory.
func (r *Recorder) Dir() string { return r.dir }

// Files lists the files a finished run leaves behind.
func (r *Recorder) Files() []string {
	return []string{
		filepath.Join(r.dir, TransitionsFile),
		filepath.Join(r.dir, DecisionsFile),
		filepath.Join(r.dir, SummaryFile),
	}
}

// Handle records ev. Ticks that change no state are skipped.
func (r *Recorder) Handle(_ context.Context, ev engine.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}

	if ev.Changed {
		if err := r.transitions.write(Transition{
			RunID:      r.runID,
			Seq:        ev.Seq,
			TS:         ev.At,
			Trigger:    string(ev.Trigger),
			DataTrust:  ev.Trust.String(),
			Hypothesis: ev.Hypothesis.String(),
			Decision:   ev.Decision.String(),
			WorstBPS:   ev.WorstBPS,
			Reasons:    ev.Reasons,
		}); err != nil {
			return err
		}
	}

	if r.open != nil && r.open.Action == ev.Decision.String() && slices.Equal(r.open.Reasons, ev.Reasons) {
		return nil
	}
	if err := r.closeInterval(ev.At); err != nil {
		return err
	}
	r.open = &Interval{
		RunID:   r.runID,
		Since:   ev.At,
		Action:  ev.Decision.String(),
		Reasons: slices.Clone(ev.Reasons),
	}
	return nil
}

// Finish closes the open decision interval at the summary end time, writes
// summary.json and closes the files.
func (r *Recorder) Finish(_ context.Context, rep engine.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.closeInterval(rep.Summary.End)
	if cerr := r.transitions.close(); err == nil {
		err = cerr
	}
	if cerr := r.decisions.close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, SummaryFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func (r *Recorder) closeInterval(at time.Time) error {
	if r.open == nil {
		return nil
	}
	iv := *r.open
	r.open = nil
	if at.Before(iv.Since) {
		at = iv.Since
	}
	iv.TS = at
	iv.DurationMS = at.Sub(iv.Since).Milliseconds()
	return r.decisions.write(iv)
}

type jsonLines struct {
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

func createLines(path string) (*jsonLines, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	buf := bufio.NewWriter(f)
	return &jsonLines{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// write flushes after every record so a crashed run keeps its history.
func (l *jsonLines) write(v any) error {
	if err := l.enc.Encode(v); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(l.f.Name()), err)
	}
	return l.buf.Flush()
}

func (l *jsonLines) close() error {
	ferr := l.buf.Flush()
	cerr := l.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
