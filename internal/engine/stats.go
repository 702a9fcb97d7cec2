package engine

import (
	"time"

	"trust-gate/internal/market"
)

// DwellStats counts ticks and time spent in one state.
type DwellStats struct {
	Ticks   uint64 `json:"ticks"`
	DwellMS int64  `json:"dwell_ms"`
}

// Summary is a snapshot of the run statistics.
type Summary struct {
	Ticks       uint64                `json:"ticks"`
	Transitions uint64                `json:"decision_transitions"`
	Start       time.Time             `json:"start"`
	End         time.Time             `json:"end"`
	Decision    map[string]DwellStats `json:"decision"`
	Trust       map[string]DwellStats `json:"trust"`
	Hypothesis  map[string]DwellStats `json:"hypothesis"`
	Final       string                `json:"final_decision"`
}

type dwell struct {
	ticks uint64
	time  time.Duration
}

// Stats accumulates per-state tick counts and dwell time. Dwell is measured in
// evaluation time and credited to the state that held until the next tick.
type Stats struct {
	ticks       uint64
	transitions uint64
	start, end  time.Time
	last        Evaluation
	decision    map[string]*dwell
	trust       map[string]*dwell
	hypothesis  map[string]*dwell
}

// NewStats returns empty statistics.
func NewStats() *Stats {
	return &Stats{
		decision:   make(map[string]*dwell),
		trust:      make(map[string]*dwell),
		hypothesis: make(map[string]*dwell),
	}
}

// Observe records one evaluation.
func (s *Stats) Observe(ev Evaluation) {
	if s.ticks > 0 {
		if elapsed := ev.At.Sub(s.last.At); elapsed > 0 {
			credit(s.decision, s.last.Decision.String()).time += elapsed
			credit(s.trust, s.last.Trust.String()).time += elapsed
			credit(s.hypothesis, s.last.Hypothesis.String()).time += elapsed
		}
		if ev.DecisionChanged {
			s.transitions++
		}
	} else {
		s.start = ev.At
	}
	s.ticks++
	s.end = ev.At
	credit(s.decision, ev.Decision.String()).ticks++
	credit(s.trust, ev.Trust.String()).ticks++
	credit(s.hypothesis, ev.Hypothesis.String()).ticks++
	s.last = ev
}

// Summary snapshots the statistics.
func (s *Stats) Summary() Summary {
	out := Summary{
		Ticks:       s.ticks,
		Transitions: s.transitions,
		Start:       s.start,
		End:         s.end,
		Decision:    snapshot(s.decision),
		Trust:       snapshot(s.trust),
		Hypothesis:  snapshot(s.hypothesis),
	}
	if s.ticks > 0 {
		out.Final = s.last.Decision.String()
	}
	return out
}

func credit(m map[string]*dwell, key string) *dwell {
	d, ok := m[key]
	if !ok {
		d = &dwell{}
		m[key] = d
	}
	return d
}

func snapshot(m map[string]*dwell) map[string]DwellStats {
	out := make(map[string]DwellStats, len(m))
	for k, d := range m {
		out[k] = DwellStats{Ticks: d.ticks, DwellMS: d.time.Milliseconds()}
	}
	return out
}

// Report is the end-of-run record written next to the decision files.
type Report struct {
	RunID   string                `json:"run_id"`
	Mode    string                `json:"mode"`
	Summary Summary               `json:"summary"`
	Streams map[string]LaneTotals `json:"streams"`
}

// NewReport combines the engine summary with the lane counters.
func NewReport(runID, mode string, summary Summary, totals [market.NumStreams]LaneTotals) Report {
	streams := make(map[string]LaneTotals, len(totals))
	for _, s := range market.Streams() {
		streams[s.String()] = totals[s]
	}
	return Report{RunID: runID, Mode: mode, Summary: summary, Streams: streams}
}
