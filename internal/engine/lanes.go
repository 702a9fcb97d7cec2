package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trust-gate/internal/align"
	"trust-gate/internal/market"
	"trust-gate/internal/sanitize"
)

// Batch is the result of routing one event, or one sweep, through a stream lane.
type Batch struct {
	Stream         market.Stream
	Unroutable     bool
	Sanitized      int
	Quarantined    int
	Reasons        []string
	Anomalies      int
	Arrived        int
	At             time.Time
	Ingest         time.Time
	QuarantineRate float64
	Align          align.Output
	// Backlog is the activity of earlier batches of this stream that the
	// evaluation stage never received.
	Backlog Backlog
}

// Backlog accumulates the counters of rejected batches.
type Backlog struct {
	Batches     int
	Events      int
	Sanitized   int
	Quarantined int
	Anomalies   int
	Arrived     int
	Late        int
	Forced      int
}

// lost folds b, including what it already carried, into a backlog.
func (b Batch) lost() Backlog {
	out := b.Backlog
	out.Batches++
	out.Events += len(b.Align.Items)
	out.Sanitized += b.Sanitized
	out.Quarantined += b.Quarantined
	out.Anomalies += b.Anomalies
	out.Arrived += b.Arrived
	// Every event of a dropped batch is late, forced items are counted once.
	out.Late += max(b.Align.Late, len(b.Align.Items))
	if b.Align.Forced {
		out.Forced++
	}
	return out
}

// Publish hands a batch to the evaluation stage and reports whether it was taken.
type Publish func(Batch) bool

type lane struct {
	mu        sync.Mutex
	sanitizer *sanitize.Sanitizer
	aligner   *align.Lane
	backlog   Backlog
	dropped   uint64
}

// send publishes b with any pending backlog attached. A rejected batch is
// kept as backlog for the next one. The caller holds the lane lock, which
// keeps batches of one stream in order.
func (ln *lane) send(b Batch, publish Publish) {
	b.Backlog = ln.backlog
	ln.backlog = Backlog{}
	if !publish(b) {
		ln.backlog = b.lost()
		ln.dropped++
	}
}

// LaneTotals are the cumulative counters of one lane.
type LaneTotals struct {
	Sanitize sanitize.Totals `json:"sanitize"`
	Flushes  uint64          `json:"forced_flushes"`
	Buffered int             `json:"buffered"`
	Dropped  uint64          `json:"dropped_batches"`
}

// Lanes is the per-stream ingestion arena. Ingest is safe for concurrent use
// and only serializes events of the same stream.
type Lanes struct {
	lanes  [market.NumStreams]*lane
	logger zerolog.Logger

	// unrouted stands in for a lane for events that match no stream. Only
	// its mutex and backlog are used.
	unrouted lane
}

// NewLanes builds one sanitizer and one alignment buffer per stream.
func NewLanes(s Settings, logger zerolog.Logger) *Lanes {
	l := &Lanes{logger: logger.With().Str("component", "lanes").Logger()}
	for _, stream := range market.Streams() {
		l.lanes[stream] = &lane{
			sanitizer: sanitize.New(stream, s.Instrument, s.Sanitizer),
			aligner:   align.NewLane(stream, s.Alignment, logger),
		}
	}
	return l
}

// Ingest sanitizes ev, pushes it into its stream's alignment buffer and
// returns the resulting batch.
func (l *Lanes) Ingest(ev market.Event) Batch {
	var out Batch
	l.IngestTo(ev, func(b Batch) bool {
		out = b
		return true
	})
	return out
}

// IngestTo is Ingest for a concurrent runtime: the batch is published while
// the lane is still locked.
func (l *Lanes) IngestTo(ev market.Event, publish Publish) {
	stream, ok := route(ev)
	if !ok {
		l.logger.Debug().Uint8("stream", uint8(ev.Stream)).Str("id", ev.ID).Msg("dropping unroutable event")
		l.unrouted.mu.Lock()
		defer l.unrouted.mu.Unlock()
		l.unrouted.send(Batch{Stream: ev.Stream, Unroutable: true, Sanitized: 1, Quarantined: 1,
			Reasons: []string{sanitize.ReasonMissingPayload}, Ingest: ev.IngestTS}, publish)
		return
	}

	ln := l.lanes[stream]
	ln.mu.Lock()
	defer ln.mu.Unlock()

	res := ln.sanitizer.Sanitize(ev)
	b := Batch{Stream: stream, Sanitized: 1, Ingest: ev.IngestTS}
	if res.Anomaly != sanitize.AnomalyNone {
		b.Anomalies++
	}
	if res.Verdict.Pass() {
		b.Arrived = 1
		b.Align = ln.aligner.Push(res.Event)
	} else {
		b.Quarantined = 1
		b.Reasons = res.Reasons
		b.Align = align.Output{Stream: stream, BufferLen: ln.aligner.Len()}
		l.logger.Debug().
			Stringer("stream", stream).
			Str("id", ev.ID).
			Strs("reasons", res.Reasons).
			Msg("event quarantined")
	}
	b.At = ln.sanitizer.Clock()
	b.QuarantineRate = ln.sanitizer.QuarantineRate(b.At)
	ln.send(b, publish)
}

// Sweep releases idle or over-held buffers at time now.
func (l *Lanes) Sweep(now time.Time) []Batch {
	return collect(func(publish Publish) { l.SweepTo(now, publish) })
}

// SweepTo is Sweep for a concurrent runtime. Lanes with nothing released
// still publish when they hold a backlog.
func (l *Lanes) SweepTo(now time.Time, publish Publish) {
	l.each(func(ln *lane) align.Output { return ln.aligner.Sweep(now) }, publish)
}

// Drain releases every buffered event and any pending backlog.
func (l *Lanes) Drain() []Batch {
	return collect(func(publish Publish) {
		l.each(func(ln *lane) align.Output { return ln.aligner.Drain() }, publish)
		l.unrouted.mu.Lock()
		defer l.unrouted.mu.Unlock()
		if l.unrouted.backlog.Batches > 0 {
			l.unrouted.send(Batch{Stream: market.Stream(market.NumStreams), Unroutable: true}, publish)
		}
	})
}

func (l *Lanes) each(fn func(*lane) align.Output, publish Publish) {
	for _, stream := range market.Streams() {
		ln := l.lanes[stream]
		ln.mu.Lock()
		res := fn(ln)
		if len(res.Items) > 0 || res.Forced || ln.backlog.Batches > 0 {
			ln.send(Batch{Stream: stream, Align: res}, publish)
		}
		ln.mu.Unlock()
	}
}

func collect(run func(Publish)) []Batch {
	var out []Batch
	run(func(b Batch) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Totals snapshots the cumulative counters of every lane.
func (l *Lanes) Totals() [market.NumStreams]LaneTotals {
	var out [market.NumStreams]LaneTotals
	for _, stream := range market.Streams() {
		ln := l.lanes[stream]
		ln.mu.Lock()
		out[stream] = LaneTotals{
			Sanitize: ln.sanitizer.Totals(),
			Flushes:  ln.aligner.Flushes(),
			Buffered: ln.aligner.Len(),
			Dropped:  ln.dropped,
		}
		ln.mu.Unlock()
	}
	return out
}

// route picks the lane of the declared stream, falling back to the payload's
// stream. Disagreement between the two is left for the sanitizer to quarantine.
func route(ev market.Event) (market.Stream, bool) {
	if ev.Stream.Valid() {
		return ev.Stream, true
	}
	return ev.PayloadStream()
}
