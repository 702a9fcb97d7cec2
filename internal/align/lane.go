// Package align reorders per-stream events under a bounded wait and merges the
// streams into one timestamp-ordered sequence.
package align

import (
	"time"

	"github.com/rs/zerolog"

	"trust-gate/internal/market"
)

// Config bounds the alignment buffers.
type Config struct {
	MaxWait       time.Duration `mapstructure:"max_wait"`
	MaxBufferLen  int           `mapstructure:"max_buffer_len"`
	MaxHold       time.Duration `mapstructure:"max_hold"`
	MergeCapacity int           `mapstructure:"merge_capacity"`
}

// FlushReason explains a forced flush.
type FlushReason string

const (
	FlushNone      FlushReason = ""
	FlushBufferLen FlushReason = "buffer_len"
	FlushMaxHold   FlushReason = "max_hold"
)

// Item is one emitted event.
type Item struct {
	Event market.Event
	// Forced marks events released by a forced flush.
	Forced bool
	// OutOfOrder marks an event emitted behind the lane's previous emission.
	// It only happens right after a forced flush.
	OutOfOrder bool
}

// Output reports what a lane did with one call.
type Output struct {
	Stream    market.Stream
	Items     []Item
	Late      int
	Dropped   int
	Forced    bool
	Reason    FlushReason
	BufferLen int
	Watermark time.Time
}

// Lane is the reordering buffer of one stream. A lane is owned by exactly one
// ingestion path and is not safe for concurrent use.
type Lane struct {
	stream market.Stream
	cfg    Config
	logger zerolog.Logger

	buf         eventHeap
	seq         uint64
	maxTS       time.Time
	lastEmitted time.Time
	lastArrival time.Time
	afterFlush  bool
	flushes     uint64
}

// NewLane builds the buffer for stream.
func NewLane(stream market.Stream, cfg Config, logger zerolog.Logger) *Lane {
	return &Lane{
		stream: stream,
		cfg:    cfg,
		logger: logger.With().Str("component", "aligner").Stringer("stream", stream).Logger(),
	}
}

// Push buffers ev and emits whatever became ready.
func (l *Lane) Push(ev market.Event) Output {
	out := Output{Stream: l.stream}
	now := arrival(ev)
	if now.After(l.lastArrival) {
		l.lastArrival = now
	}

	ts := ev.ExchangeTS
	if !l.lastEmitted.IsZero() && ts.Before(l.lastEmitted) {
		out.Late++
		if l.afterFlush {
			out.Items = append(out.Items, Item{Event: ev, OutOfOrder: true})
			l.logger.Warn().
				Time("event_ts", ts).
				Time("last_emitted", l.lastEmitted).
				Str("id", ev.ID).
				Msg("emitting event out of order after forced flush")
		} else {
			out.Dropped++
			l.logger.Debug().
				Time("event_ts", ts).
				Time("last_emitted", l.lastEmitted).
				Str("id", ev.ID).
				Msg("dropping event behind emitted watermark")
		}
		return l.finish(out)
	}

	if wm := l.watermark(); !wm.IsZero() && ts.Before(wm) {
		out.Late++
	}
	if ts.After(l.maxTS) {
		l.maxTS = ts
	}
	l.buf.push(pending{item: Item{Event: ev}, seq: l.seq})
	l.seq++

	l.releaseReady(&out)
	switch {
	case l.cfg.MaxBufferLen > 0 && l.buf.Len() > l.cfg.MaxBufferLen:
		l.forceFlush(&out, FlushBufferLen)
	case l.holdExceeded(now):
		l.forceFlush(&out, FlushMaxHold)
	}
	return l.finish(out)
}

// Sweep releases the buffer of a lane that has been idle for at least the max
// wait, and force-flushes a head that has been held longer than max hold.
func (l *Lane) Sweep(now time.Time) Output {
	out := Output{Stream: l.stream}
	if l.buf.Len() == 0 {
		return l.finish(out)
	}
	switch {
	case !l.lastArrival.IsZero() && now.Sub(l.lastArrival) >= l.cfg.MaxWait:
		l.releaseAll(&out)
	case l.holdExceeded(now):
		l.forceFlush(&out, FlushMaxHold)
	}
	return l.finish(out)
}

// Drain releases every buffered event in order.
func (l *Lane) Drain() Output {
	out := Output{Stream: l.stream}
	l.releaseAll(&out)
	return l.finish(out)
}

// Len is the current buffer length.
func (l *Lane) Len() int {
	return l.buf.Len()
}

// Flushes is the number of forced flushes so far.
func (l *Lane) Flushes() uint64 {
	return l.flushes
}

func (l *Lane) watermark() time.Time {
	if l.maxTS.IsZero() {
		return time.Time{}
	}
	return l.maxTS.Add(-l.cfg.MaxWait)
}

func (l *Lane) holdExceeded(now time.Time) bool {
	if l.cfg.MaxHold <= 0 {
		return false
	}
	head, ok := l.buf.head()
	if !ok {
		return false
	}
	return now.Sub(arrival(head.item.Event)) > l.cfg.MaxHold
}

func (l *Lane) releaseReady(out *Output) {
	wm := l.watermark()
	for {
		head, ok := l.buf.head()
		if !ok || head.item.Event.ExchangeTS.After(wm) {
			return
		}
		l.emit(out, l.buf.pop().item.Event)
	}
}

func (l *Lane) releaseAll(out *Output) {
	for l.buf.Len() > 0 {
		l.emit(out, l.buf.pop().item.Event)
	}
}

func (l *Lane) emit(out *Output, ev market.Event) {
	out.Items = append(out.Items, Item{Event: ev})
	l.lastEmitted = ev.ExchangeTS
	l.afterFlush = false
}

func (l *Lane) forceFlush(out *Output, reason FlushReason) {
	wm := l.watermark()
	flushed := l.buf.Len()
	for l.buf.Len() > 0 {
		ev := l.buf.pop().item.Event
		if ev.ExchangeTS.After(wm) {
			out.Late++
		}
		out.Items = append(out.Items, Item{Event: ev, Forced: true})
		l.lastEmitted = ev.ExchangeTS
	}
	l.afterFlush = true
	l.flushes++
	out.Forced = true
	out.Reason = reason
	l.logger.Warn().
		Str("reason", string(reason)).
		Int("events", flushed).
		Uint64("flushes", l.flushes).
		Msg("forced flush of alignment buffer")
}

func (l *Lane) finish(out Output) Output {
	out.BufferLen = l.buf.Len()
	out.Watermark = l.watermark()
	if l.lastEmitted.After(out.Watermark) {
		out.Watermark = l.lastEmitted
	}
	return out
}

// arrival is the ingest time, falling back to the exchange time for events
// that were never stamped.
func arrival(ev market.Event) time.Time {
	if ev.IngestTS.IsZero() {
		return ev.ExchangeTS
	}
	return ev.IngestTS
}
