package align

import (
	"time"

	"trust-gate/internal/market"
)

// Merger interleaves lane outputs into a single timestamp-ordered sequence.
// Order across streams is best effort: a forced flush or a stream that fell
// behind the leading lane by more than the max wait no longer holds others back.
// Merger is owned by the evaluation loop and is not safe for concurrent use.
type Merger struct {
	cfg        Config
	items      eventHeap
	seq        uint64
	watermarks [market.NumStreams]time.Time
}

// NewMerger builds an empty merger.
func NewMerger(cfg Config) *Merger {
	return &Merger{cfg: cfg}
}

// Add accepts one lane output and returns the events that may now be processed.
func (m *Merger) Add(out Output) []Item {
	m.Hold(out)
	var through time.Time
	if out.Forced {
		for _, it := range out.Items {
			if it.Event.ExchangeTS.After(through) {
				through = it.Event.ExchangeTS
			}
		}
	}

	var released []Item
	if !through.IsZero() {
		released = m.releaseThrough(released, through)
	}
	if bound, ok := m.bound(); ok {
		released = m.releaseThrough(released, bound)
	}
	for m.cfg.MergeCapacity > 0 && m.items.Len() > m.cfg.MergeCapacity {
		released = append(released, m.items.pop().item)
	}
	return released
}

// Hold accepts one lane output without releasing anything. It is used at end
// of input so that the final drain sees every lane's remainder.
func (m *Merger) Hold(out Output) {
	for _, it := range out.Items {
		m.items.push(pending{item: it, seq: m.seq})
		m.seq++
	}
	if out.Stream.Valid() && out.Watermark.After(m.watermarks[out.Stream]) {
		m.watermarks[out.Stream] = out.Watermark
	}
}

// Drain releases everything still held.
func (m *Merger) Drain() []Item {
	var released []Item
	for m.items.Len() > 0 {
		released = append(released, m.items.pop().item)
	}
	return released
}

// Len is the number of held events.
func (m *Merger) Len() int {
	return m.items.Len()
}

// bound is the minimum watermark among live lanes, those within the max wait
// of the leading lane.
func (m *Merger) bound() (time.Time, bool) {
	var leader time.Time
	for _, wm := range m.watermarks {
		if wm.After(leader) {
			leader = wm
		}
	}
	if leader.IsZero() {
		return time.Time{}, false
	}
	horizon := leader.Add(-m.cfg.MaxWait)
	bound := leader
	for _, wm := range m.watermarks {
		if wm.IsZero() || wm.Before(horizon) {
			continue
		}
		if wm.Before(bound) {
			bound = wm
		}
	}
	return bound, true
}

func (m *Merger) releaseThrough(dst []Item, bound time.Time) []Item {
	for {
		head, ok := m.items.head()
		if !ok || head.item.Event.ExchangeTS.After(bound) {
			return dst
		}
		dst = append(dst, m.items.pop().item)
	}
}
