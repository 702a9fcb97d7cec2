// Package replay streams historical CSV or CSV.gz market data in ingest-time
// order, one file per stream family.
package replay

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"trust-gate/internal/feed"
	"trust-gate/internal/market"
)

// Config controls a historical replay.
type Config struct {
	Dir      string        `mapstructure:"dir"`
	Streams  []string      `mapstructure:"streams"`
	Speed    float64       `mapstructure:"speed"`
	MaxSleep time.Duration `mapstructure:"max_sleep"`
	Depth    int           `mapstructure:"depth"`
}

// Source replays the stream files under Config.Dir.
type Source struct {
	cfg     Config
	paths   map[market.Stream]string
	streams []market.Stream
	logger  zerolog.Logger
	sleep   func(context.Context, time.Duration) error
}

// New resolves the stream files. Every selected stream must have a file.
func New(cfg Config, logger zerolog.Logger) (*Source, error) {
	streams, err := feed.ParseStreams(cfg.Streams)
	if err != nil {
		return nil, err
	}
	paths := make(map[market.Stream]string, len(streams))
	for _, s := range streams {
		path, err := findFile(cfg.Dir, s)
		if err != nil {
			return nil, err
		}
		paths[s] = path
	}
	return &Source{
		cfg:     cfg,
		paths:   paths,
		streams: streams,
		logger:  logger.With().Str("component", "replay").Logger(),
		sleep:   sleepCtx,
	}, nil
}

// Name identifies the source in logs.
func (s *Source) Name() string {
	return "replay:" + s.cfg.Dir
}

// Run emits every event in nondecreasing ingest time. Rows without an ingest
// timestamp end their file, matching how the files are produced.
func (s *Source) Run(ctx context.Context, emit feed.Emit) error {
	var readers []reader
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	h := &cursorHeap{}
	for _, stream := range s.streams {
		r, err := newReader(stream, s.paths[stream], s.cfg.Depth)
		if err != nil {
			return err
		}
		readers = append(readers, r)
		if err := s.advance(h, r, stream); err != nil {
			return err
		}
	}
	s.logger.Info().Str("dir", s.cfg.Dir).Int("streams", len(readers)).Msg("replay started")

	var (
		prev    time.Time
		emitted uint64
	)
	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := heap.Pop(h).(*cursor)
		if err := s.pace(ctx, prev, c.event.IngestTS); err != nil {
			return err
		}
		emit(c.event)
		emitted++
		prev = c.event.IngestTS
		if err := s.advance(h, c.reader, c.stream); err != nil {
			return err
		}
	}
	s.logger.Info().Uint64("events", emitted).Msg("replay finished")
	return nil
}

func (s *Source) advance(h *cursorHeap, r reader, stream market.Stream) error {
	ev, err := r.next()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", stream, err)
	}
	if ev.IngestTS.IsZero() {
		s.logger.Warn().Stringer("stream", stream).Msg("row without local_timestamp, stopping stream")
		return nil
	}
	heap.Push(h, &cursor{event: ev, stream: stream, reader: r, seq: h.seq})
	h.seq++
	return nil
}

// pace sleeps the ingest gap scaled by 1/speed, capped at MaxSleep.
func (s *Source) pace(ctx context.Context, prev, next time.Time) error {
	if s.cfg.Speed <= 0 || prev.IsZero() {
		return nil
	}
	gap := next.Sub(prev)
	if gap <= 0 {
		return nil
	}
	wait := time.Duration(float64(gap) / s.cfg.Speed)
	if s.cfg.MaxSleep > 0 && wait > s.cfg.MaxSleep {
		wait = s.cfg.MaxSleep
	}
	return s.sleep(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type cursor struct {
	event  market.Event
	stream market.Stream
	reader reader
	seq    uint64
}

// cursorHeap orders file heads by ingest time, then by push order.
type cursorHeap struct {
	items []*cursor
	seq   uint64
}

func (h cursorHeap) Len() int { return len(h.items) }

func (h cursorHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if !a.event.IngestTS.Equal(b.event.IngestTS) {
		return a.event.IngestTS.Before(b.event.IngestTS)
	}
	return a.seq < b.seq
}

func (h cursorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *cursorHeap) Push(x any) { h.items = append(h.items, x.(*cursor)) }

func (h *cursorHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}
