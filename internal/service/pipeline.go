package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trust-gate/internal/engine"
	"trust-gate/internal/feed"
	"trust-gate/internal/market"
	"trust-gate/internal/scheduler"
)

// job is one unit of work for the evaluation goroutine: a lane batch, or a
// wall-clock tick when tick is set.
type job struct {
	batch engine.Batch
	tick  time.Time
}

type pipeline struct {
	lanes  *engine.Lanes
	engine *engine.Engine
	sinks  []Sink
	logger zerolog.Logger
	// sampled guards the hot path against log floods.
	sampled zerolog.Logger
}

func newPipeline(settings engine.Settings, sinks []Sink, base zerolog.Logger) *pipeline {
	logger := base.With().Str("component", "pipeline").Logger()
	return &pipeline{
		lanes:   engine.NewLanes(settings, base),
		engine:  engine.New(settings, base),
		sinks:   sinks,
		logger:  logger,
		sampled: logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Second}),
	}
}

func (p *pipeline) process(j job) []engine.Evaluation {
	if !j.tick.IsZero() {
		return p.engine.Tick(j.tick)
	}
	return p.engine.Apply(j.batch)
}

func (p *pipeline) observe(ev engine.Evaluation) {
	if ev.DecisionChanged {
		p.logger.Info().
			Uint64("seq", ev.Seq).
			Time("at", ev.At).
			Stringer("from", ev.Previous).
			Stringer("to", ev.Decision).
			Stringer("trust", ev.Trust).
			Stringer("hypothesis", ev.Hypothesis).
			Strs("reasons", ev.Reasons).
			Msg("decision changed")
		return
	}
	if e := p.logger.Debug(); e.Enabled() {
		e.Uint64("seq", ev.Seq).
			Time("at", ev.At).
			Stringer("decision", ev.Decision).
			Str("trigger", string(ev.Trigger)).
			Float64("worst_bps", ev.WorstBPS).
			Msg("evaluation")
	}
}

// dispatch hands ev to every sink. A failing sink is logged and skipped.
func (p *pipeline) dispatch(ev engine.Evaluation) {
	for _, sink := range p.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.Handle(ctx, ev); err != nil {
			p.sampled.Error().Err(err).Str("sink", sink.Name()).Uint64("seq", ev.Seq).Msg("sink failed")
		}
		cancel()
	}
}

// forward queues evaluations for the output goroutine. Ticks that changed
// state wait for room; unchanged ticks are dropped when the queue is full.
func (p *pipeline) forward(out *engine.Queue[engine.Evaluation], evals []engine.Evaluation) {
	for _, ev := range evals {
		p.observe(ev)
		var err error
		if ev.Changed {
			err = out.Publish(context.Background(), ev)
		} else {
			err = out.TryPublish(ev)
		}
		if err != nil {
			p.sampled.Warn().Err(err).Uint64("seq", ev.Seq).Msg("evaluation not delivered")
		}
	}
}

// runInline drives the pipeline synchronously in arrival order. Used for
// replay and simulation, where the output must depend only on the input.
func (s *Service) runInline(ctx context.Context, p *pipeline) error {
	var (
		mu       sync.Mutex
		nextTick time.Time
		interval = s.opts.TickInterval
	)
	deliver := func(evals []engine.Evaluation) {
		for _, ev := range evals {
			p.observe(ev)
			p.dispatch(ev)
		}
	}
	emit := func(ev market.Event) {
		mu.Lock()
		defer mu.Unlock()

		deliver(p.engine.Apply(p.lanes.Ingest(ev)))
		for _, b := range p.lanes.Sweep(ev.IngestTS) {
			deliver(p.engine.Apply(b))
		}
		if interval <= 0 || ev.IngestTS.IsZero() {
			return
		}
		// Stall checks follow ingest time so they replay identically.
		switch {
		case nextTick.IsZero():
			nextTick = ev.IngestTS.Add(interval)
		case !ev.IngestTS.Before(nextTick):
			deliver(p.engine.Tick(ev.IngestTS))
			nextTick = ev.IngestTS.Add(interval)
		}
	}

	err := s.runSources(ctx, emit)

	mu.Lock()
	deliver(p.engine.Flush(p.lanes.Drain()...))
	mu.Unlock()
	return err
}

// runLive wires producers, the scheduler, the evaluation goroutine, and the
// output goroutine through two bounded queues.
func (s *Service) runLive(ctx context.Context, p *pipeline) error {
	jobs := engine.NewQueue[job](s.opts.EventQueue)
	outputs := engine.NewQueue[engine.Evaluation](s.opts.OutputQueue)

	publish := func(j job) bool {
		if err := jobs.TryPublish(j); err != nil {
			p.sampled.Warn().Err(err).
				Stringer("stream", j.batch.Stream).
				Uint64("dropped", jobs.Dropped()).
				Msg("batch dropped")
			return false
		}
		return true
	}
	// A rejected batch stays with its lane and rides along with the next one.
	publishBatch := func(b engine.Batch) bool {
		return publish(job{batch: b})
	}
	emit := func(ev market.Event) {
		p.lanes.IngestTo(ev, publishBatch)
	}

	var stages errgroup.Group
	stages.Go(func() error {
		defer outputs.Close()
		jobs.Run(context.Background(), func(j job) {
			p.forward(outputs, p.process(j))
		})
		p.forward(outputs, p.engine.Flush(p.lanes.Drain()...))
		return nil
	})
	stages.Go(func() error {
		outputs.Run(context.Background(), p.dispatch)
		return nil
	})

	interval := s.opts.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	sched := scheduler.New(scheduler.Options{Interval: interval, StartupDelay: s.opts.StartupDelay}, s.base)

	g, gctx := errgroup.WithContext(ctx)
	tickCtx, stopTicks := context.WithCancel(gctx)
	defer stopTicks()
	g.Go(func() error {
		defer stopTicks()
		return s.runSources(gctx, emit)
	})
	g.Go(func() error {
		return ignoreCanceled(sched.Run(tickCtx, func(_ context.Context, now time.Time) error {
			p.lanes.SweepTo(now, publishBatch)
			publish(job{tick: now})
			return nil
		}))
	})

	err := g.Wait()
	jobs.Close()
	_ = stages.Wait()

	if n := jobs.Dropped(); n > 0 {
		s.logger.Warn().Uint64("dropped_batches", n).Msg("event queue overflowed during run")
	}
	if n := outputs.Dropped(); n > 0 {
		s.logger.Warn().Uint64("dropped_evaluations", n).Msg("output queue overflowed during run")
	}
	return err
}

// runSources runs every source on its own goroutine and waits for all of them.
func (s *Service) runSources(ctx context.Context, emit feed.Emit) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range s.sources {
		g.Go(func() error {
			err := ignoreCanceled(src.Run(gctx, emit))
			if err != nil {
				return fmt.Errorf("feed %s: %w", src.Name(), err)
			}
			s.logger.Info().Str("feed", src.Name()).Msg("feed finished")
			return nil
		})
	}
	return g.Wait()
}
