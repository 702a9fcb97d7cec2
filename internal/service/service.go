package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trust-gate/internal/engine"
	"trust-gate/internal/feed"
	"trust-gate/internal/storage"
)

// ErrLockHeld is returned when another gate instance owns the advisory lock.
var ErrLockHeld = errors.New("advisory lock held by another instance")

const sinkTimeout = 10 * time.Second

// Sink receives every evaluation on the output goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev engine.Evaluation) error
}

// Finisher is implemented by sinks that want the run report at shutdown.
type Finisher interface {
	Finish(ctx context.Context, report engine.Report) error
}

// Options tune one run.
type Options struct {
	RunID string
	Mode  string
	// Realtime selects the concurrent runtime driven by wall-clock ticks.
	// Otherwise events are processed inline in arrival order.
	Realtime     bool
	EventQueue   int
	OutputQueue  int
	TickInterval time.Duration
	StartupDelay time.Duration
	Locker       storage.AdvisoryLocker
	LockKey      int64
}

// Service orchestrates feeds, the evaluation pipeline, and the sinks.
type Service struct {
	settings engine.Settings
	opts     Options
	sources  []feed.Source
	sinks    []Sink
	base     zerolog.Logger
	logger   zerolog.Logger
}

// New constructs the gate service.
func New(settings engine.Settings, opts Options, sources []feed.Source, sinks []Sink, logger zerolog.Logger) *Service {
	base := logger.With().Str("run_id", opts.RunID).Logger()
	return &Service{
		settings: settings,
		opts:     opts,
		sources:  sources,
		sinks:    sinks,
		base:     base,
		logger:   base.With().Str("component", "service").Logger(),
	}
}

// Run processes the sources until they are exhausted or ctx is cancelled,
// then flushes the pipeline and hands the report to every Finisher.
// Cancellation is a normal stop and is not returned as an error.
func (s *Service) Run(ctx context.Context) (engine.Report, error) {
	if len(s.sources) == 0 {
		return engine.Report{}, fmt.Errorf("no feed sources configured")
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return engine.Report{}, err
	}
	if !proceed {
		return engine.Report{}, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	p := newPipeline(s.settings, s.sinks, s.base)
	s.logger.Info().
		Str("mode", s.opts.Mode).
		Bool("realtime", s.opts.Realtime).
		Int("sources", len(s.sources)).
		Int("sinks", len(s.sinks)).
		Msg("gate starting")

	var runErr error
	if s.opts.Realtime {
		runErr = s.runLive(ctx, p)
	} else {
		runErr = s.runInline(ctx, p)
	}

	report := engine.NewReport(s.opts.RunID, s.opts.Mode, p.engine.Summary(), p.lanes.Totals())
	s.finish(report)

	s.logger.Info().
		Uint64("ticks", report.Summary.Ticks).
		Uint64("transitions", report.Summary.Transitions).
		Str("final", report.Summary.Final).
		Msg("gate stopped")
	return report, runErr
}

func (s *Service) finish(report engine.Report) {
	for _, sink := range s.sinks {
		f, ok := sink.(Finisher)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := f.Finish(ctx, report); err != nil {
			s.logger.Error().Err(err).Str("sink", sink.Name()).Msg("finish sink")
		}
		cancel()
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
