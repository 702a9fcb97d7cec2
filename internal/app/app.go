package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trust-gate/internal/alerting"
	"trust-gate/internal/archive"
	"trust-gate/internal/broadcast"
	"trust-gate/internal/config"
	"trust-gate/internal/engine"
	"trust-gate/internal/feed"
	"trust-gate/internal/feed/binance"
	"trust-gate/internal/feed/replay"
	"trust-gate/internal/profiling"
	"trust-gate/internal/recorder"
	"trust-gate/internal/service"
	"trust-gate/internal/storage"
)

const (
	ModeRun      = "run"
	ModeReplay   = "replay"
	ModeSimulate = "simulate"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if path := a.Config.Database.MigrationsPath; path != "" {
		if err := store.Migrate(ctx, path); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

// RunResult describes a finished session.
type RunResult struct {
	RunID     string
	OutputDir string
	Report    engine.Report
	Archived  []string
}

// session wires the sinks of one run and cleans them up afterwards.
type session struct {
	id       uuid.UUID
	mode     string
	sinks    []service.Sink
	recorder *recorder.Recorder
	store    *storage.Store
	locker   storage.AdvisoryLocker
	closers  []func()
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (a *App) openSession(ctx context.Context, mode string, persist bool) (*session, error) {
	s := &session{id: uuid.New(), mode: mode}
	runID := s.id.String()
	logger := a.Logger.With().Str("run_id", runID).Logger()

	if persist {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			s.close()
			return nil, err
		}
		if store == nil {
			logger.Warn().Msg("database.dsn not configured; persistence disabled")
		} else {
			s.closers = append(s.closers, closeStore)
			if err := store.StartRun(ctx, storage.Run{
				ID:        s.id,
				Mode:      mode,
				Exchange:  a.Config.Market.Exchange,
				Symbol:    a.Config.Market.Symbol,
				StartedAt: time.Now().UTC(),
			}); err != nil {
				s.close()
				return nil, err
			}
			s.store = store
			s.locker = store
			s.sinks = append(s.sinks, storage.NewTransitionSink(store, s.id))
		}
	}

	if a.Config.Redis.Enabled {
		pub, err := broadcast.Dial(ctx, a.Config.Redis, a.Config.Market, runID)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn().Err(err).Msg("close redis")
			}
		})
		s.sinks = append(s.sinks, pub)
	}

	if a.Config.Alerting.Enabled {
		if notifier := a.newNotifier(); notifier != nil {
			s.sinks = append(s.sinks, alerting.NewGateAlerter(notifier, a.Config.Market, runID,
				a.Config.Alerting.Cooldown, a.Config.Alerting.Channels, logger))
		} else {
			logger.Warn().Msg("alerting enabled but no channel configured")
		}
	}

	dir := a.Config.Output.Dir
	if a.Config.Output.PerRun {
		dir = filepath.Join(dir, runID)
	}
	rec, err := recorder.Open(dir, runID)
	if err != nil {
		s.close()
		return nil, err
	}
	s.recorder = rec
	s.sinks = append([]service.Sink{rec}, s.sinks...)
	return s, nil
}

// execute runs sources through the gate with the configured sinks.
func (a *App) execute(ctx context.Context, mode string, sources []feed.Source, realtime bool) (RunResult, error) {
	stopProfiling, err := profiling.Start(a.Config.Profiling, a.Logger)
	if err != nil {
		return RunResult{}, err
	}
	defer stopProfiling()

	// Simulations never touch the shared database.
	sess, err := a.openSession(ctx, mode, mode != ModeSimulate)
	if err != nil {
		return RunResult{}, err
	}
	defer sess.close()

	opts := service.Options{
		RunID:        sess.id.String(),
		Mode:         mode,
		Realtime:     realtime,
		EventQueue:   a.Config.Service.EventQueue,
		OutputQueue:  a.Config.Service.OutputQueue,
		TickInterval: a.Config.Service.TickInterval,
		StartupDelay: a.Config.Service.StartupDelay,
	}
	if realtime {
		opts.Locker = sess.locker
		opts.LockKey = a.Config.Database.AdvisoryLockKey
	}

	svc := service.New(a.Config.EngineSettings(), opts, sources, sess.sinks, a.Logger)
	report, runErr := svc.Run(ctx)
	if errors.Is(runErr, service.ErrLockHeld) {
		_ = sess.recorder.Finish(context.Background(), report)
		return RunResult{}, runErr
	}

	result := RunResult{RunID: opts.RunID, OutputDir: sess.recorder.Dir(), Report: report}

	// The run context may already be cancelled; bookkeeping gets its own.
	finishCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if sess.store != nil {
		summary, err := json.Marshal(report)
		if err != nil {
			return result, fmt.Errorf("marshal report: %w", err)
		}
		if err := sess.store.FinishRun(finishCtx, sess.id, time.Now().UTC(), summary); err != nil {
			a.Logger.Error().Err(err).Msg("record run finish")
		}
	}

	if a.Config.Archive.Enabled {
		archiver, err := archive.New(finishCtx, a.Config.Archive, a.Logger)
		if err != nil {
			a.Logger.Error().Err(err).Msg("archive unavailable")
		} else if keys, err := archiver.Upload(finishCtx, opts.RunID, sess.recorder.Files()); err != nil {
			a.Logger.Error().Err(err).Msg("archive upload failed")
		} else {
			result.Archived = keys
		}
	}

	return result, runErr
}

// Run streams the live exchange feed until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, err := binance.New(a.Config.Feed.Binance, a.Config.Market, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("exchange", a.Config.Market.Exchange).
		Str("symbol", a.Config.Market.Symbol).
		Msg("starting live gate")
	res, err := a.execute(ctx, ModeRun, []feed.Source{src}, true)
	if err != nil {
		a.Logger.Error().Err(err).Msg("gate terminated with error")
		return err
	}
	a.Logger.Info().Str("run_id", res.RunID).Str("output", res.OutputDir).Msg("live gate stopped")
	return nil
}

// ReplayOptions override the configured replay source.
type ReplayOptions struct {
	Dir     string
	Speed   float64
	Streams []string
}

// Replay runs the gate over historical files and prints the run summary.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := a.Config.Feed.Replay
	if opts.Dir != "" {
		cfg.Dir = opts.Dir
	}
	if opts.Speed >= 0 {
		cfg.Speed = opts.Speed
	}
	if len(opts.Streams) > 0 {
		cfg.Streams = opts.Streams
	}
	if cfg.Dir == "" {
		return errors.New("replay directory is required (--dir or feed.replay.dir)")
	}

	src, err := replay.New(cfg, a.Logger)
	if err != nil {
		return err
	}
	res, err := a.execute(ctx, ModeReplay, []feed.Source{src}, false)
	if err != nil {
		return err
	}
	return printResult(res)
}

// ExportOptions hold parameters for exporting decision transitions.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Runs  bool
}
