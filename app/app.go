package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigca/vigca-go/config"
	"github.com/vigca/vigca-go/debug"
	"github.com/vigca/vigca-go/domain/capture"
	"github.com/vigca/vigca-go/domain/detect"
	"github.com/vigca/vigca-go/domain/motion"
	"github.com/vigca/vigca-go/domain/target"
	"github.com/vigca/vigca-go/history"
)

const samplerInterval = 2 * time.Second

// App assembles the engine: target store, capture service, motion
// controller, detection loop, and the optional history database.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   *target.Store
	Capture capture.Service
	Motion  *motion.Controller
	Loop    *detect.Loop
	History *history.Store // nil when history is disabled

	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// Build constructs all components from the configuration. The target library
// is loaded from its configured path and the enabled-set override applied.
// Side effects are limited to reading the library and opening the history
// database; nothing captures or moves yet.
func Build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	store := target.NewStore(logger, cfg.Detection.MinKeypoints)
	if path := cfg.Application.TargetsPath; path != "" {
		if err := store.Load(path); err != nil {
			return nil, fmt.Errorf("load target library: %w", err)
		}
	}
	store.ApplyEnabledSet(cfg.Application.ActiveTargetIDs)

	interval := time.Duration(cfg.Detection.CaptureIntervalMS) * time.Millisecond
	svc := capture.NewService(logger, capture.NewBackend(), interval)
	mover := motion.NewController(logger, motion.NewPointerBackend())

	loop, err := detect.NewLoop(logger, cfg, store, svc, mover)
	if err != nil {
		mover.Close()
		return nil, err
	}

	// History is optional and must never block detection: a broken database
	// downgrades to a warning.
	var hist *history.Store
	if path := cfg.Application.HistoryPath; path != "" {
		hist, err = history.Open(logger, path)
		if err != nil {
			logger.Warn("app.history.disabled", "path", path, "err", err.Error())
			hist = nil
		}
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Capture: svc,
		Motion:  mover,
		Loop:    loop,
		History: hist,
	}, nil
}

// Run starts the event pump, the debug sampler when configured, and, when
// auto start is set, detection itself. It returns immediately; the engine
// runs until Close.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.pumpDone = make(chan struct{})
	go a.pumpEvents(ctx)

	if a.Config.Application.Debug {
		debug.StartSampler(ctx, a.Logger, samplerInterval, a.sampleStats)
	}
	if a.Config.Application.AutoStart {
		if err := a.Loop.Start(); err != nil {
			return fmt.Errorf("auto start detection: %w", err)
		}
	}
	return nil
}

// pumpEvents forwards the detection event stream into the log and the
// history database until ctx is cancelled, then drains whatever is buffered.
func (a *App) pumpEvents(ctx context.Context) {
	defer close(a.pumpDone)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-a.Loop.Events():
					a.handleEvent(ev)
				default:
					return
				}
			}
		case ev := <-a.Loop.Events():
			a.handleEvent(ev)
		}
	}
}

func (a *App) handleEvent(ev detect.Event) {
	switch ev.Kind {
	case detect.EventDetected:
		a.Logger.Debug("app.detected",
			"target", ev.TargetName,
			"region", ev.Region.String(),
			"confidence", ev.Confidence,
		)
		if a.History != nil {
			err := a.History.Record(history.Detection{
				TargetID:   ev.TargetID,
				TargetName: ev.TargetName,
				Region:     ev.Region,
				Confidence: ev.Confidence,
				DetectedAt: ev.Time,
			})
			if err != nil {
				a.Logger.Warn("app.history.record", "err", err.Error())
			}
		}
	case detect.EventTrained:
		a.Logger.Info("app.trained", "target", ev.TargetName, "id", ev.TargetID)
	case detect.EventCaptureError, detect.EventMatchError, detect.EventActuationError:
		a.Logger.Warn("app.event", "kind", ev.Kind.String(), "err", ev.Err.Error())
	default:
		a.Logger.Info("app.event", "kind", ev.Kind.String())
	}
}

func (a *App) sampleStats() []slog.Attr {
	cs := a.Capture.Stats()
	ds := a.Loop.Stats()
	ms := a.Motion.Stats()
	return []slog.Attr{
		slog.Uint64("captures", cs.Captures),
		slog.Uint64("capture_failures", cs.Failures),
		slog.Uint64("ticks", ds.Ticks),
		slog.Uint64("skips", ds.Skips),
		slog.Uint64("matches", ds.Matches),
		slog.Uint64("events_dropped", ds.EventsDropped),
		slog.Uint64("moves", ms.Moves),
		slog.Uint64("preempted", ms.Preempted),
		slog.Uint64("clicks", ms.Clicks),
		slog.Uint64("motion_failures", ms.Failures),
	}
}

// SaveTargets persists the target library when a path is configured.
func (a *App) SaveTargets() error {
	path := a.Config.Application.TargetsPath
	if path == "" {
		return nil
	}
	return a.Store.Save(path)
}

// Close tears the engine down in dependency order: the detection loop first
// so nothing requests motion or frames anymore, then the mover and capture,
// then the event pump, history, and finally the target library save.
func (a *App) Close() error {
	a.Loop.Close()
	a.Motion.Close()
	a.Capture.Stop()
	if a.cancel != nil {
		a.cancel()
		<-a.pumpDone
	}

	var firstErr error
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Logger.Warn("app.history.close", "err", err.Error())
			firstErr = err
		}
	}
	if err := a.SaveTargets(); err != nil {
		a.Logger.Error("app.targets.save", "err", err.Error())
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
