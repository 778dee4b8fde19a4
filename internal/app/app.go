// Package app wires the scheduling core together and exposes the small host
// surface: Start, Stop, OnPreferencesChanged, ReloadAll.
package app

import (
	"context"
	"errors"
	"fmt"

	"checkind/internal/config"
	"checkind/internal/dispatch"
	"checkind/internal/eventbus"
	"checkind/internal/gateway"
	"checkind/internal/reconciler"
	"checkind/internal/registry"
	"checkind/internal/runtime/supervisor"
	"checkind/internal/store"
	logx "checkind/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st   store.Store
	bus  eventbus.Bus
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	rec  *reconciler.Service

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))
	cfgMgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	var gw gateway.Gateway
	if cfg.Telegram.Enabled {
		gw, err = gateway.NewTelegram(gateway.TelegramConfig{Token: cfg.Telegram.Token},
			log.With(logx.String("comp", "gateway")))
		if err != nil {
			_ = st.Close()
			_ = logSvc.Close()
			return nil, err
		}
	} else {
		gw = gateway.NewLog(log.With(logx.String("comp", "gateway")))
	}

	bus := eventbus.New()
	reg := registry.New(log.With(logx.String("comp", "registry")))
	disp := dispatch.New(dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: cfg.SendTimeout(),
	}, gw, st, bus, log.With(logx.String("comp", "dispatch")))

	rec, err := reconciler.New(reconciler.Config{
		Timezone:    cfg.Scheduler.Timezone,
		PruneAge:    cfg.PruneAge(),
		ResyncEvery: cfg.ResyncEvery(),
	}, st, reg, disp, bus, log.With(logx.String("comp", "reconciler")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log,
		st:     st,
		bus:    bus,
		reg:    reg,
		disp:   disp,
		rec:    rec,
	}, nil
}

// Store exposes the persistence layer so the host can write preferences
// through the same database the scheduler reads.
func (a *App) Store() store.Store { return a.st }

// Bus exposes the in-memory event stream (fired/sent/failed signals).
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.disp.Start(a.sup)
	if err := a.rec.Start(a.sup); err != nil {
		return err
	}

	if err := a.rec.Bootstrap(ctx); err != nil {
		// Bootstrap is idempotent and re-run by resync; degraded start is
		// better than no start.
		a.log.Error("bootstrap failed", logx.Err(err))
	}
	if err := a.rec.ReloadAll(ctx); err != nil {
		return fmt.Errorf("initial reload: %w", err)
	}

	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})
	a.sup.Go0("config.apply", func(ctx context.Context) {
		a.applyConfigUpdates(ctx)
	})

	a.log.Info("checkind started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.rec.Stop()
	err := a.sup.Stop(ctx)
	a.sup = nil
	_ = a.st.Close()
	_ = a.logSvc.Close()
	a.log.Info("checkind stopped")
	return err
}

// OnPreferencesChanged is the host's hot path after any preference write.
// The update runs asynchronously; per-user serialization lives in the
// reconciler.
func (a *App) OnPreferencesChanged(userID string) {
	if a.sup == nil {
		return
	}
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypePrefsChanged,
		Data: eventbus.PrefsChanged{UserID: userID},
	})
	a.sup.Go0("reconciler.update", func(ctx context.Context) {
		if err := a.rec.UpdateUser(ctx, userID); err != nil {
			a.log.Error("user update failed",
				logx.String("user_id", userID), logx.Err(err))
		}
	})
}

// ReloadAll is the administrative full-rebuild trigger.
func (a *App) ReloadAll(ctx context.Context) error {
	return a.rec.ReloadAll(ctx)
}

// applyConfigUpdates consumes validated config reloads. Logging is applied
// live; scheduling knobs take effect through a full reload. A timezone
// change still requires a restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
			if err := a.rec.ReloadAll(ctx); err != nil {
				a.log.Error("reload after config change failed", logx.Err(err))
			}
		}
	}
}
