// Package dispatch drains fired triggers off the timer path. Timer callbacks
// enqueue; a small worker pool does the ledger and gateway I/O so one slow
// user never delays another user's fire.
package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"checkind/internal/domain"
	"checkind/internal/eventbus"
	"checkind/internal/gateway"
	"checkind/internal/runtime/supervisor"
	"checkind/internal/store"
	logx "checkind/pkg/logx"
)

type Config struct {
	Workers     int
	QueueSize   int
	RatePerSec  float64
	SendTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 10 * time.Second
	}
	return out
}

// Job is one fired trigger awaiting delivery.
type Job struct {
	NotificationID string
	UserID         string
	Channel        string
	SlotIndex      int
	Types          []string
	At             time.Time
}

type Dispatcher struct {
	cfg    Config
	gw     gateway.Gateway
	prefs  store.Preferences
	ledger store.Ledger
	bus    eventbus.Bus
	log    logx.Logger
	lim    *rate.Limiter
	queue  chan Job
}

func New(cfg Config, gw gateway.Gateway, st store.Store, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		gw:     gw,
		prefs:  st,
		ledger: st,
		bus:    bus,
		log:    log,
		queue:  make(chan Job, cfg.QueueSize),
	}
	if cfg.RatePerSec > 0 {
		d.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return d
}

// Start launches the worker pool under sup.
func (d *Dispatcher) Start(sup *supervisor.Supervisor) {
	for i := 0; i < d.cfg.Workers; i++ {
		sup.Go0("dispatch.worker", func(ctx context.Context) {
			d.worker(ctx)
		})
	}
}

// Enqueue hands a fired trigger to the pool. It never blocks: when the queue
// is full the job is dropped and reported, which keeps timer callbacks cheap.
func (d *Dispatcher) Enqueue(job Job) bool {
	select {
	case d.queue <- job:
		return true
	default:
		d.log.Warn("dispatch queue full, dropping fire",
			logx.String("user_id", job.UserID),
			logx.Int("slot", job.SlotIndex))
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.deliver(ctx, job)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) {
	if d.lim != nil {
		if err := d.lim.Wait(ctx); err != nil {
			return
		}
	}

	// The record may have changed between registration and fire; a user who
	// disabled scheduling meanwhile must not be messaged.
	rec, err := d.prefs.GetSchedule(ctx, job.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d.resolveFailed(ctx, job, "schedule removed before fire")
		return
	case err != nil:
		d.log.Error("fire-time schedule read failed",
			logx.String("user_id", job.UserID), logx.Err(err))
		d.resolveFailed(ctx, job, "schedule read failed: "+err.Error())
		return
	case !rec.Enabled:
		d.resolveFailed(ctx, job, "schedule disabled before fire")
		return
	}

	kind := domain.ReminderKind(job.At.Hour())
	msg := gateway.Message{
		Kind:  kind,
		Types: job.Types,
		Text:  gateway.ComposeText(kind, job.Types),
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err = d.gw.Send(sendCtx, job.Channel, msg)
	cancel()

	if err != nil {
		d.log.Warn("delivery failed",
			logx.String("user_id", job.UserID),
			logx.Int("slot", job.SlotIndex),
			logx.Err(err))
		d.resolveFailed(ctx, job, err.Error())
		return
	}

	now := time.Now()
	if job.NotificationID != "" {
		if err := d.ledger.MarkSent(ctx, job.NotificationID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.log.Error("ledger mark sent failed",
				logx.String("id", job.NotificationID), logx.Err(err))
		}
	}
	d.log.Info("delivery ok",
		logx.String("user_id", job.UserID),
		logx.Int("slot", job.SlotIndex))
	d.bus.Publish(eventbus.Event{
		Type: eventbus.TypeDispatchSent,
		Data: eventbus.DispatchOutcome{UserID: job.UserID, NotificationID: job.NotificationID},
	})
}

// resolveFailed is terminal: no retry lives here, a failed fire stays failed
// until the next day's trigger.
func (d *Dispatcher) resolveFailed(ctx context.Context, job Job, reason string) {
	if job.NotificationID != "" {
		if err := d.ledger.MarkFailed(ctx, job.NotificationID, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.log.Error("ledger mark failed failed",
				logx.String("id", job.NotificationID), logx.Err(err))
		}
	}
	d.bus.Publish(eventbus.Event{
		Type: eventbus.TypeDispatchFailed,
		Data: eventbus.DispatchOutcome{UserID: job.UserID, NotificationID: job.NotificationID, Err: reason},
	})
}
