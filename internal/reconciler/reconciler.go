// Package reconciler keeps the live job registry in agreement with the
// persisted schedule records: full reload, targeted per-user update, default
// provisioning, and day-to-day re-arming after each fire.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"checkind/internal/dispatch"
	"checkind/internal/domain"
	"checkind/internal/eventbus"
	"checkind/internal/registry"
	"checkind/internal/runtime/supervisor"
	"checkind/internal/store"
	"checkind/internal/trigger"
	logx "checkind/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ; empty means local

	// Maintenance knobs, applied by Start.
	PruneAge    time.Duration // resolved ledger rows older than this are removed; 0 disables
	ResyncEvery time.Duration // periodic bootstrap+reload self-heal; 0 disables
}

type Service struct {
	cfg  Config
	st   store.Store
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	bus  eventbus.Bus
	log  logx.Logger
	loc  *time.Location

	now func() time.Time
	rng trigger.Rand

	sup     *supervisor.Supervisor
	stopped atomic.Bool

	// Per-user serialization of registry+ledger mutation. Guards nothing
	// about dispatch.
	umu   sync.Mutex
	locks map[string]*sync.Mutex

	cron *maintenance
}

type Option func(*Service)

// WithNow overrides the clock. Tests only.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRand overrides the jitter source. Tests only.
func WithRand(r trigger.Rand) Option {
	return func(s *Service) { s.rng = r }
}

func New(cfg Config, st store.Store, reg *registry.Registry, disp *dispatch.Dispatcher, bus eventbus.Bus, log logx.Logger, opts ...Option) (*Service, error) {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	s := &Service{
		cfg:   cfg,
		st:    st,
		reg:   reg,
		disp:  disp,
		bus:   bus,
		log:   log,
		loc:   loc,
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start attaches the supervisor used for async re-arm work and launches the
// maintenance cron when configured.
func (s *Service) Start(sup *supervisor.Supervisor) error {
	s.sup = sup
	return s.startMaintenance()
}

func (s *Service) Stop() {
	s.stopped.Store(true)
	s.stopMaintenance()
	// Wait out in-flight per-user work before the final cancel. A re-arm
	// that already holds its user lock may still register a timer; once it
	// releases the lock the CancelAll below removes it, and any re-arm that
	// takes a lock afterwards observes the stopped flag and returns.
	s.umu.Lock()
	locks := make([]*sync.Mutex, 0, len(s.locks))
	for _, mu := range s.locks {
		locks = append(locks, mu)
	}
	s.umu.Unlock()
	for _, mu := range locks {
		mu.Lock()
		mu.Unlock()
	}
	s.reg.CancelAll()
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.umu.Lock()
	defer s.umu.Unlock()
	mu, ok := s.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[userID] = mu
	}
	return mu
}

// Bootstrap provisions a default schedule record for every eligible user
// that has none. Additive and idempotent; it registers no jobs (ReloadAll
// does that).
func (s *Service) Bootstrap(ctx context.Context) error {
	users, err := s.st.ListEligibleUsersWithoutSchedule(ctx)
	if err != nil {
		return fmt.Errorf("list eligible users: %w", err)
	}
	created := 0
	for _, u := range users {
		if err := s.st.CreateDefaultSchedule(ctx, u); err != nil {
			s.log.Error("default provisioning failed",
				logx.String("user_id", u.ID), logx.Err(err))
			continue
		}
		created++
	}
	if created > 0 {
		s.log.Info("bootstrap provisioned defaults", logx.Int("users", created))
	}
	return nil
}

// ReloadAll cancels every registered job, then compiles and registers jobs
// for every enabled record. Afterwards the registry key set is exactly the
// set implied by enabled records. Per-user failures are logged and skipped.
func (s *Service) ReloadAll(ctx context.Context) error {
	cancelled := s.reg.CancelAll()
	s.log.Info("reload: cancelled all jobs", logx.Int("jobs", cancelled))

	recs, err := s.st.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled schedules: %w", err)
	}

	registered := 0
	for _, rec := range recs {
		mu := s.userLock(rec.UserID)
		mu.Lock()
		n, err := s.syncUserLocked(ctx, rec)
		mu.Unlock()
		if err != nil {
			s.log.Error("reload failed for user",
				logx.String("user_id", rec.UserID), logx.Err(err))
			continue
		}
		registered += n
	}
	s.log.Info("reload complete",
		logx.Int("users", len(recs)), logx.Int("jobs", registered))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReloadDone})
	return nil
}

// UpdateUser re-reads one user's record and replaces exactly that user's
// jobs and future pending ledger rows. Serialized per user; other users'
// state is never touched.
func (s *Service) UpdateUser(ctx context.Context, userID string) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	s.reg.CancelUser(userID)

	rec, err := s.st.GetSchedule(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Terminal until the user comes back: zero jobs, no stale rows.
		_, derr := s.st.DeleteFuturePending(ctx, userID, s.now())
		return derr
	case err != nil:
		return fmt.Errorf("get schedule %s: %w", userID, err)
	}

	if !rec.Enabled {
		_, derr := s.st.DeleteFuturePending(ctx, userID, s.now())
		return derr
	}

	_, err = s.syncUserLocked(ctx, *rec)
	return err
}

// syncUserLocked resyncs one enabled record: stale future pending rows go
// away, fresh rows and timers come up. Caller holds the user lock.
func (s *Service) syncUserLocked(ctx context.Context, rec domain.ScheduleRecord) (int, error) {
	now := s.now()

	if _, err := s.st.DeleteFuturePending(ctx, rec.UserID, now); err != nil {
		return 0, fmt.Errorf("delete future pending: %w", err)
	}

	triggers := trigger.Compile(rec, now, trigger.Options{
		Location: s.loc,
		Rand:     s.rng,
		Log:      s.log,
	})

	for _, tr := range triggers {
		if err := s.armTrigger(ctx, rec, tr); err != nil {
			s.log.Error("failed to arm trigger",
				logx.String("user_id", rec.UserID),
				logx.Int("slot", tr.SlotIndex),
				logx.Err(err))
		}
	}
	return len(triggers), nil
}

func (s *Service) armTrigger(ctx context.Context, rec domain.ScheduleRecord, tr trigger.CompiledTrigger) error {
	id, err := s.st.CreatePending(ctx, store.PendingNotification{
		UserID:       rec.UserID,
		SlotIndex:    tr.SlotIndex,
		Types:        tr.Types,
		ScheduledFor: tr.At,
	})
	if err != nil {
		return fmt.Errorf("create pending row: %w", err)
	}

	key := registry.Key{UserID: rec.UserID, SlotIndex: tr.SlotIndex}
	channel := rec.Channel
	s.reg.Register(key, tr.At, tr.Types, func(k registry.Key, types []string, at time.Time) {
		s.onFire(k, channel, id, types, at)
	})
	return nil
}

// onFire runs on the timer goroutine: publish, enqueue, and kick off the
// async re-arm. No store or gateway I/O here.
func (s *Service) onFire(key registry.Key, channel, notificationID string, types []string, at time.Time) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTriggerFired,
		Data: eventbus.TriggerFired{UserID: key.UserID, SlotIndex: key.SlotIndex, Types: types},
	})

	accepted := s.disp.Enqueue(dispatch.Job{
		NotificationID: notificationID,
		UserID:         key.UserID,
		Channel:        channel,
		SlotIndex:      key.SlotIndex,
		Types:          types,
		At:             at,
	})
	if !accepted {
		s.markDropped(key, notificationID)
	}

	if s.sup != nil {
		s.sup.Go0("reconciler.rearm", func(ctx context.Context) {
			s.rearm(ctx, key, at)
		})
	}
}

// markDropped resolves the ledger row of a fire the dispatcher refused, so
// the row does not sit pending forever. Runs off the timer goroutine.
func (s *Service) markDropped(key registry.Key, notificationID string) {
	if notificationID == "" || s.sup == nil {
		return
	}
	s.sup.Go0("reconciler.dropfail", func(ctx context.Context) {
		err := s.st.MarkFailed(ctx, notificationID, "dispatch queue full")
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Error("dropped fire not resolved",
				logx.String("user_id", key.UserID),
				logx.String("id", notificationID), logx.Err(err))
		}
	})
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeDispatchFailed,
		Data: eventbus.DispatchOutcome{
			UserID: key.UserID, NotificationID: notificationID,
			Err: "dispatch queue full",
		},
	})
}

// rearm registers the next day's handle for a slot that just fired. The
// record is re-read so preference edits between fire and re-arm win.
func (s *Service) rearm(ctx context.Context, key registry.Key, firedAt time.Time) {
	mu := s.userLock(key.UserID)
	mu.Lock()
	defer mu.Unlock()

	if s.stopped.Load() {
		return
	}

	rec, err := s.st.GetSchedule(ctx, key.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Error("rearm: schedule read failed",
			logx.String("user_id", key.UserID), logx.Err(err))
		return
	}
	if !rec.Enabled || key.SlotIndex >= len(rec.Slots) {
		return
	}
	if _, ok := s.reg.NextFire(key); ok {
		// An UpdateUser/ReloadAll re-armed the slot while the fire was in
		// flight; its registration wins.
		return
	}

	now := s.now()
	if firedAt.After(now) {
		now = firedAt
	}
	triggers := trigger.Compile(*rec, now, trigger.Options{
		Location: s.loc,
		Rand:     s.rng,
		Log:      s.log,
	})
	for _, tr := range triggers {
		if tr.SlotIndex != key.SlotIndex {
			continue
		}
		if err := s.armTrigger(ctx, *rec, tr); err != nil {
			s.log.Error("rearm failed",
				logx.String("user_id", key.UserID),
				logx.Int("slot", key.SlotIndex),
				logx.Err(err))
		}
		return
	}
}
