package store

import (
	"context"
	"errors"
	"time"

	"checkind/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store, used by tests and ephemeral runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Pending notification lifecycle.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// PendingNotification is one scheduled-but-not-yet-resolved fire.
// One row per compiled trigger; Types carries the slot's full type set.
type PendingNotification struct {
	ID           string
	UserID       string
	SlotIndex    int
	Types        []string
	ScheduledFor time.Time
	Status       string
	Error        string
	SentAt       time.Time
	CreatedAt    time.Time
}

// Resolved reports whether the row reached a terminal status.
func (p *PendingNotification) Resolved() bool {
	return p.Status == StatusSent || p.Status == StatusFailed
}

// Preferences is the schedule-record side of the store.
type Preferences interface {
	// GetSchedule returns ErrNotFound when the user has no record.
	GetSchedule(ctx context.Context, userID string) (*domain.ScheduleRecord, error)
	SaveSchedule(ctx context.Context, rec domain.ScheduleRecord) error
	ListEnabledSchedules(ctx context.Context) ([]domain.ScheduleRecord, error)

	// Eligibility means a usable messaging channel and no record yet.
	ListEligibleUsersWithoutSchedule(ctx context.Context) ([]domain.UserRef, error)
	// CreateDefaultSchedule is a no-op when a record already exists.
	CreateDefaultSchedule(ctx context.Context, u domain.UserRef) error

	UpsertUser(ctx context.Context, u domain.UserRef) error
}

// Ledger is the notification-history side of the store.
//
// Sent/failed rows are history and are only ever removed by PruneResolved.
type Ledger interface {
	// CreatePending fills in ID and CreatedAt when empty.
	CreatePending(ctx context.Context, row PendingNotification) (string, error)
	// DeleteFuturePending removes pending rows scheduled strictly after the
	// given instant. Sent/failed rows are never touched.
	DeleteFuturePending(ctx context.Context, userID string, after time.Time) (int64, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, sendErr string) error
	ListNotifications(ctx context.Context, userID string) ([]PendingNotification, error)
	// PruneResolved deletes sent/failed rows scheduled before olderThan.
	PruneResolved(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store is the full persistence API of the scheduling core.
type Store interface {
	Preferences
	Ledger
	Close() error
}
