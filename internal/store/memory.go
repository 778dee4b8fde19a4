package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"checkind/internal/domain"
)

// Memory is an in-process Store used by tests and ephemeral runs. It mirrors
// the sqlite driver's semantics exactly.
type Memory struct {
	mu        sync.Mutex
	users     map[string]domain.UserRef
	schedules map[string]domain.ScheduleRecord
	ledger    map[string]PendingNotification
}

func NewMemory() *Memory {
	return &Memory{
		users:     map[string]domain.UserRef{},
		schedules: map[string]domain.ScheduleRecord{},
		ledger:    map[string]PendingNotification{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) UpsertUser(_ context.Context, u domain.UserRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) SaveSchedule(_ context.Context, rec domain.ScheduleRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[rec.UserID] = cloneRecord(rec)
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, userID string) (*domain.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.schedules[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneRecord(rec)
	return &cp, nil
}

func (m *Memory) ListEnabledSchedules(_ context.Context) ([]domain.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ScheduleRecord
	for _, rec := range m.schedules {
		if rec.Enabled {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) ListEligibleUsersWithoutSchedule(_ context.Context) ([]domain.UserRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UserRef
	for id, u := range m.users {
		if u.Channel == "" {
			continue
		}
		if _, ok := m.schedules[id]; ok {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateDefaultSchedule(_ context.Context, u domain.UserRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[u.ID]; ok {
		return nil
	}
	m.schedules[u.ID] = domain.DefaultRecord(u)
	return nil
}

func (m *Memory) CreatePending(_ context.Context, row PendingNotification) (string, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.Status = StatusPending
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[row.ID] = clonePending(row)
	return row.ID, nil
}

func (m *Memory) DeleteFuturePending(_ context.Context, userID string, after time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.ledger {
		if p.UserID == userID && p.Status == StatusPending && p.ScheduledFor.After(after) {
			delete(m.ledger, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ledger[id]
	if !ok || p.Status != StatusPending {
		return ErrNotFound
	}
	p.Status = StatusSent
	p.SentAt = at
	m.ledger[id] = p
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, sendErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ledger[id]
	if !ok || p.Status != StatusPending {
		return ErrNotFound
	}
	p.Status = StatusFailed
	p.Error = sendErr
	m.ledger[id] = p
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, userID string) ([]PendingNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingNotification
	for _, p := range m.ledger {
		if p.UserID == userID {
			out = append(out, clonePending(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (m *Memory) PruneResolved(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.ledger {
		if p.Resolved() && p.ScheduledFor.Before(olderThan) {
			delete(m.ledger, id)
			n++
		}
	}
	return n, nil
}

func cloneRecord(rec domain.ScheduleRecord) domain.ScheduleRecord {
	cp := rec
	cp.Slots = make([]domain.Slot, len(rec.Slots))
	for i, sl := range rec.Slots {
		cp.Slots[i] = domain.Slot{TimeOfDay: sl.TimeOfDay, Types: append([]string(nil), sl.Types...)}
	}
	return cp
}

func clonePending(p PendingNotification) PendingNotification {
	cp := p
	cp.Types = append([]string(nil), p.Types...)
	return cp
}
