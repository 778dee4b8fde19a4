package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"checkind/internal/domain"
	logx "checkind/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Preferences ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u domain.UserRef) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, channel) VALUES(?,?)
		 ON CONFLICT(id) DO UPDATE SET channel=excluded.channel`,
		u.ID, u.Channel,
	)
	return err
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, rec domain.ScheduleRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	slots, err := json.Marshal(rec.Slots)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(user_id, channel, enabled, randomize, skip_weekends, quiet_start, quiet_end, slots, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   channel=excluded.channel, enabled=excluded.enabled, randomize=excluded.randomize,
		   skip_weekends=excluded.skip_weekends, quiet_start=excluded.quiet_start,
		   quiet_end=excluded.quiet_end, slots=excluded.slots, updated_at=excluded.updated_at`,
		rec.UserID, rec.Channel, boolInt(rec.Enabled), boolInt(rec.Randomize), boolInt(rec.SkipWeekends),
		rec.QuietStartHour, rec.QuietEndHour, string(slots), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, userID string) (*domain.ScheduleRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, channel, enabled, randomize, skip_weekends, quiet_start, quiet_end, slots
		 FROM schedules WHERE user_id = ?`, userID)
	rec, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) ListEnabledSchedules(ctx context.Context) ([]domain.ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, channel, enabled, randomize, skip_weekends, quiet_start, quiet_end, slots
		 FROM schedules WHERE enabled = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduleRecord
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListEligibleUsersWithoutSchedule(ctx context.Context) ([]domain.UserRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.channel FROM users u
		 LEFT JOIN schedules sc ON sc.user_id = u.id
		 WHERE sc.user_id IS NULL AND u.channel != ''
		 ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UserRef
	for rows.Next() {
		var u domain.UserRef
		if err := rows.Scan(&u.ID, &u.Channel); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateDefaultSchedule(ctx context.Context, u domain.UserRef) error {
	rec := domain.DefaultRecord(u)
	slots, err := json.Marshal(rec.Slots)
	if err != nil {
		return err
	}
	// DO NOTHING keeps bootstrap additive and idempotent.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(user_id, channel, enabled, randomize, skip_weekends, quiet_start, quiet_end, slots, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO NOTHING`,
		rec.UserID, rec.Channel, boolInt(rec.Enabled), boolInt(rec.Randomize), boolInt(rec.SkipWeekends),
		rec.QuietStartHour, rec.QuietEndHour, string(slots), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (*domain.ScheduleRecord, error) {
	var rec domain.ScheduleRecord
	var enabled, randomize, skip int
	var slotsJSON string
	if err := r.Scan(&rec.UserID, &rec.Channel, &enabled, &randomize, &skip,
		&rec.QuietStartHour, &rec.QuietEndHour, &slotsJSON); err != nil {
		return nil, err
	}
	rec.Enabled = enabled != 0
	rec.Randomize = randomize != 0
	rec.SkipWeekends = skip != 0
	if err := json.Unmarshal([]byte(slotsJSON), &rec.Slots); err != nil {
		return nil, fmt.Errorf("schedule %s: bad slots json: %w", rec.UserID, err)
	}
	return &rec, nil
}

// ---- Ledger ----

func (s *sqliteStore) CreatePending(ctx context.Context, row PendingNotification) (string, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	types, err := json.Marshal(row.Types)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, slot_index, types, scheduled_for, status, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		row.ID, row.UserID, row.SlotIndex, string(types),
		row.ScheduledFor.UnixMilli(), StatusPending, row.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

func (s *sqliteStore) DeleteFuturePending(ctx context.Context, userID string, after time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE user_id = ? AND status = ? AND scheduled_for > ?`,
		userID, StatusPending, after.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.markResolved(ctx, id, StatusSent, at, "")
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, sendErr string) error {
	return s.markResolved(ctx, id, StatusFailed, time.Time{}, sendErr)
}

func (s *sqliteStore) markResolved(ctx context.Context, id, status string, at time.Time, sendErr string) error {
	var sentAt any
	if !at.IsZero() {
		sentAt = at.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, sent_at = ?, err = ? WHERE id = ? AND status = ?`,
		status, sentAt, nullStr(sendErr), id, StatusPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListNotifications(ctx context.Context, userID string) ([]PendingNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, slot_index, types, scheduled_for, status, err, sent_at, created_at
		 FROM notifications WHERE user_id = ? ORDER BY scheduled_for`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingNotification
	for rows.Next() {
		var p PendingNotification
		var typesJSON string
		var schedMS, createdMS int64
		var errStr sql.NullString
		var sentMS sql.NullInt64
		if err := rows.Scan(&p.ID, &p.UserID, &p.SlotIndex, &typesJSON, &schedMS, &p.Status, &errStr, &sentMS, &createdMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(typesJSON), &p.Types); err != nil {
			return nil, fmt.Errorf("notification %s: bad types json: %w", p.ID, err)
		}
		p.ScheduledFor = time.UnixMilli(schedMS)
		p.CreatedAt = time.UnixMilli(createdMS)
		p.Error = errStr.String
		if sentMS.Valid {
			p.SentAt = time.UnixMilli(sentMS.Int64)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneResolved(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE status IN (?, ?) AND scheduled_for < ?`,
		StatusSent, StatusFailed, olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
