package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Check-in types a slot can ask about. These match the behavior check-in
// vocabulary users answer on a 1-10 scale.
const (
	TypeMood       = "mood"
	TypeFocus      = "focus"
	TypeMotivation = "motivation"
	TypeEnergy     = "energy"
	TypeStress     = "stress"
)

// Daily reminder kinds. Unlike check-ins these carry composed content and
// are tied to a time of day by convention, not by the scheduler.
const (
	KindMorningReminder   = "MORNING_REMINDER"
	KindNoonCheck         = "NOON_CHECK"
	KindAfternoonReminder = "AFTERNOON_REMINDER"
	KindEveningPlanning   = "EVENING_PLANNING"
	KindNightHabitsCheck  = "NIGHT_HABITS_CHECK"
)

// UserRef identifies a user eligible for scheduling together with the
// messaging channel reminders should be delivered to.
type UserRef struct {
	ID      string
	Channel string // e.g. "telegram:123456789" or "whatsapp:+33700000000"
}

// Slot is one named time-of-day plus the set of check-in/reminder types
// fired at that time. Slot order within a record is stable; the index is
// part of the job key.
type Slot struct {
	TimeOfDay string   `json:"time"` // "HH:MM", 24h
	Types     []string `json:"types"`
}

// ScheduleRecord is the persisted, declarative scheduling configuration for
// one user.
//
// Invariant: an enabled record with zero slots produces no jobs; it is a
// no-op, not an error.
type ScheduleRecord struct {
	UserID       string
	Channel      string
	Enabled      bool
	Randomize    bool
	SkipWeekends bool
	Slots        []Slot

	// Quiet hours window, inclusive on both ends ([StartHour, EndHour]).
	// Both zero means no window is enforced.
	QuietStartHour int
	QuietEndHour   int
}

// QuietWindowSet reports whether the record restricts fires to a quiet-hours
// window.
func (r *ScheduleRecord) QuietWindowSet() bool {
	return !(r.QuietStartHour == 0 && r.QuietEndHour == 0)
}

// InQuietWindow reports whether the given hour is allowed by the record's
// quiet-hours window. Records without a window allow every hour.
func (r *ScheduleRecord) InQuietWindow(hour int) bool {
	if !r.QuietWindowSet() {
		return true
	}
	return hour >= r.QuietStartHour && hour <= r.QuietEndHour
}

var ErrInvalidTime = errors.New("invalid time of day")

// ParseHHMM parses a 24h "HH:MM" string.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q, expected HH:MM", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidTime, s)
	}
	return h, m, nil
}

// DefaultSlots is the three-a-day shape new users are provisioned with.
func DefaultSlots() []Slot {
	return []Slot{
		{TimeOfDay: "09:00", Types: []string{TypeMood, TypeEnergy}},
		{TimeOfDay: "14:00", Types: []string{TypeFocus, TypeMotivation}},
		{TimeOfDay: "18:00", Types: []string{TypeMood, TypeStress}},
	}
}

// DefaultRecord builds the schedule record Bootstrap provisions for an
// eligible user that has none yet.
func DefaultRecord(u UserRef) ScheduleRecord {
	return ScheduleRecord{
		UserID:         u.ID,
		Channel:        u.Channel,
		Enabled:        true,
		Randomize:      false,
		SkipWeekends:   false,
		Slots:          DefaultSlots(),
		QuietStartHour: 9,
		QuietEndHour:   18,
	}
}

// Validate checks the parts of a record the scheduler depends on.
// A malformed slot is reported but does not invalidate its siblings; callers
// are expected to skip bad slots individually (see trigger.Compile).
func (r *ScheduleRecord) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("schedule record: user id is empty")
	}
	for i, sl := range r.Slots {
		if _, _, err := ParseHHMM(sl.TimeOfDay); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	if r.QuietWindowSet() {
		if r.QuietStartHour < 0 || r.QuietStartHour > 23 || r.QuietEndHour < 0 || r.QuietEndHour > 23 {
			return fmt.Errorf("quiet hours out of range: %d-%d", r.QuietStartHour, r.QuietEndHour)
		}
		if r.QuietEndHour < r.QuietStartHour {
			return fmt.Errorf("quiet hours end before start: %d-%d", r.QuietStartHour, r.QuietEndHour)
		}
	}
	return nil
}

// Weekend reports whether d falls on Saturday or Sunday.
func Weekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// ReminderKind maps a fire hour to the reminder kind conventionally sent at
// that time of day.
func ReminderKind(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return KindMorningReminder
	case hour >= 12 && hour < 14:
		return KindNoonCheck
	case hour >= 14 && hour < 18:
		return KindAfternoonReminder
	case hour >= 18 && hour < 22:
		return KindEveningPlanning
	default:
		return KindNightHabitsCheck
	}
}
