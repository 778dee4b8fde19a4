// Package trigger turns a schedule record plus "now" into concrete fire
// instants. Compile is pure: no timers, no persistence, no clock reads.
package trigger

import (
	"math/rand"
	"time"

	"checkind/internal/domain"
	logx "checkind/pkg/logx"
)

// JitterMinutes is the half-width of the randomized offset window.
const JitterMinutes = 15

// Weekend advancement is bounded; two consecutive weekend days plus one
// spare step always reach a weekday.
const maxWeekendSteps = 3

// CompiledTrigger is one resolved next-fire instant for a slot.
type CompiledTrigger struct {
	SlotIndex int
	Types     []string
	At        time.Time
}

// Rand draws the jitter offset. *math/rand.Rand satisfies it; tests inject
// fixed draws.
type Rand interface {
	Intn(n int) int
}

// Options carry the fixed scheduling timezone and the jitter source.
type Options struct {
	Location *time.Location
	Rand     Rand
	Log      logx.Logger
}

func (o *Options) location() *time.Location {
	if o.Location != nil {
		return o.Location
	}
	return time.Local
}

func (o *Options) rand() Rand {
	if o.Rand != nil {
		return o.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Compile resolves every slot of rec into its next fire instant after now.
//
// Rules:
//   - Jitter (when rec.Randomize) is uniform in [-JitterMinutes, +JitterMinutes]
//     and carries across hour and day boundaries in both directions.
//   - An instant equal to now counts as past; fires always land strictly
//     after now.
//   - With rec.SkipWeekends the instant is advanced day-by-day past
//     Saturday/Sunday, at most maxWeekendSteps times.
//   - An instant outside the record's quiet-hours window rolls forward to
//     the window start.
//
// Malformed slots are logged and skipped; they never fail their siblings.
// Jitter is redrawn on every call, so a slot's exact minute is not stable
// across reloads, only its nominal time-of-day is.
func Compile(rec domain.ScheduleRecord, now time.Time, opts Options) []CompiledTrigger {
	if !rec.Enabled || len(rec.Slots) == 0 {
		return nil
	}

	loc := opts.location()
	rng := opts.rand()
	now = now.In(loc)

	out := make([]CompiledTrigger, 0, len(rec.Slots))
	for i, slot := range rec.Slots {
		hour, minute, err := domain.ParseHHMM(slot.TimeOfDay)
		if err != nil {
			opts.Log.Warn("skipping malformed slot",
				logx.String("user_id", rec.UserID),
				logx.Int("slot", i),
				logx.Err(err))
			continue
		}

		if rec.Randomize {
			hour, minute = applyJitter(hour, minute, rng.Intn(2*JitterMinutes+1)-JitterMinutes)
		}

		at, ok := nextFire(rec, now, hour, minute, loc)
		if !ok {
			opts.Log.Warn("no eligible fire day within bound",
				logx.String("user_id", rec.UserID),
				logx.Int("slot", i))
			continue
		}

		out = append(out, CompiledTrigger{
			SlotIndex: i,
			Types:     append([]string(nil), slot.Types...),
			At:        at,
		})
	}
	return out
}

// applyJitter adds offset minutes to hour:minute, carrying through the hour
// field and, on over/underflow of the day, wrapping the clock time. The day
// shift itself is absorbed by nextFire's past-check (a wrapped-backwards
// time is in the past and advances forward; a wrapped-forwards time lands
// on the following day naturally).
func applyJitter(hour, minute, offset int) (int, int) {
	total := hour*60 + minute + offset
	for total < 0 {
		total += 24 * 60
	}
	total %= 24 * 60
	return total / 60, total % 60
}

func nextFire(rec domain.ScheduleRecord, now time.Time, hour, minute int, loc *time.Location) (time.Time, bool) {
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)

	// A jittered 00:xx that wrapped down from a 23:xx slot nominally belongs
	// to the next day; letting the past-check advance it gives the same
	// result, so no day bookkeeping is needed here.
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}

	if !rec.InQuietWindow(at.Hour()) {
		if at.Hour() > rec.QuietEndHour {
			at = at.AddDate(0, 0, 1)
		}
		at = time.Date(at.Year(), at.Month(), at.Day(), rec.QuietStartHour, at.Minute(), 0, 0, loc)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
	}

	if rec.SkipWeekends {
		steps := 0
		for domain.Weekend(at.Weekday()) {
			if steps >= maxWeekendSteps {
				return time.Time{}, false
			}
			at = at.AddDate(0, 0, 1)
			steps++
		}
	}
	return at, true
}
