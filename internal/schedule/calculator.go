package schedule

import (
	"math/rand/v2"
	"sync"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
)

// searchDays bounds the forward search for an eligible window. Every valid
// schedule has a window within one year.
const searchDays = 400

// Calculator computes the next fire instant of a schedule. The position
// inside an eligible window is drawn uniformly over whole minutes from a
// seeded generator, so a calculator is deterministic for a given seed and
// call sequence.
type Calculator struct {
	loc *time.Location
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewCalculator returns a Calculator evaluating wall-clock windows in loc
// (time.Local when nil).
func NewCalculator(loc *time.Location, seed uint64) *Calculator {
	if loc == nil {
		loc = time.Local
	}

	return &Calculator{
		loc: loc,
		rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Next returns the next fire instant for s after from. Without
// allowImmediate the result is strictly after from and never inside the
// window currently containing from. With allowImmediate, when from lies in
// an eligible window, an instant at or after from within that window is
// returned. Results are whole minutes no later than end:00 and never fall
// in a DST gap. useUTC evaluates the window in UTC instead of the
// calculator's location.
func (c *Calculator) Next(s Schedule, from time.Time, allowImmediate, useUTC bool) (time.Time, error) {
	cs, err := s.compile()
	if err != nil {
		return time.Time{}, err
	}

	loc := c.loc
	if useUTC {
		loc = time.UTC
	}

	// Window arithmetic runs on wall-clock fields carried in UTC so DST
	// transitions never move the configured times.
	lf := from.In(loc)
	wall := time.Date(lf.Year(), lf.Month(), lf.Day(), lf.Hour(), lf.Minute(), lf.Second(), lf.Nanosecond(), time.UTC)
	today := time.Date(wall.Year(), wall.Month(), wall.Day(), 0, 0, 0, 0, time.UTC)

	startMin, endMin := cs.start, cs.end
	if cs.fullDay() {
		startMin, endMin = 0, minutesPerDay-1
	}

	for d := -1; d <= searchDays; d++ {
		day := today.AddDate(0, 0, d)
		if !cs.eligible(day) {
			continue
		}

		lo := day.Add(time.Duration(startMin) * time.Minute)
		hi := day.Add(time.Duration(endMin) * time.Minute)
		if cs.wraps() {
			hi = hi.AddDate(0, 0, 1)
		}

		if hi.Add(time.Minute).Compare(wall) <= 0 {
			continue
		}

		if lo.Compare(wall) <= 0 {
			if !allowImmediate {
				continue
			}
			lo = ceilMinute(wall)
			if lo.After(hi) {
				continue
			}
		}

		picked, ok := c.pick(lo, hi, loc)
		if !ok {
			continue
		}
		candidate := ToLocalFields(picked, loc)
		if allowImmediate && candidate.Before(from) {
			continue
		}
		if !allowImmediate && !candidate.After(from) {
			continue
		}

		return candidate, nil
	}

	return time.Time{}, errors.New().WithMessagef(errors.ErrSchedule,
		"no eligible window within %d days of %s", searchDays, from.Format(time.RFC3339))
}

func (cs compiled) eligible(day time.Time) bool {
	switch cs.frequency {
	case Weekly:
		return int(day.Weekday()) == cs.weekday
	case Monthly:
		return day.Day() == min(cs.monthDay, lastDayOfMonth(day.Year(), day.Month()))
	default:
		return true
	}
}

// pick draws a whole minute in [lo, hi] whose wall-clock time exists in
// loc. Minutes skipped by a DST gap are never returned; ok is false when
// every minute of the range is skipped.
func (c *Calculator) pick(lo, hi time.Time, loc *time.Location) (time.Time, bool) {
	span := int(hi.Sub(lo) / time.Minute)

	c.mu.Lock()
	defer c.mu.Unlock()

	m := lo.Add(time.Duration(c.rnd.IntN(span+1)) * time.Minute)
	if existsIn(m, loc) {
		return m, true
	}

	var valid []time.Time
	for i := 0; i <= span; i++ {
		m := lo.Add(time.Duration(i) * time.Minute)
		if existsIn(m, loc) {
			valid = append(valid, m)
		}
	}
	if len(valid) == 0 {
		return time.Time{}, false
	}

	return valid[c.rnd.IntN(len(valid))], true
}

// existsIn reports whether the wall-clock minute carried by the UTC time u
// occurs in loc.
func existsIn(u time.Time, loc *time.Location) bool {
	got := FieldsOf(ToLocalFields(u, loc))
	return got.Day == u.Day() && got.Hour == u.Hour() && got.Minute == u.Minute()
}

func ceilMinute(t time.Time) time.Time {
	trunc := t.Truncate(time.Minute)
	if trunc.Equal(t) {
		return t
	}
	return trunc.Add(time.Minute)
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
