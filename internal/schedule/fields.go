package schedule

import "time"

// Fields is a wall-clock field tuple.
type Fields struct {
	Year        int
	Month       time.Month
	Day         int
	Hour        int
	Minute      int
	Second      int
	Millisecond int
}

// FieldsOf returns the wall-clock fields of t in its own location.
func FieldsOf(t time.Time) Fields {
	return Fields{
		Year:        t.Year(),
		Month:       t.Month(),
		Day:         t.Day(),
		Hour:        t.Hour(),
		Minute:      t.Minute(),
		Second:      t.Second(),
		Millisecond: t.Nanosecond() / int(time.Millisecond),
	}
}

// In builds the instant carrying these fields in loc.
func (f Fields) In(loc *time.Location) time.Time {
	return time.Date(f.Year, f.Month, f.Day, f.Hour, f.Minute, f.Second, f.Millisecond*int(time.Millisecond), loc)
}

// ToUTCFields copies the wall-clock fields of t into a UTC time. The
// instant changes, the fields do not.
func ToUTCFields(t time.Time) time.Time {
	return FieldsOf(t).In(time.UTC)
}

// ToLocalFields copies the wall-clock fields of the UTC time u into loc.
func ToLocalFields(u time.Time, loc *time.Location) time.Time {
	return FieldsOf(u.UTC()).In(loc)
}
