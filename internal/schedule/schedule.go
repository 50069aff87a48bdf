// Package schedule computes fire instants for daily, weekly and monthly
// schedules constrained to a wall-clock time window.
package schedule

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/mutker/edgetel/internal/errors"
	"gopkg.in/yaml.v3"
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

const minutesPerDay = 24 * 60

// Day is a weekday (0=Sunday..6=Saturday or a name) for weekly schedules,
// or a day of month (1..31) for monthly ones. Declarations may carry it as
// a number or a string.
type Day string

func (d *Day) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*d = Day(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*d = Day(s)
	return nil
}

func (d *Day) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.New().WithMessagef(errors.ErrSchedule, "day must be a scalar, line %d", node.Line)
	}
	*d = Day(node.Value)
	return nil
}

type TimeWindow struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

type Schedule struct {
	Frequency  Frequency  `yaml:"frequency" json:"frequency"`
	Day        Day        `yaml:"day,omitempty" json:"day,omitempty"`
	TimeWindow TimeWindow `yaml:"timeWindow" json:"timeWindow"`
}

// Validate reports a schedule_error for malformed schedules.
func (s Schedule) Validate() error {
	_, err := s.compile()
	return err
}

// compiled is a validated schedule in minutes of day.
type compiled struct {
	frequency Frequency
	weekday   int
	monthDay  int
	start     int
	end       int
}

func (c compiled) fullDay() bool {
	return c.start == c.end
}

func (c compiled) wraps() bool {
	return c.start > c.end
}

func (s Schedule) compile() (compiled, error) {
	errFactory := errors.New()

	c := compiled{frequency: Frequency(strings.ToLower(string(s.Frequency)))}

	if s.TimeWindow.Start == "" || s.TimeWindow.End == "" {
		return c, errFactory.WithMessage(errors.ErrSchedule, "schedule requires timeWindow start and end")
	}

	var err error
	if c.start, err = parseClock(s.TimeWindow.Start); err != nil {
		return c, err
	}
	if c.end, err = parseClock(s.TimeWindow.End); err != nil {
		return c, err
	}

	switch c.frequency {
	case Daily:
	case Weekly:
		if s.Day == "" {
			return c, errFactory.WithMessage(errors.ErrSchedule, "weekly schedule requires day")
		}
		if c.weekday, err = parseWeekday(string(s.Day)); err != nil {
			return c, err
		}
	case Monthly:
		if s.Day == "" {
			return c, errFactory.WithMessage(errors.ErrSchedule, "monthly schedule requires day")
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(string(s.Day)))
		if convErr != nil || n < 1 || n > 31 {
			return c, errFactory.WithMessagef(errors.ErrSchedule, "invalid day of month %q", s.Day)
		}
		c.monthDay = n
	case "":
		return c, errFactory.WithMessage(errors.ErrSchedule, "schedule requires frequency")
	default:
		return c, errFactory.WithMessagef(errors.ErrSchedule, "unknown frequency %q", s.Frequency)
	}

	return c, nil
}

var clockPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// parseClock parses "HH:MM" (a single digit hour is accepted) into minutes
// of day.
func parseClock(value string) (int, error) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return 0, errors.New().WithMessagef(errors.ErrSchedule, "invalid time %q, expected HH:MM", value)
	}

	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, errors.New().WithMessagef(errors.ErrSchedule, "time %q out of range", value)
	}

	return hour*60 + minute, nil
}

var weekdays = []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

func parseWeekday(value string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(value))

	if n, err := strconv.Atoi(v); err == nil {
		if n >= 0 && n <= 6 {
			return n, nil
		}
		return 0, errors.New().WithMessagef(errors.ErrSchedule, "weekday %d out of range 0-6", n)
	}

	for i, name := range weekdays {
		if v == name || (len(v) >= 3 && strings.HasPrefix(name, v)) {
			return i, nil
		}
	}

	return 0, errors.New().WithMessagef(errors.ErrSchedule, "unrecognized weekday %q", value)
}
