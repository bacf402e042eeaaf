package schedule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"crabstack.local/projects/crab-claw/internal/store"
)

var ErrInvalid = errors.New("invalid schedule")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Local timestamps for once tasks, most specific first.
var onceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

type Spec struct {
	Kind     store.ScheduleType
	Value    string
	cron     cron.Schedule
	interval time.Duration
	at       time.Time
	loc      *time.Location
}

// Parse validates a kind/value pair. Times without an offset are read in loc.
func Parse(kind store.ScheduleType, value string, loc *time.Location) (Spec, error) {
	if loc == nil {
		loc = time.Local
	}
	value = strings.TrimSpace(value)
	spec := Spec{Kind: kind, Value: value, loc: loc}

	switch kind {
	case store.ScheduleCron:
		parsed, err := cronParser.Parse(value)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: invalid cron %q, use a format like \"0 9 * * *\" or \"*/5 * * * *\": %v", ErrInvalid, value, err)
		}
		spec.cron = parsed
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 || ms > math.MaxInt64/int64(time.Millisecond) {
			return Spec{}, fmt.Errorf("%w: invalid interval %q, must be positive milliseconds like \"300000\"", ErrInvalid, value)
		}
		spec.interval = time.Duration(ms) * time.Millisecond
	case store.ScheduleOnce:
		at, ok := parseLocalTimestamp(value, loc)
		if !ok {
			return Spec{}, fmt.Errorf("%w: invalid timestamp %q, use local time like \"2026-02-01T15:30:00\"", ErrInvalid, value)
		}
		spec.at = at
	default:
		return Spec{}, fmt.Errorf("%w: unknown schedule type %q, must be cron, interval or once", ErrInvalid, kind)
	}
	return spec, nil
}

// Validate checks a raw kind/value pair in the local timezone.
func Validate(kind, value string) error {
	_, err := Parse(store.ScheduleType(strings.TrimSpace(kind)), value, time.Local)
	return err
}

// First is the next_run assigned at creation or resume.
func (s Spec) First(now time.Time) *time.Time {
	switch s.Kind {
	case store.ScheduleCron:
		return nonZero(s.cron.Next(s.in(now)))
	case store.ScheduleInterval:
		next := now.Add(s.interval)
		return &next
	case store.ScheduleOnce:
		at := s.at
		return &at
	}
	return nil
}

// After is the next_run following a firing at firedAt, nil when the task is
// finished.
func (s Spec) After(firedAt time.Time) *time.Time {
	switch s.Kind {
	case store.ScheduleCron:
		return nonZero(s.cron.Next(s.in(firedAt)))
	case store.ScheduleInterval:
		next := firedAt.Add(s.interval)
		return &next
	}
	return nil
}

func (s Spec) Recurring() bool {
	return s.Kind == store.ScheduleCron || s.Kind == store.ScheduleInterval
}

// in evaluates cron fields in the schedule's timezone.
func (s Spec) in(t time.Time) time.Time {
	if s.loc == nil {
		return t
	}
	return t.In(s.loc)
}

func parseLocalTimestamp(value string, loc *time.Location) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range onceLayouts {
		var (
			parsed time.Time
			err    error
		)
		if layout == time.RFC3339Nano {
			parsed, err = time.Parse(layout, value)
		} else {
			parsed, err = time.ParseInLocation(layout, value, loc)
		}
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
