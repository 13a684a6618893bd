package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Descriptor is a minute-granularity "fire once" schedule derived from a
// point in time. It has no seconds and no year: it matches one minute of
// one day every year, and the job built on it stops after its first run.
//
// Descriptor is a comparable value; two timestamps in the same calendar
// minute (in the same location) produce equal descriptors.
type Descriptor struct {
	Minute int
	Hour   int
	Day    int
	Month  time.Month
}

// Five fields, no seconds, no descriptors: Spec() output is the only input.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Normalize converts t to a Descriptor in loc (time.Local when nil).
// Seconds and sub-second components are dropped.
func Normalize(t time.Time, loc *time.Location) Descriptor {
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	return Descriptor{
		Minute: lt.Minute(),
		Hour:   lt.Hour(),
		Day:    lt.Day(),
		Month:  lt.Month(),
	}
}

// IsZero reports whether d is the zero value (never produced by Normalize).
func (d Descriptor) IsZero() bool { return d == Descriptor{} }

// Valid reports whether every field is inside its cron range and the day
// exists in the month in at least some year (Feb 29 is valid).
func (d Descriptor) Valid() bool {
	if d.Minute < 0 || d.Minute > 59 || d.Hour < 0 || d.Hour > 23 {
		return false
	}
	if d.Month < time.January || d.Month > time.December || d.Day < 1 {
		return false
	}
	// 2024 is a leap year, so this is the largest day count for the month.
	return d.Day <= daysIn(d.Month, 2024)
}

// Spec returns the cron expression "m h D M *".
func (d Descriptor) Spec() string {
	return fmt.Sprintf("%d %d %d %d *", d.Minute, d.Hour, d.Day, int(d.Month))
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%02d-%02d %02d:%02d", int(d.Month), d.Day, d.Hour, d.Minute)
}

// Next returns the earliest instant matching d at or after the start of
// from's minute, evaluated in from's location. A descriptor for the current
// minute therefore matches now; one for an earlier minute this year matches
// next year. The zero time is returned when d cannot be satisfied.
func (d Descriptor) Next(from time.Time) time.Time {
	if !d.Valid() {
		return time.Time{}
	}
	sched, err := specParser.Parse(d.Spec())
	if err != nil {
		return time.Time{}
	}
	start := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), from.Minute(), 0, 0, from.Location())
	// cron.Schedule.Next is strictly after its argument.
	return sched.Next(start.Add(-time.Second))
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
