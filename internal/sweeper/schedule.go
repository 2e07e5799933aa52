package sweeper

import (
	"fmt"
	"time"
)

// Schedule yields the next fire time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Daily fires once a day at a wall-clock time in Loc.
type Daily struct {
	Hour, Minute int
	Loc          *time.Location
}

// ParseDaily parses "HH:MM".
func ParseDaily(hhmm string, loc *time.Location) (Daily, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return Daily{}, fmt.Errorf("parse daily time %q: %w", hhmm, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Daily{Hour: t.Hour(), Minute: t.Minute(), Loc: loc}, nil
}

func (d Daily) Next(after time.Time) time.Time {
	loc := d.Loc
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, loc)
	if !next.After(local) {
		// time.Date normalises day overflow and keeps the wall-clock time
		// across DST changes.
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.Hour, d.Minute, 0, 0, loc)
	}
	return next
}

func (d Daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d %s", d.Hour, d.Minute, d.Loc)
}

// Every fires at a fixed period. Only used outside production.
type Every time.Duration

func (e Every) Next(after time.Time) time.Time {
	return after.Add(time.Duration(e))
}

func (e Every) String() string {
	return "every " + time.Duration(e).String()
}
