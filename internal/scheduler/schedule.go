package scheduler

import (
	"fmt"
	"time"

	_ "time/tzdata" // zone database for hosts without /usr/share/zoneinfo
)

// Schedule yields the next fire time strictly after a given instant
type Schedule interface {
	Next(after time.Time) time.Time
	// Period is the nominal spacing between runs, used for overrun detection
	Period() time.Duration
}

// Daily fires once a day at Hour:Minute wall-clock time in Location
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// NewDaily validates the clock time and loads the named zone
func NewDaily(hour, minute int, zone string) (Daily, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Daily{}, fmt.Errorf("invalid daily time %02d:%02d", hour, minute)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Daily{}, fmt.Errorf("failed to load time zone %q: %w", zone, err)
	}
	return Daily{Hour: hour, Minute: minute, Location: loc}, nil
}

func (d Daily) Next(after time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, loc)
	for !next.After(local) {
		local = local.AddDate(0, 0, 1)
		next = time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, loc)
	}
	return next.UTC()
}

func (d Daily) Period() time.Duration { return 24 * time.Hour }

func (d Daily) String() string {
	name := "UTC"
	if d.Location != nil {
		name = d.Location.String()
	}
	return fmt.Sprintf("daily %02d:%02d %s", d.Hour, d.Minute, name)
}

// Every fires at a fixed interval from the previous fire time
type Every struct {
	Interval time.Duration
}

func (e Every) Next(after time.Time) time.Time {
	return after.Add(e.Interval)
}

func (e Every) Period() time.Duration { return e.Interval }

func (e Every) String() string {
	return "every " + e.Interval.String()
}
