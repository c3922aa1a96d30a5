package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DateLayout is the layout of the calendar date keys used for price series and
// scheduler bookkeeping.
const DateLayout = "2006-01-02"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// Mock is a settable clock for tests.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock returns a Mock set to t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

// Now implements Clock.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Calendar resolves calendar parts (date, hour, weekday) of a clock in a fixed
// location. Use time.UTC for a UTC calendar.
type Calendar struct {
	Clock    Clock
	Location *time.Location
}

// NewCalendar returns a Calendar for c in loc. A nil loc means time.Local.
func NewCalendar(c Clock, loc *time.Location) Calendar {
	if c == nil {
		c = System{}
	}
	if loc == nil {
		loc = time.Local
	}
	return Calendar{Clock: c, Location: loc}
}

// Now returns the current time in the calendar's location.
func (c Calendar) Now() time.Time {
	return c.Clock.Now().In(c.Location)
}

// DateKey returns the calendar date of t in the calendar's location.
func (c Calendar) DateKey(t time.Time) string {
	return t.In(c.Location).Format(DateLayout)
}

// Today returns today's date key.
func (c Calendar) Today() string {
	return c.DateKey(c.Now())
}

// Tomorrow returns tomorrow's date key.
func (c Calendar) Tomorrow() string {
	return c.Now().AddDate(0, 0, 1).Format(DateLayout)
}

// Hour returns the current hour of the day, 0..23.
func (c Calendar) Hour() int {
	return c.Now().Hour()
}

// WeekHour returns the number of hours since Monday 00:00 of the current week.
func (c Calendar) WeekHour() int {
	now := c.Now()
	return now.Hour() + 24*WeekdayIndex(now.Weekday())
}

// WeekdayIndex converts a time.Weekday into an index where Monday is 0 and
// Sunday is 6.
func WeekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// WeekdayNames lists the accepted day names per index, English first.
var WeekdayNames = [7][2]string{
	{"Monday", "Maandag"},
	{"Tuesday", "Dinsdag"},
	{"Wednesday", "Woensdag"},
	{"Thursday", "Donderdag"},
	{"Friday", "Vrijdag"},
	{"Saturday", "Zaterdag"},
	{"Sunday", "Zondag"},
}

// UnknownWeekdayError is returned when a weekday name or index cannot be
// resolved.
type UnknownWeekdayError struct {
	Name string
}

func (e *UnknownWeekdayError) Error() string {
	return fmt.Sprintf("unknown weekday: %q", e.Name)
}

// ParseWeekday resolves a day given either as an index "0".."6" (Monday=0) or
// as an English or Dutch day name.
func ParseWeekday(s string) (int, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.Atoi(s); err == nil {
		if i < 0 || i > 6 {
			return -1, &UnknownWeekdayError{Name: s}
		}
		return i, nil
	}
	for i, names := range WeekdayNames {
		for _, n := range names {
			if strings.EqualFold(n, s) {
				return i, nil
			}
		}
	}
	return -1, &UnknownWeekdayError{Name: s}
}

// Location loads a location by name, panicking if it cannot be loaded. It is
// meant for configuration time.
func Location(name string) *time.Location {
	switch name {
	case "", "Local":
		return time.Local
	case "UTC":
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Errorf("failed to load location %s: %w", name, err))
	}
	return loc
}
