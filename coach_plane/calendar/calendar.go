// Package calendar owns every date computation in the service. The program
// runs in a single fixed IANA timezone; all civil-date arithmetic (day counts,
// week boundaries, preferred delivery slots) happens in that location so DST
// shifts never change what "day 9" or "same weekday" means.
package calendar

import (
	"fmt"
	"time"
)

// Clock abstracts time.Now so tests can pin the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (f FixedClock) Now() time.Time { return f.T }

// Hours maps the three delivery dayparts to local hours of day.
type Hours struct {
	Morning   int
	Afternoon int
	Evening   int
}

const maxExecutionWeeks = 12

// Calendar combines a clock, a location, and the daypart hours.
type Calendar struct {
	clock Clock
	loc   *time.Location
	hours Hours
}

func New(clock Clock, loc *time.Location, hours Hours) *Calendar {
	return &Calendar{clock: clock, loc: loc, hours: hours}
}

// NewSystem builds a system-clock calendar for the named timezone.
func NewSystem(timezone string, hours Hours) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return New(SystemClock{}, loc, hours), nil
}

func (c *Calendar) Location() *time.Location { return c.loc }

// Now returns the current instant in the calendar's location.
func (c *Calendar) Now() time.Time {
	return c.clock.Now().In(c.loc)
}

// Today returns the current civil date at midnight local.
func (c *Calendar) Today() time.Time {
	return c.DateOf(c.clock.Now())
}

// DateOf truncates an instant to its civil date in the location.
func (c *Calendar) DateOf(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// AddDays returns the civil date n days after t.
func (c *Calendar) AddDays(t time.Time, n int) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, c.loc)
}

// DaysBetween counts whole civil days from a to b (negative when b precedes
// a). Computed over UTC-rebased dates so DST transitions cannot skew the
// count.
func (c *Calendar) DaysBetween(a, b time.Time) int {
	ya, ma, da := a.In(c.loc).Date()
	yb, mb, db := b.In(c.loc).Date()
	ua := time.Date(ya, ma, da, 0, 0, 0, 0, time.UTC)
	ub := time.Date(yb, mb, db, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua) / (24 * time.Hour))
}

// IsNewWeek reports whether current falls on the same weekday as anchor and
// strictly after it. The anchor day itself is not a new week.
func (c *Calendar) IsNewWeek(current, anchor time.Time) bool {
	cur := c.DateOf(current)
	anc := c.DateOf(anchor)
	return cur.Weekday() == anc.Weekday() && cur.After(anc)
}

// InterventionDay is 1-based: the start date is day 1, start+k is day k+1.
func (c *Calendar) InterventionDay(start, today time.Time) int {
	return c.DaysBetween(start, today) + 1
}

// ExecutionWeek numbers the week of the execution phase from the quit date,
// clamped to [1, 12]. The quit date itself is week 1.
func (c *Calendar) ExecutionWeek(quit, today time.Time) int {
	week := c.DaysBetween(quit, today)/7 + 1
	if week < 1 {
		return 1
	}
	if week > maxExecutionWeeks {
		return maxExecutionWeeks
	}
	return week
}

// At places an instant at the given local hour on t's civil date.
func (c *Calendar) At(t time.Time, hour int) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, hour, 0, 0, 0, c.loc)
}

// PreferredHour resolves a daypart name to its configured hour. Unknown
// dayparts fall back to morning.
func (c *Calendar) PreferredHour(daypart string) int {
	switch daypart {
	case "afternoon":
		return c.hours.Afternoon
	case "evening":
		return c.hours.Evening
	default:
		return c.hours.Morning
	}
}

// NextPreferredSlot returns the first instant at the given hour that is not
// before notBefore and, when weekday is non-nil, falls on that weekday. With
// no weekday preference the slot is notBefore's date at the hour, bumped one
// day if that instant has already passed.
func (c *Calendar) NextPreferredSlot(weekday *time.Weekday, hour int, notBefore time.Time) time.Time {
	base := c.DateOf(notBefore)
	if weekday == nil {
		slot := c.At(base, hour)
		if slot.Before(notBefore) {
			slot = c.At(c.AddDays(base, 1), hour)
		}
		return slot
	}
	for i := 0; i <= 7; i++ {
		candidate := c.At(c.AddDays(base, i), hour)
		if candidate.Weekday() == *weekday && !candidate.Before(notBefore) {
			return candidate
		}
	}
	// Unreachable: a weekday repeats within any 8-day window.
	return c.At(c.AddDays(base, 7), hour)
}
