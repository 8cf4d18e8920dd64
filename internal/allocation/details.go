package allocation

import (
	"math"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/model"
)

const day = 24 * time.Hour

// Details is the per-member breakdown of one allocation.
type Details struct {
	CalendarDays float64 `json:"calendarDays"`
	WorkingDays  float64 `json:"workingDays"`
	Hours        float64 `json:"hours"`
	HoursPerDay  float64 `json:"hoursPerDay"`
	// Percentage of the member's daily capacity, capped at 100.
	Percentage float64 `json:"percentage"`
	Cost       float64 `json:"cost"`
}

// CalendarDays counts the days from start to end inclusive. It returns 0
// when either bound is missing or end is before start.
func CalendarDays(start, end *time.Time) float64 {
	if start == nil || end == nil || end.Before(*start) {
		return 0
	}
	s := start.UTC().Truncate(day)
	e := end.UTC().Truncate(day)
	return math.Floor(e.Sub(s).Hours()/24) + 1
}

// WorkingDays scales calendar days by daysPerWeek/7 and rounds up, with a
// minimum of one day.
func WorkingDays(calendarDays float64, c Capacity) float64 {
	if calendarDays <= 0 {
		return 0
	}
	return math.Max(1, math.Ceil(calendarDays*c.DaysPerWeek/7))
}

// MemberAllocationDetails computes working days, per-day hours, share of
// daily capacity and cost for a member allocated hours between start and
// end. When the dates are missing durationDays is used as the number of
// working days.
func MemberAllocationDetails(start, end *time.Time, durationDays float64, m model.Member, hours float64) Details {
	c := CapacityOf(m)
	d := Details{Hours: nonNeg(hours)}

	d.CalendarDays = CalendarDays(start, end)
	if d.CalendarDays > 0 {
		d.WorkingDays = WorkingDays(d.CalendarDays, c)
	} else if nonNeg(durationDays) > 0 {
		d.WorkingDays = math.Ceil(durationDays)
		d.CalendarDays = math.Ceil(durationDays * 7 / c.DaysPerWeek)
	}

	if d.WorkingDays > 0 {
		d.HoursPerDay = d.Hours / d.WorkingDays
		d.Percentage = math.Min(100, d.HoursPerDay/c.HoursPerDay*100)
	}
	d.Cost = d.Hours / c.HoursPerDay * nonNeg(m.DailyRate)
	return d
}
