// Package allocation is the pure capacity and cost calculator for team and
// member time allocations. Nothing here does I/O or returns errors: bad
// input is clamped, defaulted or skipped.
package allocation

import (
	"math"

	"github.com/alfredjeanlab/plangraph/internal/model"
)

const (
	DefaultHoursPerDay = 8.0
	DefaultDaysPerWeek = 5.0
)

// Capacity is a member's working pattern.
type Capacity struct {
	HoursPerDay float64 `json:"hoursPerDay"`
	DaysPerWeek float64 `json:"daysPerWeek"`
}

// CapacityOf returns m's capacity with defaults for missing values.
func CapacityOf(m model.Member) Capacity {
	c := Capacity{HoursPerDay: m.HoursPerDay, DaysPerWeek: m.DaysPerWeek}
	if !positive(c.HoursPerDay) {
		c.HoursPerDay = DefaultHoursPerDay
	}
	if !positive(c.DaysPerWeek) {
		c.DaysPerWeek = DefaultDaysPerWeek
	}
	return c
}

// Weekly returns hours per week.
func (c Capacity) Weekly() float64 {
	return c.HoursPerDay * c.DaysPerWeek
}

// WeeklyCapacity is hoursPerDay * daysPerWeek.
func WeeklyCapacity(m model.Member) float64 {
	return CapacityOf(m).Weekly()
}

// EffectiveCapacity is the weekly capacity m has for one team given the
// percentage of their time allocated to it. The percentage is clamped to
// [0, 100].
func EffectiveCapacity(m model.Member, teamAllocationPct float64) float64 {
	return WeeklyCapacity(m) * clampPct(teamAllocationPct) / 100
}

// AvailableHours is the capacity left over durationDays after existing
// hours are committed; never negative.
func AvailableHours(durationDays float64, c Capacity, existing float64) float64 {
	return math.Max(0, nonNeg(c.HoursPerDay)*nonNeg(durationDays)-nonNeg(existing))
}

// MinimumDuration is the number of working days needed to deliver
// requestedHours when existingPerDay hours of each day are already
// committed. It returns +Inf when no daily availability remains.
func MinimumDuration(requestedHours float64, c Capacity, existingPerDay float64) float64 {
	requested := nonNeg(requestedHours)
	if requested == 0 {
		return 0
	}
	perDay := nonNeg(c.HoursPerDay) - nonNeg(existingPerDay)
	if perDay <= 0 {
		return math.Inf(1)
	}
	return math.Ceil(requested / perDay)
}

// TeamBandwidth is the total weekly capacity of a roster.
func TeamBandwidth(members []model.Member) float64 {
	var total float64
	for _, m := range members {
		total += WeeklyCapacity(m)
	}
	return total
}

func positive(f float64) bool {
	return f > 0 && !math.IsInf(f, 0)
}

func nonNeg(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	return f
}

func clampPct(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	return math.Min(p, 100)
}
