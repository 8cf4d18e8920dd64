package allocation

import (
	"github.com/alfredjeanlab/plangraph/internal/model"
)

// CostSummary totals the hours, days and cost of every allocated member
// found in members. Members missing from the lookup are skipped.
func CostSummary(allocations []model.TeamAllocation, members map[string]model.Member) model.CostSummary {
	sum := model.CostSummary{Allocations: []model.CostLine{}}
	rated := make(map[string]bool)
	for _, ta := range allocations {
		for _, ma := range ta.AllocatedMembers {
			m, ok := members[ma.MemberID]
			if !ok {
				continue
			}
			c := CapacityOf(m)
			hpd := c.HoursPerDay
			if positive(ma.HoursPerDay) {
				hpd = ma.HoursPerDay
			}
			hours := nonNeg(ma.Hours)
			days := hours / hpd
			line := model.CostLine{
				TeamID:    ta.TeamID,
				MemberID:  m.ID,
				Name:      m.Name,
				Hours:     hours,
				Days:      days,
				DailyRate: nonNeg(m.DailyRate),
				Cost:      days * nonNeg(m.DailyRate),
			}
			sum.Allocations = append(sum.Allocations, line)
			sum.TotalHours += line.Hours
			sum.TotalDays += line.Days
			sum.TotalCost += line.Cost
			if !rated[m.ID] {
				rated[m.ID] = true
				sum.DailyCost += line.DailyRate
			}
		}
	}
	return sum
}

// MembersByID indexes members by id.
func MembersByID(members []model.Member) map[string]model.Member {
	out := make(map[string]model.Member, len(members))
	for _, m := range members {
		out[m.ID] = m
	}
	return out
}
