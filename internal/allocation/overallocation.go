package allocation

import (
	"math"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/model"
)

// Policy names the over-allocation check that produced a result.
type Policy string

const (
	PolicySimple Policy = "effective-capacity"
	PolicyWindow Policy = "time-window"
)

// OverAllocation is the result of an over-allocation check.
type OverAllocation struct {
	MemberID        string  `json:"memberId"`
	Policy          Policy  `json:"policy"`
	Capacity        float64 `json:"capacity"`
	Committed       float64 `json:"committed"`
	Requested       float64 `json:"requested"`
	IsOverAllocated bool    `json:"isOverAllocated"`
	OverAllocatedBy float64 `json:"overAllocatedBy"`
}

func (o *OverAllocation) settle() {
	remaining := math.Max(0, o.Capacity-o.Committed)
	if o.Requested > remaining {
		o.IsOverAllocated = true
		o.OverAllocatedBy = o.Requested - remaining
	}
}

// CheckOverAllocation compares requested weekly hours against m's effective
// capacity for the team.
func CheckOverAllocation(m model.Member, teamAllocationPct, requestedHours float64) OverAllocation {
	o := OverAllocation{
		MemberID:  m.ID,
		Policy:    PolicySimple,
		Capacity:  EffectiveCapacity(m, teamAllocationPct),
		Requested: nonNeg(requestedHours),
	}
	o.settle()
	return o
}

// Commitment is hours a member has been allocated over a time window.
type Commitment struct {
	FeatureID string    `json:"featureId"`
	TeamID    string    `json:"teamId"`
	MemberID  string    `json:"memberId"`
	Hours     float64   `json:"hours"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// AllocatedHoursElsewhere sums memberID's commitments overlapping
// [start, end], prorating each by the share of its window that overlaps.
// Commitments of excludeFeature are ignored so a feature never competes
// with itself.
func AllocatedHoursElsewhere(memberID string, start, end time.Time, commitments []Commitment, excludeFeature string) float64 {
	var total float64
	for _, c := range commitments {
		if c.MemberID != memberID || (excludeFeature != "" && c.FeatureID == excludeFeature) {
			continue
		}
		span := CalendarDays(&c.Start, &c.End)
		if span == 0 {
			continue
		}
		from, to := laterOf(start, c.Start), earlierOf(end, c.End)
		overlap := CalendarDays(&from, &to)
		if overlap == 0 {
			continue
		}
		total += nonNeg(c.Hours) * overlap / span
	}
	return total
}

// CheckWindowOverAllocation compares requestedHours between start and end
// against the member's effective capacity in that window less the hours
// already committed elsewhere. This is the preferred check whenever
// timeframe data exists.
func CheckWindowOverAllocation(m model.Member, teamAllocationPct float64, start, end time.Time, requestedHours float64, commitments []Commitment, excludeFeature string) OverAllocation {
	c := CapacityOf(m)
	days := WorkingDays(CalendarDays(&start, &end), c)
	o := OverAllocation{
		MemberID:  m.ID,
		Policy:    PolicyWindow,
		Capacity:  c.HoursPerDay * days * clampPct(teamAllocationPct) / 100,
		Committed: AllocatedHoursElsewhere(m.ID, start, end, commitments, excludeFeature),
		Requested: nonNeg(requestedHours),
	}
	o.settle()
	return o
}

// Commitments flattens the dated member allocations of feature nodes.
// Member dates take precedence over their team allocation's dates;
// allocations without a complete window are skipped.
func Commitments(features []*model.Node) []Commitment {
	var out []Commitment
	for _, f := range features {
		tas, err := model.RepairTeamAllocations(f.Data[model.FieldTeamAllocations])
		if err != nil {
			continue
		}
		for _, ta := range tas {
			for _, ma := range ta.AllocatedMembers {
				start, end := ma.StartDate, ma.EndDate
				if start == nil {
					start = ta.StartDate
				}
				if end == nil {
					end = ta.EndDate
				}
				if start == nil || end == nil {
					continue
				}
				out = append(out, Commitment{
					FeatureID: f.ID,
					TeamID:    ta.TeamID,
					MemberID:  ma.MemberID,
					Hours:     ma.Hours,
					Start:     *start,
					End:       *end,
				})
			}
		}
	}
	return out
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
