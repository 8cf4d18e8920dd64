package model

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// MemberAllocation is the share of a team allocation assigned to one member.
type MemberAllocation struct {
	MemberID    string     `json:"memberId"`
	Hours       float64    `json:"hours"`
	HoursPerDay float64    `json:"hoursPerDay,omitempty"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	Cost        float64    `json:"cost,omitempty"`
}

// TeamAllocation is a request for hours from one team, optionally bounded
// in time, and the members that fulfil it.
type TeamAllocation struct {
	TeamID           string             `json:"teamId"`
	RequestedHours   float64            `json:"requestedHours"`
	AllocatedMembers []MemberAllocation `json:"allocatedMembers"`
	StartDate        *time.Time         `json:"startDate,omitempty"`
	EndDate          *time.Time         `json:"endDate,omitempty"`
}

// Member is the roster view of a team member used by capacity math.
type Member struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	HoursPerDay float64 `json:"hoursPerDay"`
	DaysPerWeek float64 `json:"daysPerWeek"`
	DailyRate   float64 `json:"dailyRate"`
}

// MemberFromNode builds a Member from a teamMember node.
func MemberFromNode(n *Node) Member {
	return Member{
		ID:          n.ID,
		Name:        n.String(FieldTitle),
		HoursPerDay: n.Float(FieldHoursPerDay),
		DaysPerWeek: n.Float(FieldDaysPerWeek),
		DailyRate:   n.Float(FieldDailyRate),
	}
}

// CostLine is the cost of one member inside one team allocation.
type CostLine struct {
	TeamID    string  `json:"teamId"`
	MemberID  string  `json:"memberId"`
	Name      string  `json:"name,omitempty"`
	Hours     float64 `json:"hours"`
	Days      float64 `json:"days"`
	DailyRate float64 `json:"dailyRate"`
	Cost      float64 `json:"cost"`
}

// CostSummary aggregates allocation cost. It is derived and never persisted
// as a single field.
type CostSummary struct {
	TotalCost   float64    `json:"totalCost"`
	TotalHours  float64    `json:"totalHours"`
	TotalDays   float64    `json:"totalDays"`
	DailyCost   float64    `json:"dailyCost"`
	Allocations []CostLine `json:"allocations"`
}

// RepairTeamAllocations coerces a loosely typed teamAllocations value (as
// decoded from JSON) into typed allocations. Numbers given as strings are
// parsed, member entries without an id or with negative or non-numeric hours
// are dropped, duplicate members are merged, and requestedHours is recomputed
// from the members when it is missing or smaller than their sum.
//
// A *ValidationError is returned only when input was non-empty and no valid
// team allocation survives the repair.
func RepairTeamAllocations(raw any) ([]TeamAllocation, error) {
	items, ok := toSlice(raw)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, &ValidationError{Errors: []FieldError{{
			Field:   FieldTeamAllocations,
			Message: "must be an array",
		}}}
	}
	if len(items) == 0 {
		return []TeamAllocation{}, nil
	}

	var ve ValidationError
	out := make([]TeamAllocation, 0, len(items))
	for i, item := range items {
		m, ok := toMap(item)
		if !ok {
			ve.Errors = append(ve.Errors, FieldError{Field: indexed(FieldTeamAllocations, i), Message: "must be an object"})
			continue
		}
		ta := TeamAllocation{
			TeamID:    strings.TrimSpace(cast.ToString(m["teamId"])),
			StartDate: coerceTime(m["startDate"]),
			EndDate:   coerceTime(m["endDate"]),
		}
		if ta.TeamID == "" {
			ve.Errors = append(ve.Errors, FieldError{Field: indexed(FieldTeamAllocations, i), Message: "teamId is required"})
			continue
		}
		ta.AllocatedMembers = repairMembers(m["allocatedMembers"])

		var sum float64
		for _, ma := range ta.AllocatedMembers {
			sum += ma.Hours
		}
		requested, err := cast.ToFloat64E(m["requestedHours"])
		if err != nil || math.IsNaN(requested) || requested < sum {
			requested = sum
		}
		ta.RequestedHours = requested
		out = append(out, ta)
	}

	if len(out) == 0 {
		return nil, &ve
	}
	return out, nil
}

func repairMembers(raw any) []MemberAllocation {
	items, ok := toSlice(raw)
	if !ok {
		return []MemberAllocation{}
	}
	out := make([]MemberAllocation, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		m, ok := toMap(item)
		if !ok {
			continue
		}
		id := strings.TrimSpace(cast.ToString(m["memberId"]))
		if id == "" {
			continue
		}
		hours, err := cast.ToFloat64E(m["hours"])
		if err != nil || hours < 0 || math.IsNaN(hours) || math.IsInf(hours, 0) {
			continue
		}
		ma := MemberAllocation{
			MemberID:    id,
			Hours:       hours,
			HoursPerDay: nonNegative(m["hoursPerDay"]),
			StartDate:   coerceTime(m["startDate"]),
			EndDate:     coerceTime(m["endDate"]),
			Cost:        nonNegative(m["cost"]),
		}
		if i, dup := index[id]; dup {
			out[i].Hours += ma.Hours
			out[i].Cost += ma.Cost
			continue
		}
		index[id] = len(out)
		out = append(out, ma)
	}
	return out
}

// TeamAllocationsToData converts typed allocations back into the plain
// representation stored in Node.Data.
func TeamAllocationsToData(tas []TeamAllocation) []any {
	out := make([]any, 0, len(tas))
	for _, ta := range tas {
		members := make([]any, 0, len(ta.AllocatedMembers))
		for _, ma := range ta.AllocatedMembers {
			mm := map[string]any{"memberId": ma.MemberID, "hours": ma.Hours}
			if ma.HoursPerDay > 0 {
				mm["hoursPerDay"] = ma.HoursPerDay
			}
			if ma.StartDate != nil {
				mm["startDate"] = ma.StartDate.Format(time.RFC3339)
			}
			if ma.EndDate != nil {
				mm["endDate"] = ma.EndDate.Format(time.RFC3339)
			}
			if ma.Cost > 0 {
				mm["cost"] = ma.Cost
			}
			members = append(members, mm)
		}
		m := map[string]any{
			"teamId":           ta.TeamID,
			"requestedHours":   ta.RequestedHours,
			"allocatedMembers": members,
		}
		if ta.StartDate != nil {
			m["startDate"] = ta.StartDate.Format(time.RFC3339)
		}
		if ta.EndDate != nil {
			m["endDate"] = ta.EndDate.Format(time.RFC3339)
		}
		out = append(out, m)
	}
	return out
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	return nil, false
}

func toMap(v any) (map[string]any, bool) {
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return nil, false
	}
	return m, true
}

func nonNegative(v any) float64 {
	f, err := cast.ToFloat64E(v)
	if err != nil || f < 0 || math.IsNaN(f) {
		return 0
	}
	return f
}

func coerceTime(v any) *time.Time {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	t, err := cast.ToTimeE(v)
	if err != nil || t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func indexed(field string, i int) string {
	return field + "[" + cast.ToString(i) + "]"
}
