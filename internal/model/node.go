package model

import (
	"time"

	"github.com/spf13/cast"
)

// NodeType identifies the kind of node on the planning canvas.
type NodeType string

const (
	TypeFeature    NodeType = "feature"
	TypeTeam       NodeType = "team"
	TypeTeamMember NodeType = "teamMember"
	TypeProvider   NodeType = "provider"
	TypeMilestone  NodeType = "milestone"
	TypeOption     NodeType = "option"
	TypeMeta       NodeType = "meta"
)

// String returns the string representation of the node type.
func (t NodeType) String() string {
	return string(t)
}

// IsValid checks whether the node type is a known value.
func (t NodeType) IsValid() bool {
	switch t {
	case TypeFeature, TypeTeam, TypeTeamMember, TypeProvider, TypeMilestone, TypeOption, TypeMeta:
		return true
	}
	return false
}

// Well-known data keys read and written by the engine.
const (
	FieldTitle            = "title"
	FieldOriginalEstimate = "originalEstimate"
	FieldRollupEstimate   = "rollupEstimate"
	FieldTotalCost        = "totalCost"
	FieldRollupCost       = "rollupCost"
	FieldChildIDs         = "childIds"
	FieldIsRollup         = "isRollup"
	FieldParentID         = "parentId"
	FieldTeamAllocations  = "teamAllocations"
	FieldRoster           = "roster"
	FieldBandwidth        = "bandwidth"
	FieldHoursPerDay      = "hoursPerDay"
	FieldDaysPerWeek      = "daysPerWeek"
	FieldDailyRate        = "dailyRate"
	FieldCosts            = "costs"
)

// Node is a single vertex of the planning graph. Data holds the node's
// fields keyed by name; structured fields (teamAllocations, childIds, costs)
// are always decoded before a Node reaches the engine.
type Node struct {
	ID        string         `json:"id"`
	Type      NodeType       `json:"type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a copy of n whose Data map can be mutated independently.
// Nested values are shared.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Data = make(map[string]any, len(n.Data))
	for k, v := range n.Data {
		c.Data[k] = v
	}
	return &c
}

// Float returns the numeric value of a data field, or 0 when it is absent or
// not coercible.
func (n *Node) Float(field string) float64 {
	if n == nil || n.Data == nil {
		return 0
	}
	f, err := cast.ToFloat64E(n.Data[field])
	if err != nil {
		return 0
	}
	return f
}

// HasField reports whether field is present and non-nil.
func (n *Node) HasField(field string) bool {
	if n == nil || n.Data == nil {
		return false
	}
	v, ok := n.Data[field]
	return ok && v != nil
}

// String returns a string data field, or "" when absent.
func (n *Node) String(field string) string {
	if n == nil || n.Data == nil {
		return ""
	}
	return cast.ToString(n.Data[field])
}

// Bool returns a boolean data field, or false when absent.
func (n *Node) Bool(field string) bool {
	if n == nil || n.Data == nil {
		return false
	}
	return cast.ToBool(n.Data[field])
}

// Strings returns a string-slice data field. Non-string entries are dropped.
func (n *Node) Strings(field string) []string {
	if n == nil || n.Data == nil {
		return nil
	}
	raw, ok := n.Data[field]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// RosterIDs returns the member ids of a team's roster. Entries may be plain
// ids or objects carrying "memberId" or "id".
func (n *Node) RosterIDs() []string {
	if n == nil || n.Data == nil {
		return nil
	}
	items, ok := toSlice(n.Data[FieldRoster])
	if !ok {
		return n.Strings(FieldRoster)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var id string
		switch v := item.(type) {
		case string:
			id = v
		default:
			m, ok := toMap(v)
			if !ok {
				continue
			}
			id = cast.ToString(m["memberId"])
			if id == "" {
				id = cast.ToString(m["id"])
			}
		}
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// NodeFilter holds criteria for listing nodes.
type NodeFilter struct {
	Type  []NodeType `json:"type,omitempty"`
	Limit int        `json:"limit,omitempty"`
}
