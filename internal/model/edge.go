package model

import "time"

// EdgeType categorizes the relationship between two nodes.
// Well-known constants are provided below, but edge types are extensible.
type EdgeType string

const (
	EdgeParentChild       EdgeType = "PARENT_CHILD"
	EdgeTeamMember        EdgeType = "TEAM_MEMBER"
	EdgeFeatureDependency EdgeType = "FEATURE_DEPENDENCY"
	EdgeFeatureTeam       EdgeType = "FEATURE_TEAM"
	EdgeFeatureProvider   EdgeType = "FEATURE_PROVIDER"
	EdgeMilestoneFeature  EdgeType = "MILESTONE_FEATURE"
	EdgeOptionFeature     EdgeType = "OPTION_FEATURE"
)

// IsValid reports whether the edge type is a non-empty string of at most 50 characters.
func (e EdgeType) IsValid() bool {
	return len(e) > 0 && len(e) <= 50
}

// Edge property keys understood by the hierarchy engine.
const (
	PropWeight             = "weight"
	PropRollupContribution = "rollupContribution"
)

// Edge is a directed, typed relationship between two nodes. For
// PARENT_CHILD edges From is the parent and To is the child.
type Edge struct {
	ID         string         `json:"id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Type       EdgeType       `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id string) string {
	if e.From == id {
		return e.To
	}
	return e.From
}

// HierarchyRelationship is the read model of a node's place in the
// PARENT_CHILD tree. It is derived from edges and never authoritative.
type HierarchyRelationship struct {
	NodeID   string   `json:"node_id"`
	ParentID string   `json:"parent_id,omitempty"`
	ChildIDs []string `json:"child_ids"`
	IsRollup bool     `json:"is_rollup"`
}
