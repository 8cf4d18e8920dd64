// Package client provides a transport-agnostic interface for the plangraph
// service and an HTTP/JSON implementation that talks to its REST API.
package client

import (
	"context"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/allocation"
	"github.com/alfredjeanlab/plangraph/internal/guard"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/rollup"
)

// PlanClient is the interface the plangraph CLI commands use to talk to the
// server. It is implemented by HTTPClient.
type PlanClient interface {
	// Nodes
	CreateNode(ctx context.Context, req *CreateNodeRequest) (*model.Node, error)
	GetNode(ctx context.Context, id string) (*model.Node, error)
	ListNodes(ctx context.Context, req *ListNodesRequest) ([]*model.Node, error)
	Hierarchy(ctx context.Context, id string) (*model.HierarchyRelationship, error)

	// Allocation
	CostSummary(ctx context.Context, featureID string) (*model.CostSummary, error)
	TeamCapacity(ctx context.Context, teamID string) (*TeamCapacity, error)
	AllocationDetails(ctx context.Context, req *AllocationDetailsRequest) (*allocation.Details, error)
	CheckOverAllocation(ctx context.Context, req *OverAllocationRequest) (*allocation.OverAllocation, error)

	// Sessions
	OpenSession(ctx context.Context, clientName string) (string, error)
	CloseSession(ctx context.Context, sessionID string) error
	Flush(ctx context.Context, sessionID string) error
	Mount(ctx context.Context, sessionID, nodeID string) (*NodeView, error)
	Edit(ctx context.Context, sessionID, nodeID string, changes map[string]any) (*NodeView, error)
	Unmount(ctx context.Context, sessionID, nodeID string) error

	// Hierarchy
	SetParent(ctx context.Context, sessionID, childID string, req *SetParentRequest) (*rollup.Change, error)
	RemoveParent(ctx context.Context, sessionID, childID string) (*rollup.Change, error)
	Recalculate(ctx context.Context, sessionID, nodeID string, fields ...string) (*rollup.Result, error)

	// Health
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// CreateNodeRequest holds parameters for creating a node. The server
// generates an id when ID is empty.
type CreateNodeRequest struct {
	ID   string         `json:"id,omitempty"`
	Type model.NodeType `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// ListNodesRequest holds parameters for listing nodes.
type ListNodesRequest struct {
	Type  []model.NodeType `json:"type,omitempty"`
	Limit int              `json:"limit,omitempty"`
}

// NodeView is a session's view of a mounted node.
type NodeView struct {
	Node        *model.Node        `json:"node"`
	Connected   []string           `json:"connected"`
	Dirty       []string           `json:"dirty"`
	UpdateState *guard.UpdateState `json:"updateState,omitempty"`
}

// SetParentRequest holds the parent and edge options for SetParent. Nil
// options take the server defaults (weight 1, contributing).
type SetParentRequest struct {
	ParentID           string   `json:"parentId"`
	Weight             *float64 `json:"weight,omitempty"`
	RollupContribution *bool    `json:"rollupContribution,omitempty"`
}

// MemberCapacity is one roster line of TeamCapacity.
type MemberCapacity struct {
	MemberID    string  `json:"memberId"`
	Name        string  `json:"name,omitempty"`
	WeeklyHours float64 `json:"weeklyHours"`
}

// TeamCapacity is the weekly bandwidth of a team.
type TeamCapacity struct {
	TeamID    string           `json:"teamId"`
	Bandwidth float64          `json:"bandwidth"`
	Members   []MemberCapacity `json:"members"`
}

// AllocationDetailsRequest holds parameters for AllocationDetails.
type AllocationDetailsRequest struct {
	MemberID     string     `json:"memberId"`
	Hours        float64    `json:"hours"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	EndDate      *time.Time `json:"endDate,omitempty"`
	DurationDays float64    `json:"durationDays,omitempty"`
}

// OverAllocationRequest holds parameters for CheckOverAllocation. Setting
// both dates selects the time-window policy.
type OverAllocationRequest struct {
	MemberID          string     `json:"memberId"`
	Hours             float64    `json:"hours"`
	TeamAllocationPct *float64   `json:"teamAllocationPct,omitempty"`
	StartDate         *time.Time `json:"startDate,omitempty"`
	EndDate           *time.Time `json:"endDate,omitempty"`
	ExcludeFeature    string     `json:"excludeFeature,omitempty"`
}
