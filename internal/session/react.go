package session

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cast"

	"github.com/alfredjeanlab/plangraph/internal/allocation"
	"github.com/alfredjeanlab/plangraph/internal/bus"
	"github.com/alfredjeanlab/plangraph/internal/metrics"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/rollup"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// Reaction derives field updates for node from an event published by one
// of its connected nodes. node is a copy; reactions return the fields to
// write instead of mutating it. Returned fields still pass the node's
// recency check before they are applied.
type Reaction func(ctx context.Context, g *Graph, node *model.Node, ev bus.UpdateEvent) (map[string]any, error)

// DefaultReactions returns the rollup, team bandwidth and feature cost
// reactions.
func DefaultReactions() []Reaction {
	return []Reaction{RollupReaction, BandwidthReaction, CostReaction}
}

// Graph is the view of the graph reactions read. Mounted nodes are seen
// with their in-memory data, including edits that are not yet persisted.
type Graph struct {
	store  store.Store
	engine *rollup.Engine
}

// overlay serves mounted nodes from memory and everything else from the
// backing store.
type overlay struct {
	store.Store
	nodes map[string]*model.Node
}

func (o *overlay) GetNode(ctx context.Context, id string) (*model.Node, error) {
	if n, ok := o.nodes[id]; ok {
		return n.Clone(), nil
	}
	return o.Store.GetNode(ctx, id)
}

// graphLocked builds the reaction view. The publisher of ev is included
// with the event's data when it is not mounted here.
func (s *Session) graphLocked(ev *bus.UpdateEvent) *Graph {
	nodes := make(map[string]*model.Node, len(s.controllers)+1)
	for id, c := range s.controllers {
		nodes[id] = c.node
	}
	if ev != nil && ev.Data != nil {
		if _, ok := nodes[ev.PublisherID]; !ok {
			nodes[ev.PublisherID] = &model.Node{ID: ev.PublisherID, Type: ev.NodeType, Data: ev.Data}
		}
	}
	return &Graph{store: &overlay{Store: s.store, nodes: nodes}, engine: s.engine}
}

// Node returns the freshest known copy of id.
func (g *Graph) Node(ctx context.Context, id string) (*model.Node, error) {
	return g.store.GetNode(ctx, id)
}

// Aggregate computes id's hierarchy fields from its children.
func (g *Graph) Aggregate(ctx context.Context, id string) (*rollup.Aggregate, error) {
	return g.engine.Aggregate(ctx, g.store, id)
}

// Members resolves team member nodes by id. Unknown ids and nodes of other
// types are skipped.
func (g *Graph) Members(ctx context.Context, ids []string) (map[string]model.Member, error) {
	out := make(map[string]model.Member, len(ids))
	for _, id := range ids {
		n, err := g.store.GetNode(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get member %s: %w", id, err)
		}
		if n.Type != model.TypeTeamMember {
			continue
		}
		out[id] = model.MemberFromNode(n)
	}
	return out, nil
}

// Providers returns the provider nodes linked to featureID.
func (g *Graph) Providers(ctx context.Context, featureID string) ([]*model.Node, error) {
	edges, err := g.store.GetEdges(ctx, featureID, model.EdgeFeatureProvider)
	if err != nil {
		return nil, fmt.Errorf("get provider edges of %s: %w", featureID, err)
	}
	var out []*model.Node
	for _, e := range edges {
		n, err := g.store.GetNode(ctx, e.Other(featureID))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n.Type == model.TypeProvider {
			out = append(out, n)
		}
	}
	return out, nil
}

// RollupReaction recomputes a parent's rollup when a child's estimate or
// cost changes.
func RollupReaction(ctx context.Context, g *Graph, node *model.Node, ev bus.UpdateEvent) (map[string]any, error) {
	if !ev.Affects(rollupInputs...) || !slices.Contains(node.Strings(model.FieldChildIDs), ev.PublisherID) {
		return nil, nil
	}
	agg, err := g.Aggregate(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	metrics.RollupRecalculations.WithLabelValues("event").Inc()
	return agg.Fields(), nil
}

// BandwidthReaction recomputes a team's weekly bandwidth when one of its
// members' capacity changes.
func BandwidthReaction(ctx context.Context, g *Graph, node *model.Node, ev bus.UpdateEvent) (map[string]any, error) {
	if node.Type != model.TypeTeam || ev.NodeType != model.TypeTeamMember {
		return nil, nil
	}
	if !ev.Affects(model.FieldHoursPerDay, model.FieldDaysPerWeek) || !slices.Contains(node.RosterIDs(), ev.PublisherID) {
		return nil, nil
	}
	bw, err := teamBandwidth(ctx, g, node)
	if err != nil {
		return nil, err
	}
	return map[string]any{model.FieldBandwidth: bw}, nil
}

// CostReaction recomputes a feature's totalCost when an allocated member's
// rate or capacity, or a linked provider's costs, change.
func CostReaction(ctx context.Context, g *Graph, node *model.Node, ev bus.UpdateEvent) (map[string]any, error) {
	if node.Type != model.TypeFeature {
		return nil, nil
	}
	switch ev.NodeType {
	case model.TypeTeamMember:
		if !ev.Affects(model.FieldDailyRate, model.FieldHoursPerDay, model.FieldDaysPerWeek) {
			return nil, nil
		}
		tas, _ := model.RepairTeamAllocations(node.Data[model.FieldTeamAllocations])
		if !slices.Contains(allocatedMemberIDs(tas), ev.PublisherID) {
			return nil, nil
		}
	case model.TypeProvider:
		if !ev.Affects(model.FieldCosts) {
			return nil, nil
		}
	default:
		return nil, nil
	}
	cost, ok, err := featureCost(ctx, g, node)
	if err != nil || !ok {
		return nil, err
	}
	return map[string]any{model.FieldTotalCost: cost}, nil
}

// featureCost is the allocation cost of a feature plus the fixed costs of
// its providers. ok is false when the feature has neither, so a manually
// entered totalCost is left alone.
func featureCost(ctx context.Context, g *Graph, n *model.Node) (float64, bool, error) {
	tas, _ := model.RepairTeamAllocations(n.Data[model.FieldTeamAllocations])
	providers, err := g.Providers(ctx, n.ID)
	if err != nil {
		return 0, false, err
	}
	if len(tas) == 0 && len(providers) == 0 {
		return 0, false, nil
	}
	members, err := g.Members(ctx, allocatedMemberIDs(tas))
	if err != nil {
		return 0, false, err
	}
	total := allocation.CostSummary(tas, members).TotalCost
	for _, p := range providers {
		total += fixedCost(p)
	}
	return total, true, nil
}

func fixedCost(p *model.Node) float64 {
	costs, err := cast.ToStringMapE(p.Data[model.FieldCosts])
	if err != nil {
		return 0
	}
	f, err := cast.ToFloat64E(costs["fixed"])
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func teamBandwidth(ctx context.Context, g *Graph, team *model.Node) (float64, error) {
	ids := team.RosterIDs()
	byID, err := g.Members(ctx, ids)
	if err != nil {
		return 0, err
	}
	members := make([]model.Member, 0, len(byID))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			members = append(members, m)
		}
	}
	return allocation.TeamBandwidth(members), nil
}

func allocatedMemberIDs(tas []model.TeamAllocation) []string {
	var ids []string
	for _, ta := range tas {
		for _, ma := range ta.AllocatedMembers {
			if !slices.Contains(ids, ma.MemberID) {
				ids = append(ids, ma.MemberID)
			}
		}
	}
	return ids
}
