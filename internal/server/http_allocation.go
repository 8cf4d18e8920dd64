package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/allocation"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// loadMembers fetches teamMember nodes by id. Missing ids and nodes of
// other types are skipped.
func (s *Server) loadMembers(ctx context.Context, ids []string) (map[string]model.Member, error) {
	out := make(map[string]model.Member, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		n, err := s.store.GetNode(ctx, id)
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

// loadMember fetches one teamMember node.
func (s *Server) loadMember(ctx context.Context, id string) (model.Member, error) {
	if id == "" {
		return model.Member{}, model.NewValidationError("memberId", "is required")
	}
	n, err := s.store.GetNode(ctx, id)
	if err != nil {
		return model.Member{}, err
	}
	if n.Type != model.TypeTeamMember {
		return model.Member{}, model.NewValidationError("memberId", fmt.Sprintf("%s is a %s, not a teamMember", id, n.Type))
	}
	return model.MemberFromNode(n), nil
}

// handleCostSummary handles GET /v1/nodes/{id}/cost.
func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := s.store.GetNode(ctx, r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	tas, err := model.RepairTeamAllocations(n.Data[model.FieldTeamAllocations])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var ids []string
	for _, ta := range tas {
		for _, ma := range ta.AllocatedMembers {
			ids = append(ids, ma.MemberID)
		}
	}
	members, err := s.loadMembers(ctx, ids)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocation.CostSummary(tas, members))
}

type memberCapacity struct {
	MemberID string  `json:"memberId"`
	Name     string  `json:"name,omitempty"`
	Weekly   float64 `json:"weeklyHours"`
}

// handleTeamCapacity handles GET /v1/teams/{id}/capacity.
func (s *Server) handleTeamCapacity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	team, err := s.store.GetNode(ctx, r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if team.Type != model.TypeTeam {
		writeEngineError(w, model.NewValidationError("id", fmt.Sprintf("%s is a %s, not a team", team.ID, team.Type)))
		return
	}
	ids := team.RosterIDs()
	byID, err := s.loadMembers(ctx, ids)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	members := make([]model.Member, 0, len(byID))
	lines := make([]memberCapacity, 0, len(byID))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, m)
		lines = append(lines, memberCapacity{MemberID: m.ID, Name: m.Name, Weekly: allocation.WeeklyCapacity(m)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"teamId":    team.ID,
		"bandwidth": allocation.TeamBandwidth(members),
		"members":   lines,
	})
}

type allocationDetailsInput struct {
	MemberID     string     `json:"memberId"`
	Hours        float64    `json:"hours"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	EndDate      *time.Time `json:"endDate,omitempty"`
	DurationDays float64    `json:"durationDays,omitempty"`
}

// handleAllocationDetails handles POST /v1/allocation/details.
func (s *Server) handleAllocationDetails(w http.ResponseWriter, r *http.Request) {
	var in allocationDetailsInput
	if !decodeBody(w, r, &in) {
		return
	}
	m, err := s.loadMember(r.Context(), in.MemberID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocation.MemberAllocationDetails(in.StartDate, in.EndDate, in.DurationDays, m, in.Hours))
}

type overAllocationInput struct {
	MemberID string  `json:"memberId"`
	Hours    float64 `json:"hours"`
	// TeamAllocationPct defaults to 100.
	TeamAllocationPct *float64   `json:"teamAllocationPct,omitempty"`
	StartDate         *time.Time `json:"startDate,omitempty"`
	EndDate           *time.Time `json:"endDate,omitempty"`
	// ExcludeFeature leaves one feature's commitments out of a windowed
	// check, typically the feature being edited.
	ExcludeFeature string `json:"excludeFeature,omitempty"`
}

// handleOverAllocation handles POST /v1/allocation/check. With both dates
// set the check counts the member's commitments on every feature that
// overlap the window; otherwise it compares against weekly capacity.
func (s *Server) handleOverAllocation(w http.ResponseWriter, r *http.Request) {
	var in overAllocationInput
	if !decodeBody(w, r, &in) {
		return
	}
	ctx := r.Context()
	m, err := s.loadMember(ctx, in.MemberID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	pct := 100.0
	if in.TeamAllocationPct != nil {
		pct = *in.TeamAllocationPct
	}

	if in.StartDate == nil || in.EndDate == nil {
		writeJSON(w, http.StatusOK, allocation.CheckOverAllocation(m, pct, in.Hours))
		return
	}
	if in.EndDate.Before(*in.StartDate) {
		writeEngineError(w, model.NewValidationError("endDate", "must not be before startDate"))
		return
	}
	features, err := s.store.ListNodes(ctx, model.NodeFilter{Type: []model.NodeType{model.TypeFeature}})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list features")
		return
	}
	writeJSON(w, http.StatusOK, allocation.CheckWindowOverAllocation(
		m, pct, *in.StartDate, *in.EndDate, in.Hours, allocation.Commitments(features), in.ExcludeFeature))
}
