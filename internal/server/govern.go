package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentium/internal/types"
)

// Governance handlers. Every operation acts as a specific agent; the
// body names the actor and the state machine enforces its capabilities.

func (s *Server) handleProposeAmendment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorTierID  string `json:"actor_tier_id"`
		DiffDocument string `json:"diff_document"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	actor, err := s.actingAgent(req.ActorTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	a, err := s.amendments.Propose(actor, req.DiffDocument)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAmendment(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAmendment(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAmendments(w http.ResponseWriter, r *http.Request) {
	status := types.AmendmentStatus(r.URL.Query().Get("status"))
	list, err := s.store.ListAmendments(status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSponsorAmendment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorTierID string `json:"actor_tier_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	actor, err := s.actingAgent(req.ActorTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	a, err := s.amendments.Sponsor(chi.URLParam(r, "id"), actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDebateAmendment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorTierID string `json:"actor_tier_id"`
		Entry       string `json:"entry"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Entry == "" {
		s.writeError(w, &types.InvariantError{Rule: "debate-entry", Detail: "entry is required"})
		return
	}
	actor, err := s.actingAgent(req.ActorTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.amendments.AddDebateEntry(chi.URLParam(r, "id"), actor, req.Entry); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "entry recorded"})
}

func (s *Server) handleWithdrawAmendment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorTierID string `json:"actor_tier_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	actor, err := s.actingAgent(req.ActorTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	a, err := s.amendments.Withdraw(chi.URLParam(r, "id"), actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleVoteAmendment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorTierID string `json:"actor_tier_id"`
		Choice      string `json:"choice"` // FOR | AGAINST | ABSTAIN
	}
	if !s.decode(w, r, &req) {
		return
	}
	actor, err := s.actingAgent(req.ActorTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	choice := types.VoteChoice(req.Choice)
	switch choice {
	case types.VoteFor, types.VoteAgainst, types.VoteAbstain:
	default:
		s.writeError(w, &types.InvariantError{Rule: "vote-choice",
			Detail: "choice must be FOR, AGAINST or ABSTAIN"})
		return
	}
	if err := s.amendments.Vote(chi.URLParam(r, "id"), actor, choice); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "vote recorded"})
}

// handleConcludeAmendment advances the machine: a PROPOSED or
// DELIBERATING amendment moves toward voting, a VOTING one is tallied.
func (s *Server) handleConcludeAmendment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorTierID string `json:"actor_tier_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	a, err := s.store.GetAmendment(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch a.Status {
	case types.AmendmentDeliberating:
		actor, err := s.actingAgent(req.ActorTierID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if a, err = s.amendments.AdvanceToVoting(id, actor); err != nil {
			s.writeError(w, err)
			return
		}
	case types.AmendmentVoting:
		if err := s.amendments.CloseVoting(id); err != nil {
			s.writeError(w, err)
			return
		}
		if a, err = s.store.GetAmendment(id); err != nil {
			s.writeError(w, err)
			return
		}
	default:
		s.writeError(w, &types.InvariantError{Rule: "amendment-conclude",
			Detail: "amendment is " + string(a.Status) + ", nothing to conclude"})
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

// ===== LIFECYCLE =====

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentTierID string   `json:"parent_tier_id"`
		Tier         string   `json:"tier"`
		Name         string   `json:"name"`
		Mission      string   `json:"mission"`
		ExtraCaps    []string `json:"extra_capabilities"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	parent, err := s.actingAgent(req.ParentTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var caps []types.Capability
	for _, c := range req.ExtraCaps {
		caps = append(caps, types.Capability(c))
	}
	agent, err := s.lifecycle.Spawn(parent, types.Tier(req.Tier), req.Name, req.Mission, caps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetTierID string `json:"target_tier_id"`
		ActorTierID  string `json:"actor_tier_id"`
		Reason       string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	target, err := s.actingAgent(req.TargetTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	actor, err := s.actingAgent(req.ActorTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	promoted, err := s.lifecycle.Promote(target, actor, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, promoted)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetTierID string `json:"target_tier_id"`
		ActorTierID  string `json:"actor_tier_id"`
		Reason       string `json:"reason"`
		Force        bool   `json:"force"`
		Violation    bool   `json:"violation"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	target, err := s.actingAgent(req.TargetTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	actor, err := s.actingAgent(req.ActorTierID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.lifecycle.Liquidate(target, actor, req.Reason, req.Force, req.Violation); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "liquidated"})
}
