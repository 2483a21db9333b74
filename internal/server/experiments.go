package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agentium/internal/adapter"
	"agentium/internal/critic"
	"agentium/internal/logging"
	"agentium/internal/types"
)

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string                      `json:"name"`
		Prompt   string                      `json:"prompt"`
		Criteria []types.AcceptanceCriterion `json:"criteria"`
		Arms     []struct {
			Provider string `json:"provider"`
			Model    string `json:"model"`
		} `json:"arms"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Arms) < 2 {
		s.writeError(w, &types.InvariantError{Rule: "experiment-arms",
			Detail: "an experiment needs at least two arms"})
		return
	}
	exp := &types.Experiment{
		Name:      req.Name,
		Prompt:    req.Prompt,
		Criteria:  req.Criteria,
		CreatedBy: principalFrom(r).Subject,
	}
	for _, arm := range req.Arms {
		exp.Arms = append(exp.Arms, types.ExperimentArm{
			Provider: types.ProviderKind(arm.Provider), Model: arm.Model,
		})
	}
	if err := s.store.CreateExperiment(exp); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.store.GetExperiment(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	status := types.ExperimentStatus(r.URL.Query().Get("status"))
	list, err := s.store.ListExperiments(status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleRunExperiment runs every arm against the same prompt and ranks
// them: criteria passed first, then latency. Arm failures score zero
// rather than failing the experiment.
func (s *Server) handleRunExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.store.GetExperiment(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if exp.Status != types.ExperimentPending {
		s.writeError(w, &types.InvariantError{Rule: "experiment-runnable",
			Detail: "experiment is " + string(exp.Status)})
		return
	}
	exp.Status = types.ExperimentRunning
	if err := s.store.UpdateExperiment(exp); err != nil {
		s.writeError(w, err)
		return
	}

	for i := range exp.Arms {
		arm := &exp.Arms[i]
		start := time.Now()
		res, err := s.gen.Generate(r.Context(), arm.Provider, "", exp.Prompt,
			adapter.Options{Model: arm.Model})
		arm.LatencyMS = time.Since(start).Milliseconds()
		if err != nil {
			arm.Error = err.Error()
			logging.Get(logging.CategoryAPI).Warn("experiment %s arm %s failed: %v",
				exp.ID, arm.Provider, err)
			continue
		}
		arm.Output = res.Content
		arm.TokensUsed = res.TokensUsed
		arm.CriteriaResults, arm.CriteriaPassed = critic.EvaluateCriteria(exp.Criteria, res.Content)
	}

	winner := -1
	for i := range exp.Arms {
		arm := &exp.Arms[i]
		if arm.Error != "" {
			continue
		}
		if winner < 0 {
			winner = i
			continue
		}
		best := &exp.Arms[winner]
		if arm.CriteriaPassed > best.CriteriaPassed ||
			(arm.CriteriaPassed == best.CriteriaPassed && arm.LatencyMS < best.LatencyMS) {
			winner = i
		}
	}
	if winner >= 0 {
		exp.Winner = string(exp.Arms[winner].Provider)
	}
	exp.Status = types.ExperimentCompleted
	if err := s.store.UpdateExperiment(exp); err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit("api", "principal", principalFrom(r).Subject, "experiment_run",
		"experiment", exp.ID, "winner: "+exp.Winner)
	s.writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleCancelExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.store.GetExperiment(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch exp.Status {
	case types.ExperimentCompleted, types.ExperimentCancelled:
		s.writeJSON(w, http.StatusOK, exp)
		return
	}
	exp.Status = types.ExperimentCancelled
	if err := s.store.UpdateExperiment(exp); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exp)
}
