package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agentium/internal/adapter"
	"agentium/internal/provider"
	"agentium/internal/types"
)

// keyView is a provider key as exposed over the API: material is
// always masked.
type keyView struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	MaskedMaterial string  `json:"masked_material"`
	BaseURL        string  `json:"base_url,omitempty"`
	DefaultModel   string  `json:"default_model,omitempty"`
	Priority       int     `json:"priority"`
	Status         string  `json:"status"`
	FailureCount   int     `json:"failure_count"`
	MonthlyBudget  float64 `json:"monthly_budget"`
	CurrentSpend   float64 `json:"current_spend"`
	CooldownUntil  string  `json:"cooldown_until,omitempty"`
}

func (s *Server) keyToView(k *types.ProviderKey) keyView {
	masked := "****"
	if material, err := s.keys.Material(k); err == nil {
		masked = provider.Mask(material)
	}
	v := keyView{
		ID:             k.ID,
		Kind:           string(k.Kind),
		MaskedMaterial: masked,
		BaseURL:        k.BaseURL,
		DefaultModel:   k.DefaultModel,
		Priority:       k.Priority,
		Status:         string(k.Status),
		FailureCount:   k.FailureCount,
		MonthlyBudget:  k.MonthlyBudget,
		CurrentSpend:   k.CurrentSpend,
	}
	if k.CooldownUntil != nil {
		v.CooldownUntil = k.CooldownUntil.Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	kind := types.ProviderKind(r.URL.Query().Get("kind"))
	keys, err := s.store.ListProviderKeys(kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, s.keyToView(k))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind          string  `json:"kind"`
		Material      string  `json:"material"`
		BaseURL       string  `json:"base_url"`
		DefaultModel  string  `json:"default_model"`
		Priority      int     `json:"priority"`
		MonthlyBudget float64 `json:"monthly_budget"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Material == "" {
		s.writeError(w, &types.InvariantError{Rule: "key-material", Detail: "material is required"})
		return
	}
	k, err := s.keys.AddKey(types.ProviderKind(req.Kind), req.Material, req.BaseURL,
		req.DefaultModel, req.Priority, req.MonthlyBudget)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit("api", "principal", principalFrom(r).Subject, "key_created", "key", k.ID,
		"provider "+req.Kind)
	s.writeJSON(w, http.StatusCreated, s.keyToView(k))
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetProviderKey(id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteProviderKey(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit("api", "principal", principalFrom(r).Subject, "key_deleted", "key", id, "")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleTestKey fires a one-token generation through the key's
// provider to prove the credential works end to end.
func (s *Server) handleTestKey(w http.ResponseWriter, r *http.Request) {
	k, err := s.store.GetProviderKey(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	start := time.Now()
	res, err := s.gen.Generate(r.Context(), k.Kind, "", "ping", adapter.Options{
		Model: k.DefaultModel, MaxTokens: 1,
	})
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok": false, "error": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"model":      res.Model,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Material string `json:"material"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Material == "" {
		s.writeError(w, &types.InvariantError{Rule: "key-material", Detail: "material is required"})
		return
	}
	id := chi.URLParam(r, "id")
	healthCheck := func(k *types.ProviderKey, material string) error {
		_, err := s.gen.Generate(r.Context(), k.Kind, "", "ping", adapter.Options{
			Model: k.DefaultModel, MaxTokens: 1,
		})
		return err
	}
	if err := s.keys.RotateKey(id, req.Material, healthCheck); err != nil {
		s.writeError(w, err)
		return
	}
	s.store.Audit("api", "principal", principalFrom(r).Subject, "key_rotated", "key", id, "")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}
