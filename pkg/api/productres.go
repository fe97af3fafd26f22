package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reporthub/reporthub/pkg/types"
)

// Product-scoped resources. Every handler here runs under productCtx, so
// the identity already holds PRODUCT_ACCESS and the handle is acquired.

func planID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid cleanup plan id", types.ErrInputMalformed)
	}
	return id, nil
}

func (s *Server) handlePlanList(w http.ResponseWriter, r *http.Request) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermProductView, h.Product().Endpoint); err != nil {
		writeError(w, err)
		return
	}
	rs, err := h.Result()
	if err != nil {
		writeError(w, err)
		return
	}
	plans, err := rs.ListPlans(r.URL.Query().Get("closed") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

type planRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date"`
}

func (s *Server) handlePlanCreate(w http.ResponseWriter, r *http.Request) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermProductAdmin, h.Product().Endpoint); err != nil {
		writeError(w, err)
		return
	}
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rs, err := h.Result()
	if err != nil {
		writeError(w, err)
		return
	}
	pid, err := rs.CreatePlan(req.Name, req.Description, req.DueDate)
	if err != nil {
		writeError(w, err)
		return
	}
	plan, err := rs.GetPlan(pid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handlePlanUpdate(w http.ResponseWriter, r *http.Request) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermProductAdmin, h.Product().Endpoint); err != nil {
		writeError(w, err)
		return
	}
	pid, err := planID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rs, err := h.Result()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rs.UpdatePlan(pid, req.Name, req.Description, req.DueDate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handlePlanDelete(w http.ResponseWriter, r *http.Request) {
	s.planStatusChange(w, r, func(rs planOps, pid int64) error {
		return rs.DeletePlan(pid)
	})
}

func (s *Server) handlePlanClose(w http.ResponseWriter, r *http.Request) {
	s.planStatusChange(w, r, func(rs planOps, pid int64) error {
		return rs.ClosePlan(pid, time.Now().UTC())
	})
}

func (s *Server) handlePlanReopen(w http.ResponseWriter, r *http.Request) {
	s.planStatusChange(w, r, func(rs planOps, pid int64) error {
		return rs.ReopenPlan(pid)
	})
}

type planOps interface {
	DeletePlan(id int64) error
	ClosePlan(id int64, now time.Time) error
	ReopenPlan(id int64) error
}

func (s *Server) planStatusChange(w http.ResponseWriter, r *http.Request, op func(planOps, int64) error) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermProductAdmin, h.Product().Endpoint); err != nil {
		writeError(w, err)
		return
	}
	pid, err := planID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rs, err := h.Result()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := op(rs, pid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type planReportsRequest struct {
	ReportHashes []string `json:"report_hashes"`
}

func (s *Server) handlePlanSetReports(w http.ResponseWriter, r *http.Request) {
	s.planReportsChange(w, r, true)
}

func (s *Server) handlePlanUnsetReports(w http.ResponseWriter, r *http.Request) {
	s.planReportsChange(w, r, false)
}

func (s *Server) planReportsChange(w http.ResponseWriter, r *http.Request, set bool) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	// Triage assignment is day-to-day work, not administration.
	if err := s.requirePermission(id, types.PermProductStore, h.Product().Endpoint); err != nil {
		writeError(w, err)
		return
	}
	pid, err := planID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req planReportsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rs, err := h.Result()
	if err != nil {
		writeError(w, err)
		return
	}
	if set {
		err = rs.SetPlanReports(pid, req.ReportHashes)
	} else {
		err = rs.UnsetPlanReports(pid, req.ReportHashes)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handlePresetList(w http.ResponseWriter, r *http.Request) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	presets, err := s.store.ListFilterPresets(h.Product().Endpoint, id.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presets)
}

type presetRequest struct {
	Value string `json:"value"`
}

func (s *Server) handlePresetSave(w http.ResponseWriter, r *http.Request) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	var req presetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	preset := types.FilterPreset{
		ProductEndpoint: h.Product().Endpoint,
		Username:        id.Username,
		Name:            chi.URLParam(r, "name"),
		Value:           req.Value,
	}
	if preset.Name == "" {
		writeError(w, fmt.Errorf("%w: preset name must not be empty", types.ErrInputMalformed))
		return
	}
	if err := s.store.SaveFilterPreset(preset); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

func (s *Server) handlePresetDelete(w http.ResponseWriter, r *http.Request) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	err := s.store.DeleteFilterPreset(h.Product().Endpoint, id.Username, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleComponentList(w http.ResponseWriter, r *http.Request) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermProductView, h.Product().Endpoint); err != nil {
		writeError(w, err)
		return
	}
	components, err := s.store.ListSourceComponents(h.Product().Endpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, components)
}

type componentRequest struct {
	Value       string `json:"value"`
	Description string `json:"description"`
}

func (s *Server) handleComponentSet(w http.ResponseWriter, r *http.Request) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermProductAdmin, h.Product().Endpoint); err != nil {
		writeError(w, err)
		return
	}
	var req componentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	component := types.SourceComponent{
		ProductEndpoint: h.Product().Endpoint,
		Name:            chi.URLParam(r, "name"),
		Value:           req.Value,
		Description:     req.Description,
	}
	if component.Name == "" || component.Value == "" {
		writeError(w, fmt.Errorf("%w: component name and value are required", types.ErrInputMalformed))
		return
	}
	if err := s.store.SetSourceComponent(component); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, component)
}

func (s *Server) handleComponentDelete(w http.ResponseWriter, r *http.Request) {
	h := productFrom(r.Context())
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermProductAdmin, h.Product().Endpoint); err != nil {
		writeError(w, err)
		return
	}
	err := s.store.DeleteSourceComponent(h.Product().Endpoint, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
