package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reporthub/reporthub/pkg/types"
)

// removeDrainTimeout is how long product removal waits for in-flight
// requests before giving up with a conflict.
const removeDrainTimeout = 10 * time.Second

func (s *Server) handleProductList(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	all := s.registry.List()

	superuser, err := s.auth.HasPermission(id, types.PermSuperuser, "")
	if err != nil {
		writeError(w, err)
		return
	}
	if superuser {
		writeJSON(w, http.StatusOK, all)
		return
	}

	visible := make([]types.ProductSummary, 0, len(all))
	for _, p := range all {
		ok, err := s.auth.HasPermission(id, types.PermProductAccess, p.Endpoint)
		if err != nil {
			writeError(w, err)
			return
		}
		if ok {
			visible = append(visible, p)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *Server) handleProductAdd(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermSuperuser, ""); err != nil {
		writeError(w, err)
		return
	}
	var p types.Product
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.registry.Add(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.ProductSummary{
		Product:      h.Product(),
		SchemaStatus: h.Status(),
	})
}

func (s *Server) handleProductGet(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	endpoint := chi.URLParam(r, "endpoint")
	if err := s.requirePermission(id, types.PermProductAccess, endpoint); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.registry.Get(endpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ProductSummary{
		Product:      h.Product(),
		SchemaStatus: h.Status(),
	})
}

func (s *Server) handleProductEdit(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	endpoint := chi.URLParam(r, "endpoint")
	if err := s.requirePermission(id, types.PermProductAdmin, endpoint); err != nil {
		writeError(w, err)
		return
	}
	var patch types.ProductPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.registry.Edit(endpoint, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ProductSummary{
		Product:      h.Product(),
		SchemaStatus: h.Status(),
	})
}

func (s *Server) handleProductRemove(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermSuperuser, ""); err != nil {
		writeError(w, err)
		return
	}
	endpoint := chi.URLParam(r, "endpoint")
	if err := s.registry.Remove(endpoint, removeDrainTimeout); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleProductReconnect(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	endpoint := chi.URLParam(r, "endpoint")
	if err := s.requirePermission(id, types.PermProductAdmin, endpoint); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.registry.Reconnect(endpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]types.SchemaStatus{"schema_status": status})
}
