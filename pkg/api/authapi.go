package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/reporthub/reporthub/pkg/types"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		writeError(w, fmt.Errorf("%w: authentication is disabled", types.ErrInputMalformed))
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if id.SessionID != "" {
		if err := s.auth.Logout(id.SessionID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	perms, err := s.auth.Permissions(id, r.URL.Query().Get("product"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username":    id.Username,
		"permissions": perms,
	})
}

func (s *Server) handleHasPermission(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	perm := types.Permission(r.URL.Query().Get("permission"))
	if !perm.Valid() {
		writeError(w, fmt.Errorf("%w: unknown permission %q", types.ErrInputMalformed, perm))
		return
	}
	allowed, err := s.auth.HasPermission(id, perm, r.URL.Query().Get("product"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (s *Server) handleBannerGet(w http.ResponseWriter, r *http.Request) {
	banner, err := s.store.GetBanner()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, banner)
}

type bannerRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBannerSet(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermSuperuser, ""); err != nil {
		writeError(w, err)
		return
	}
	var req bannerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetBanner(req.Message, id.Username, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// grantScopeCheck enforces who may manage a grant: server-wide grants need
// SUPERUSER, product grants need PRODUCT_ADMIN on that product.
func (s *Server) grantScopeCheck(id types.Identity, g types.PermissionGrant) error {
	if g.Permission.ServerWide() {
		return s.requirePermission(id, types.PermSuperuser, "")
	}
	if _, err := s.registry.Get(g.ProductEndpoint); err != nil {
		return err
	}
	return s.requirePermission(id, types.PermProductAdmin, g.ProductEndpoint)
}

func (s *Server) handleGrantAdd(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var g types.PermissionGrant
	if err := decodeJSON(r, &g); err != nil {
		writeError(w, err)
		return
	}
	if err := s.grantScopeCheck(id, g); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.AddGrant(g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGrantRemove(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var g types.PermissionGrant
	if err := decodeJSON(r, &g); err != nil {
		writeError(w, err)
		return
	}
	if err := s.grantScopeCheck(id, g); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.RemoveGrant(g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGrantList(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	perm := types.Permission(r.URL.Query().Get("permission"))
	endpoint := r.URL.Query().Get("product")
	if !perm.Valid() {
		writeError(w, fmt.Errorf("%w: unknown permission %q", types.ErrInputMalformed, perm))
		return
	}
	if err := s.grantScopeCheck(id, types.PermissionGrant{Permission: perm, ProductEndpoint: endpoint}); err != nil {
		writeError(w, err)
		return
	}
	grants, err := s.store.ListGrants(perm, endpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}
