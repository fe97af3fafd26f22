package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/metrics"
	"github.com/reporthub/reporthub/pkg/product"
	"github.com/reporthub/reporthub/pkg/types"
)

// SessionHeader carries the session id on every authenticated request
const SessionHeader = "X-Session-Token"

type contextKey int

const (
	identityKey contextKey = iota
	productKey
)

// identityFrom returns the request identity placed by the session middleware
func identityFrom(ctx context.Context) types.Identity {
	id, _ := ctx.Value(identityKey).(types.Identity)
	return id
}

// productFrom returns the acquired product handle placed by productCtx
func productFrom(ctx context.Context) *product.Handle {
	h, _ := ctx.Value(productKey).(*product.Handle)
	return h
}

// session resolves the caller identity and stores it on the context.
// Requests without a valid session are rejected before any handler runs.
func (s *Server) session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.IdentityFromSession(r.Header.Get(SessionHeader))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// observe logs each request and feeds the API metrics
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		l := log.WithComponent("api")
		l.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// productCtx resolves the {endpoint} URL segment to an acquired product
// handle, enforces product entry permission, and releases the handle when
// the request finishes. The schema gate lives in Handle.Result, so status
// queries still work on broken products.
func (s *Server) productCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := chi.URLParam(r, "endpoint")
		id := identityFrom(r.Context())

		if err := s.requirePermission(id, types.PermProductAccess, endpoint); err != nil {
			writeError(w, err)
			return
		}
		h, err := s.registry.Acquire(endpoint)
		if err != nil {
			writeError(w, err)
			return
		}
		defer s.registry.Release(h)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), productKey, h)))
	})
}

// requirePermission maps a failed permission check to the unauthorized kind
func (s *Server) requirePermission(id types.Identity, perm types.Permission, productEndpoint string) error {
	ok, err := s.auth.HasPermission(id, perm, productEndpoint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s requires %s", types.ErrUnauthorized, id.Username, perm)
	}
	return nil
}
