package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/reporthub/reporthub/pkg/auth"
	"github.com/reporthub/reporthub/pkg/config"
	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/events"
	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/metrics"
	"github.com/reporthub/reporthub/pkg/product"
	"github.com/reporthub/reporthub/pkg/task"
)

// Server wires the component layers behind one HTTP listener
type Server struct {
	cfg      *config.Config
	store    *configstore.Store
	auth     *auth.Authenticator
	registry *product.Registry
	tasks    *task.Manager
	broker   *events.Broker
	log      zerolog.Logger

	httpServer *http.Server
}

// NewServer assembles the HTTP server over the component layers
func NewServer(cfg *config.Config, store *configstore.Store, authn *auth.Authenticator,
	registry *product.Registry, tasks *task.Manager, broker *events.Broker) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		auth:     authn,
		registry: registry,
		tasks:    tasks,
		broker:   broker,
		log:      log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(pr chi.Router) {
		pr.Use(s.session)

		pr.Post("/auth/logout", s.handleLogout)
		pr.Get("/auth/permissions", s.handlePermissions)
		pr.Get("/auth/hasPermission", s.handleHasPermission)

		pr.Route("/tasks", func(tr chi.Router) {
			tr.Post("/list", s.handleTaskList)
			if s.cfg.Server.EnableDemoTasks {
				tr.Post("/demo", s.handleDemoTask)
			}
			tr.Get("/{token}", s.handleTaskGet)
			tr.Get("/{token}/await", s.handleTaskAwait)
			tr.Post("/{token}/cancel", s.handleTaskCancel)
			tr.Post("/{token}/comments", s.handleTaskComment)
		})

		pr.Route("/products", func(pdr chi.Router) {
			pdr.Get("/", s.handleProductList)
			pdr.Post("/", s.handleProductAdd)
			pdr.Get("/{endpoint}", s.handleProductGet)
			pdr.Patch("/{endpoint}", s.handleProductEdit)
			pdr.Delete("/{endpoint}", s.handleProductRemove)
			pdr.Post("/{endpoint}/reconnect", s.handleProductReconnect)
		})

		pr.Get("/notifications/banner", s.handleBannerGet)
		pr.Put("/notifications/banner", s.handleBannerSet)

		pr.Post("/permissions", s.handleGrantAdd)
		pr.Delete("/permissions", s.handleGrantRemove)
		pr.Get("/permissions", s.handleGrantList)

		pr.Route("/{endpoint}", func(er chi.Router) {
			er.Use(s.productCtx)
			er.Get("/cleanupPlans", s.handlePlanList)
			er.Post("/cleanupPlans", s.handlePlanCreate)
			er.Put("/cleanupPlans/{id}", s.handlePlanUpdate)
			er.Delete("/cleanupPlans/{id}", s.handlePlanDelete)
			er.Post("/cleanupPlans/{id}/close", s.handlePlanClose)
			er.Post("/cleanupPlans/{id}/reopen", s.handlePlanReopen)
			er.Post("/cleanupPlans/{id}/reports", s.handlePlanSetReports)
			er.Delete("/cleanupPlans/{id}/reports", s.handlePlanUnsetReports)

			er.Get("/filterPresets", s.handlePresetList)
			er.Put("/filterPresets/{name}", s.handlePresetSave)
			er.Delete("/filterPresets/{name}", s.handlePresetDelete)

			er.Get("/sourceComponents", s.handleComponentList)
			er.Put("/sourceComponents/{name}", s.handleComponentSet)
			er.Delete("/sourceComponents/{name}", s.handleComponentDelete)
		})
	})
	return r
}

// Handler exposes the assembled router, used by the HTTP tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
