package api

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reporthub/reporthub/pkg/events"
	"github.com/reporthub/reporthub/pkg/types"
)

const (
	defaultAwaitTimeout = 30 * time.Second
	maxAwaitTimeout     = 5 * time.Minute
)

// taskVisible reports whether the identity may read a task record: the
// task's own actor, or a superuser.
func (s *Server) taskVisible(id types.Identity, rec *types.TaskRecord) error {
	if id.Synthetic || rec.Actor == id.Username {
		return nil
	}
	ok, err := s.auth.HasPermission(id, types.PermSuperuser, "")
	if err != nil {
		return err
	}
	if !ok {
		// Hide the task's existence from strangers.
		return fmt.Errorf("%w: task %q", types.ErrNotFound, rec.Token)
	}
	return nil
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	token := chi.URLParam(r, "token")

	rec, err := s.tasks.Get(token, false)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.taskVisible(id, rec); err != nil {
		writeError(w, err)
		return
	}

	// Only the actor's own read marks the outcome as observed.
	if r.URL.Query().Get("consume") == "true" && rec.Actor == id.Username {
		if rec, err = s.tasks.Get(token, true); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var filter types.TaskFilter
	if err := decodeJSON(r, &filter); err != nil {
		writeError(w, err)
		return
	}

	// Anyone may list their own tasks; the unrestricted view is superuser.
	superuser, err := s.auth.HasPermission(id, types.PermSuperuser, "")
	if err != nil {
		writeError(w, err)
		return
	}
	if !superuser {
		filter.Actors = []string{id.Username}
	}

	records, err := s.tasks.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.requirePermission(id, types.PermSuperuser, ""); err != nil {
		writeError(w, err)
		return
	}
	token := chi.URLParam(r, "token")
	changed, err := s.tasks.Cancel(token, id.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": changed})
}

type commentRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleTaskComment(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	token := chi.URLParam(r, "token")

	rec, err := s.tasks.Get(token, false)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.taskVisible(id, rec); err != nil {
		writeError(w, err)
		return
	}

	var req commentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Body == "" {
		writeError(w, fmt.Errorf("%w: comment body must not be empty", types.ErrInputMalformed))
		return
	}
	if err := s.tasks.AddComment(token, id.Username, req.Body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, nil)
}

// handleTaskAwait long-polls until the task reaches a terminal status or
// the timeout passes. Waiters poll with jitter so a crowd awaiting the same
// task does not hit the store in lockstep; task events from this server
// short-circuit the wait. A server going into drain cuts every waiter off.
func (s *Server) handleTaskAwait(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	token := chi.URLParam(r, "token")

	timeout := defaultAwaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, fmt.Errorf("%w: invalid timeout %q", types.ErrInputMalformed, raw))
			return
		}
		if parsed > maxAwaitTimeout {
			parsed = maxAwaitTimeout
		}
		timeout = parsed
	}

	rec, err := s.tasks.Get(token, false)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.taskVisible(id, rec); err != nil {
		writeError(w, err)
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)
	deadline := time.After(timeout)

	for {
		if rec.Status.Terminal() {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if s.tasks.Draining() {
			writeError(w, fmt.Errorf("%w: server is shutting down", types.ErrShuttingDown))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-deadline:
			// Not terminal in time; report the current state.
			writeJSON(w, http.StatusOK, rec)
			return
		case ev := <-sub:
			if ev == nil || ev.Metadata["token"] != token {
				continue
			}
			if ev.Type == events.EventServerDraining {
				continue
			}
		case <-time.After(jittered(s.cfg.Tasks.AwaitPollInterval.Std())):
		}

		if rec, err = s.tasks.Get(token, false); err != nil {
			writeError(w, err)
			return
		}
	}
}

// jittered spreads a poll interval by +/-25%
func jittered(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

type demoTaskRequest struct {
	Summary         string          `json:"summary"`
	ProductEndpoint string          `json:"product_endpoint"`
	Payload         json.RawMessage `json:"payload"`
	WithDataDir     bool            `json:"with_data_dir"`
}

// handleDemoTask allocates and pushes an echo task in one request. Exposed
// only when demo tasks are enabled; the functional test suites drive the
// whole state machine through this endpoint.
func (s *Server) handleDemoTask(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var req demoTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ProductEndpoint != "" {
		if _, err := s.registry.Get(req.ProductEndpoint); err != nil {
			writeError(w, err)
			return
		}
	}
	summary := req.Summary
	if summary == "" {
		summary = "demo echo task"
	}

	rec, err := s.tasks.Allocate("echo", summary, id.Username, req.ProductEndpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.WithDataDir {
		if _, err := s.tasks.CreateDataDir(rec.Token); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.tasks.Push(r.Context(), rec.Token, req.Payload); err != nil {
		writeError(w, err)
		return
	}
	rec, err = s.tasks.Get(rec.Token, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}
