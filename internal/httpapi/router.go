package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskd/internal/config"
	"taskd/internal/task/engine"
	"taskd/internal/task/handlers"
	logx "taskd/pkg/logx"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type api struct {
	deps Deps
	log  logx.Logger
}

// NewRouter builds the API handler.
func NewRouter(deps Deps, log logx.Logger) http.Handler {
	a := &api{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	if deps.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", a.submit)
			r.Get("/stats", a.stats)
			r.Post("/clear-finished", a.clearFinished)
			r.Get("/{id}", a.status)
			r.Delete("/{id}", a.cancel)
		})
		r.Get("/handlers", a.handlerNames)
		r.Get("/history", a.history)
		r.Get("/schedules", a.schedules)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if a.deps.Health != nil {
		body["runtime"] = a.deps.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Engine.Stats())
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := a.deps.Engine.Status(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

// cancel only succeeds for pending tasks. Unknown ids are 404, anything else 409.
func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if a.deps.Engine.Cancel(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, ok := a.deps.Engine.Status(id); !ok {
		writeError(w, r, http.StatusNotFound, "task not found")
		return
	}
	writeError(w, r, http.StatusConflict, "task is not pending")
}

func (a *api) clearFinished(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": a.deps.Engine.ClearFinished()})
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}

	opts, err := submitOptions(req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	op, err := a.deps.Catalogue.Build(req.Handler, req.Args)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(req.Handler))
	}
	id, err := a.deps.Engine.Submit(name, op, opts...)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrServiceDisabled), errors.Is(err, engine.ErrStopped):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, engine.ErrInvalidTask):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	default:
		a.log.Error("task submit failed", logx.String("handler", req.Handler), logx.Err(err))
		writeError(w, r, http.StatusInternalServerError, "submit failed")
		return
	}

	a.log.Debug("task accepted via http", logx.String("id", id), logx.String("handler", req.Handler))
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
}

func submitOptions(req SubmitRequest) ([]engine.Option, error) {
	var opts []engine.Option

	if req.Priority != "" {
		p, err := engine.ParsePriority(req.Priority)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithPriority(p))
	}
	if req.Retries != nil {
		opts = append(opts, engine.WithRetries(*req.Retries))
	}

	durations := []struct {
		field string
		raw   string
		apply func(time.Duration) engine.Option
	}{
		{"delay", req.Delay, engine.WithDelay},
		{"retry_delay", req.RetryDelay, engine.WithRetryDelay},
		{"timeout", req.Timeout, engine.WithTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := config.ParseDurationField(d.field, d.raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, d.apply(v))
	}
	return opts, nil
}

func (a *api) handlerNames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"handlers": a.deps.Catalogue.Names()})
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	if a.deps.History == nil {
		writeError(w, r, http.StatusNotFound, "history store is not configured")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	out, err := a.deps.History.RecentOutcomes(r.Context(), limit)
	if err != nil {
		a.log.Error("history read failed", logx.Err(err))
		writeError(w, r, http.StatusInternalServerError, "history read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": out, "count": len(out)})
}

func (a *api) schedules(w http.ResponseWriter, r *http.Request) {
	if a.deps.Schedules == nil {
		writeError(w, r, http.StatusNotFound, "scheduler is not configured")
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Schedules.Snapshot())
}

var _ Catalogue = (*handlers.Registry)(nil)
