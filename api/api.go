// Package api exposes the thin HTTP surface over the registry: submit,
// status, cancel, list, the style vocabulary, presigned uploads, and
// the websocket notification endpoint. Handlers never expand the
// coordination semantics; they translate HTTP to registry calls.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/easelworks/easel"
	"github.com/easelworks/easel/blob"
	"github.com/easelworks/easel/conn"
	"github.com/easelworks/easel/registry"
)

// API wires the HTTP handlers together.
type API struct {
	registry *registry.Registry
	dir      *conn.Directory
	auth     conn.Authenticator
	resolver *blob.Resolver
	logger   *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithResolver enables presigned upload/download URLs.
func WithResolver(r *blob.Resolver) Option {
	return func(a *API) { a.resolver = r }
}

// New creates an API over the registry.
func New(
	reg *registry.Registry,
	dir *conn.Directory,
	auth conn.Authenticator,
	logger *slog.Logger,
	opts ...Option,
) *API {
	a := &API{
		registry: reg,
		dir:      dir,
		auth:     auth,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns the assembled route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/jobs", a.withOwner(a.submitJob)).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", a.withOwner(a.listJobs)).Methods(http.MethodGet)
	// Registered before the {jobId} routes so "stats" is not read as an id.
	v1.HandleFunc("/jobs/stats", a.withOwner(a.jobStats)).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{jobId}", a.withOwner(a.getJob)).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{jobId}/cancel", a.withOwner(a.cancelJob)).Methods(http.MethodPost)
	v1.HandleFunc("/uploads", a.withOwner(a.createUpload)).Methods(http.MethodPost)
	v1.HandleFunc("/styles", a.listStyles).Methods(http.MethodGet)

	r.HandleFunc("/ws", conn.WSHandler(a.dir, a.auth, a.logger))
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)

	return r
}

// ownerHandler is a handler that runs on behalf of an authenticated owner.
type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

// withOwner authenticates the request and passes the resolved owner on.
func (a *API) withOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := a.auth.Authenticate(r)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, owner)
	}
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, errorResponse{Error: msg})
}

// respondError maps sentinel errors to HTTP statuses. Infrastructure
// detail stays in the logs, not the response.
func (a *API) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, easel.ErrJobNotFound):
		a.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, easel.ErrJobExists):
		a.writeError(w, http.StatusConflict, "job id already in use")
	case errors.Is(err, easel.ErrInvalidTransition):
		a.writeError(w, http.StatusConflict, "job is no longer in a cancellable state")
	case errors.Is(err, easel.ErrStoreUnavailable):
		a.logger.Error("store unavailable", slog.String("error", err.Error()))
		a.writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		a.logger.Error("request failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
