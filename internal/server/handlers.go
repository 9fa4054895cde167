// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"github.com/privateaim/pod-orchestrator/api/analysis"
	"github.com/privateaim/pod-orchestrator/internal/cluster"
	"github.com/privateaim/pod-orchestrator/internal/composer"
	"github.com/privateaim/pod-orchestrator/internal/store"
)

// ClusterOps is the slice of the cluster facade the API needs for log reads
// and cleanup.
type ClusterOps interface {
	ListResources(ctx context.Context, kind cluster.ResourceKind, selector string) ([]string, error)
	DeleteResource(ctx context.Context, kind cluster.ResourceKind, name string) error
	PodNames(ctx context.Context) ([]string, error)
	Logs(ctx context.Context, name string, podIDs []string) ([]string, error)
}

// Lifecycle launches and tears down generations.
type Lifecycle interface {
	Launch(ctx context.Context, spec composer.LaunchSpec) (*analysis.Generation, error)
	Teardown(ctx context.Context, gen *analysis.Generation, final analysis.Status) error
}

// CredentialManager revokes analysis identities.
type CredentialManager interface {
	Revoke(ctx context.Context, analysisID string) error
	OrphanedClients(ctx context.Context, known map[string]struct{}) ([]string, error)
}

// LogForwarder pushes streamed log entries on to the hub. May be nil.
type LogForwarder interface {
	UploadLog(ctx context.Context, analysisID, logText string, isError bool) error
}

// Server is the orchestrator's HTTP API.
type Server struct {
	repo      store.Repository
	clusterOp ClusterOps
	lifecycle Lifecycle
	creds     CredentialManager
	hub       LogForwarder
	auth      *Authenticator
	validate  *validator.Validate
	healthy   func() bool
	log       logr.Logger
}

// New builds the API. auth may be nil, which disables authentication (tests
// only); hub may be nil, which disables log forwarding. healthy feeds the
// healthz endpoint.
func New(repo store.Repository, clusterOp ClusterOps, lifecycle Lifecycle, creds CredentialManager,
	hub LogForwarder, auth *Authenticator, healthy func() bool, log logr.Logger) *Server {
	return &Server{
		repo:      repo,
		clusterOp: clusterOp,
		lifecycle: lifecycle,
		creds:     creds,
		hub:       hub,
		auth:      auth,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		healthy:   healthy,
		log:       log.WithName("api"),
	}
}

// Router assembles the route tree. Everything under /po is authenticated;
// healthz is open for probes. The read and stop/delete endpoints exist in an
// all-analyses form and an {analysisID}-scoped form.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Get("/healthz", s.handleHealthz)
	r.Route("/po", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.Post("/", s.handleCreate)
		r.Post("/stream_logs", s.handleStreamLogs)
		r.Delete("/cleanup/{type}", s.handleCleanup)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{analysisID}", s.handleHistory)
		r.Get("/logs", s.handleLogs)
		r.Get("/logs/{analysisID}", s.handleLogs)
		r.Get("/status", s.handleStatus)
		r.Get("/status/{analysisID}", s.handleStatus)
		r.Get("/pods", s.handlePods)
		r.Get("/pods/{analysisID}", s.handlePods)
		r.Put("/stop", s.handleStop)
		r.Put("/stop/{analysisID}", s.handleStop)
		r.Delete("/delete", s.handleDelete)
		r.Delete("/delete/{analysisID}", s.handleDelete)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreate launches a new analysis on the request path. Discovery inside
// the launch polls without a hard deadline; aborting the request aborts the
// launch, and a failed launch is recorded as a failed generation.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req analysis.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed body: %w", err))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if latest, err := s.repo.Latest(r.Context(), req.AnalysisID); err == nil && latest.Status.Live() {
		writeError(w, http.StatusConflict, fmt.Errorf("analysis %s is already running as %s", req.AnalysisID, latest.DeploymentName))
		return
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.lifecycle.Launch(r.Context(), composer.SpecFromRequest(&req)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"analysis_id": req.AnalysisID,
		"status":      string(analysis.StatusStarted),
	})
}

// handleStatus returns {analysis_id: status} of the latest generation, for one
// analysis or for all of them.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.scopedIDs(w, r)
	if !ok {
		return
	}
	statuses := map[string]analysis.Status{}
	for _, id := range ids {
		latest, err := s.repo.Latest(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		statuses[id] = latest.Status
	}
	writeJSON(w, http.StatusOK, statuses)
}

// handleHistory returns the stored logs of all terminally ended generations,
// keyed by deployment name.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.scopedIDs(w, r)
	if !ok {
		return
	}
	history := map[string]*analysis.LogBlob{}
	for _, id := range ids {
		gens, err := s.repo.ListByAnalysis(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for i := range gens {
			if !gens[i].Status.Terminal() {
				continue
			}
			blob := gens[i].Log
			if blob == nil {
				blob = &analysis.LogBlob{}
			}
			history[gens[i].DeploymentName] = blob
		}
	}
	writeJSON(w, http.StatusOK, history)
}

// handlePods returns the pod names of the latest generation per analysis.
func (s *Server) handlePods(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.scopedIDs(w, r)
	if !ok {
		return
	}
	pods := map[string][]string{}
	for _, id := range ids {
		latest, err := s.repo.Latest(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		pods[id] = latest.PodIDs
	}
	writeJSON(w, http.StatusOK, pods)
}

// handleLogs serves live cluster logs for the running generations, keyed by
// analysis id.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.scopedIDs(w, r)
	if !ok {
		return
	}
	logs := map[string]*analysis.LogBlob{}
	for _, id := range ids {
		latest, err := s.repo.Latest(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		logs[id] = s.generationLogs(r.Context(), latest)
	}
	writeJSON(w, http.StatusOK, logs)
}

// generationLogs reads a generation's logs: the stored blob once terminal, a
// live cluster read otherwise.
func (s *Server) generationLogs(ctx context.Context, gen *analysis.Generation) *analysis.LogBlob {
	if gen.Status.Terminal() {
		if gen.Log != nil {
			return gen.Log
		}
		return &analysis.LogBlob{}
	}
	blob := &analysis.LogBlob{Analysis: map[string]string{}, Nginx: map[string]string{}}
	if raw, err := s.clusterOp.Logs(ctx, gen.DeploymentName, gen.PodIDs); err == nil {
		for i, text := range raw {
			blob.Analysis[fmt.Sprintf("%s/pod_%d", gen.DeploymentName, i+1)] = text
		}
	}
	nginx := cluster.NginxName(gen.DeploymentName)
	if raw, err := s.clusterOp.Logs(ctx, nginx, nil); err == nil {
		for i, text := range raw {
			blob.Nginx[fmt.Sprintf("%s/pod_%d", nginx, i+1)] = text
		}
	}
	return blob
}

// handleStop stops the latest live generation on the request path: capture its
// logs, tear the resources down and persist the stopped state, so the caller
// returns to an already stopped analysis. Stopping a single analysis that is
// not live is a conflict; the all-analyses form skips those.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysisID")
	ids, ok := s.scopedIDs(w, r)
	if !ok {
		return
	}
	stopped := []string{}
	for _, id := range ids {
		latest, err := s.repo.Latest(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if !latest.Status.Live() {
			if analysisID != "" {
				writeError(w, http.StatusConflict, fmt.Errorf("analysis %s is already %s", id, latest.Status))
				return
			}
			continue
		}
		blob := s.generationLogs(r.Context(), latest)
		if err := s.repo.Apply(r.Context(), latest.DeploymentName, store.Update{Log: blob}); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := s.lifecycle.Teardown(r.Context(), latest, analysis.StatusStopped); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		stopped = append(stopped, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(analysis.StatusStopped), "analyses": stopped})
}

// handleDelete tears down whatever is still running, revokes the credentials
// and archives the repository rows.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.scopedIDs(w, r)
	if !ok {
		return
	}
	for _, id := range ids {
		gens, err := s.repo.ListByAnalysis(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if len(gens) == 0 {
			writeError(w, http.StatusNotFound, store.ErrNotFound)
			return
		}
		if err := s.deleteAnalysis(r.Context(), id, gens); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "analyses": ids})
}

func (s *Server) deleteAnalysis(ctx context.Context, analysisID string, gens []analysis.Generation) error {
	for i := range gens {
		if !gens[i].Status.Live() {
			continue
		}
		if err := s.lifecycle.Teardown(ctx, &gens[i], analysis.StatusStopped); err != nil {
			return err
		}
	}
	if err := s.creds.Revoke(ctx, analysisID); err != nil {
		s.log.Error(err, "failed to revoke credentials on delete", "analysis", analysisID)
	}
	return s.repo.DeleteByAnalysis(ctx, analysisID)
}

// handleStreamLogs receives a log line pushed by an analysis through its
// sidecar, appends it to the latest generation's log and forwards it to the
// hub.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	var req analysis.StreamLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed body: %w", err))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	latest, err := s.repo.Latest(r.Context(), req.AnalysisID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	blob := latest.Log
	if blob == nil {
		blob = &analysis.LogBlob{Analysis: map[string]string{}, Nginx: map[string]string{}}
	}
	if blob.Analysis == nil {
		blob.Analysis = map[string]string{}
	}
	blob.Analysis[latest.DeploymentName] += fmt.Sprintf("[%s] %s\n", req.LogType, req.Log)
	update := store.Update{Log: blob, Progress: req.Progress}
	if err := s.repo.Apply(r.Context(), latest.DeploymentName, update); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.hub != nil {
		if err := s.hub.UploadLog(r.Context(), req.AnalysisID, req.Log, errorLogType(req.LogType)); err != nil {
			s.log.Error(err, "failed to forward log to hub", "analysis", req.AnalysisID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// errorLogType reports whether a syslog-style level counts as an error on the
// hub side.
func errorLogType(logType string) bool {
	switch logType {
	case "emerg", "alert", "crit", "error":
		return true
	}
	return false
}

// scopedIDs resolves the {analysisID} route param to the list of analyses a
// handler operates on: the one named, or every known one when absent.
func (s *Server) scopedIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	if id := chi.URLParam(r, "analysisID"); id != "" {
		return []string{id}, true
	}
	ids, err := s.repo.ListAnalysisIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return ids, true
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}
