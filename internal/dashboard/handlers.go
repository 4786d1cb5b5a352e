package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/user/release-sessions/internal/database"
	"github.com/user/release-sessions/internal/logger"
	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
	"github.com/user/release-sessions/internal/query"
	"github.com/user/release-sessions/internal/stages"
)

type Handlers struct {
	orch    Orchestrator
	query   *query.Service
	history HistorySource
	outputs stages.OutputSource
}

func NewHandlers(orch Orchestrator, q *query.Service, history HistorySource, outputs stages.OutputSource) *Handlers {
	return &Handlers{
		orch:    orch,
		query:   q,
		history: history,
		outputs: outputs,
	}
}

func (h *Handlers) ListReleases(w http.ResponseWriter, r *http.Request) {
	status := pipeline.ReleaseStatus(r.URL.Query().Get("status"))
	switch status {
	case "", pipeline.ReleaseActive, pipeline.ReleaseArchived:
	default:
		http.Error(w, "status must be active or archived", http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, h.query.ListReleases(status))
}

func (h *Handlers) CreateRelease(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateReleaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	release, err := h.orch.CreateRelease(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, release)
}

func (h *Handlers) GetRelease(w http.ResponseWriter, r *http.Request, id string) {
	summary, err := h.query.SummarizeRelease(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handlers) ArchiveRelease(w http.ResponseWriter, r *http.Request, id string) {
	release, err := h.orch.ArchiveRelease(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, release)
}

type sessionResponse struct {
	Session pipeline.Session `json:"session"`
	Jobs    []pipeline.Job   `json:"jobs"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request, releaseID string) {
	var req orchestrator.CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	view, err := h.orch.CreateSession(r.Context(), releaseID, req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{Session: view.Session, Jobs: view.Jobs})
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request, id string) {
	summary, err := h.query.SummarizeSession(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// ExportSession exports a ready session and responds with its bundle.
func (h *Handlers) ExportSession(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.orch.ExportSession(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	h.GetBundle(w, r, id)
}

// GetBundle responds with the bundle of a ready or exported session, as JSON
// or, with ?format=markdown, as a Markdown document.
func (h *Handlers) GetBundle(w http.ResponseWriter, r *http.Request, id string) {
	session, err := h.query.SummarizeSession(id)
	if err != nil {
		respondError(w, err)
		return
	}
	switch session.Session.Status {
	case pipeline.SessionReady, pipeline.SessionExported:
	default:
		respondError(w, fmt.Errorf("%w: session %s is %s", orchestrator.ErrInvalidState, id, session.Session.Status))
		return
	}
	release, err := h.query.SummarizeRelease(session.ReleaseID)
	if err != nil {
		respondError(w, err)
		return
	}

	bundle := stages.BuildBundle(release.Release, session.Session, session.Jobs, h.outputs)
	switch r.URL.Query().Get("format") {
	case "", "json":
		respondJSON(w, http.StatusOK, bundle)
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(bundle.Markdown()))
	default:
		http.Error(w, "format must be json or markdown", http.StatusBadRequest)
	}
}

type outputResponse struct {
	SessionID string         `json:"sessionId"`
	Stage     pipeline.Stage `json:"stage"`
	OutputRef string         `json:"outputRef"`
	Output    interface{}    `json:"output"`
}

// GetOutput responds with the output of one completed stage.
func (h *Handlers) GetOutput(w http.ResponseWriter, r *http.Request, id, stageName string) {
	session, err := h.query.SummarizeSession(id)
	if err != nil {
		respondError(w, err)
		return
	}
	stage, err := pipeline.ParseStage(stageName)
	if err != nil {
		respondError(w, fmt.Errorf("%w: %v", orchestrator.ErrNotFound, err))
		return
	}

	var job *pipeline.Job
	for i := range session.Jobs {
		if session.Jobs[i].Stage == stage {
			job = &session.Jobs[i]
		}
	}
	if job == nil {
		respondError(w, fmt.Errorf("%w: session %s has no stage %s", orchestrator.ErrNotFound, id, stage))
		return
	}
	if job.Status != pipeline.JobCompleted {
		respondError(w, fmt.Errorf("%w: stage %s is %s", orchestrator.ErrInvalidState, stage, job.Status))
		return
	}

	var output interface{}
	ok := false
	if h.outputs != nil && job.OutputRef != "" {
		output, ok = h.outputs.Get(job.OutputRef)
	}
	if !ok {
		respondError(w, fmt.Errorf("%w: output of stage %s is no longer available", orchestrator.ErrNotFound, stage))
		return
	}
	respondJSON(w, http.StatusOK, outputResponse{SessionID: id, Stage: stage, OutputRef: job.OutputRef, Output: output})
}

func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.query.SummarizeSession(id); err != nil {
		respondError(w, err)
		return
	}
	if h.history == nil {
		respondJSON(w, http.StatusOK, []database.HistoryEntry{})
		return
	}

	history, err := h.history.History(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (h *Handlers) ListRunningJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.query.ListRunningJobs())
}

func (h *Handlers) Overview(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.query.Overview())
}

func (h *Handlers) ReportProgress(w http.ResponseWriter, r *http.Request, sessionID, jobID string) {
	var req struct {
		Progress *int `json:"progress"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Progress == nil {
		http.Error(w, "progress is required", http.StatusBadRequest)
		return
	}

	if err := h.orch.ReportProgress(r.Context(), sessionID, jobID, *req.Progress); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CompleteStage(w http.ResponseWriter, r *http.Request, sessionID, jobID string) {
	var out orchestrator.StageOutput
	if !decodeBody(w, r, &out) {
		return
	}

	if err := h.orch.CompleteStage(r.Context(), sessionID, jobID, out); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) FailStage(w http.ResponseWriter, r *http.Request, sessionID, jobID string) {
	var req struct {
		Error string `json:"error"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.orch.FailStage(r.Context(), sessionID, jobID, req.Error); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("Request failed")
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
