package dashboard

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/release-sessions/internal/database"
	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
	"github.com/user/release-sessions/internal/query"
	"github.com/user/release-sessions/internal/stages"
)

// Orchestrator is the write side the HTTP API drives.
type Orchestrator interface {
	CreateRelease(ctx context.Context, req orchestrator.CreateReleaseRequest) (*pipeline.Release, error)
	ArchiveRelease(ctx context.Context, releaseID string) (*pipeline.Release, error)
	CreateSession(ctx context.Context, releaseID string, req orchestrator.CreateSessionRequest) (*orchestrator.SessionView, error)
	ExportSession(ctx context.Context, sessionID string) (*orchestrator.SessionView, error)
	ReportProgress(ctx context.Context, sessionID, jobID string, progress int) error
	CompleteStage(ctx context.Context, sessionID, jobID string, out orchestrator.StageOutput) error
	FailStage(ctx context.Context, sessionID, jobID, detail string) error
}

type HistorySource interface {
	History(ctx context.Context, sessionID string) ([]database.HistoryEntry, error)
}

type Server struct {
	handlers *Handlers
	feed     *Feed
	registry *prometheus.Registry
	mux      *http.ServeMux
}

type ServerConfig struct {
	Orchestrator Orchestrator
	Query        *query.Service
	History      HistorySource
	Outputs      stages.OutputSource
	Feed         *Feed
	Registry     *prometheus.Registry
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		handlers: NewHandlers(cfg.Orchestrator, cfg.Query, cfg.History, cfg.Outputs),
		feed:     cfg.Feed,
		registry: cfg.Registry,
		mux:      http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	s.mux.HandleFunc("/api/releases", s.handleReleases)
	s.mux.HandleFunc("/api/releases/", s.handleRelease)
	s.mux.HandleFunc("/api/sessions/", s.handleSession)
	s.mux.HandleFunc("/api/jobs/running", s.only(http.MethodGet, s.handlers.ListRunningJobs))
	s.mux.HandleFunc("/api/overview", s.only(http.MethodGet, s.handlers.Overview))

	if s.feed != nil {
		s.mux.Handle("/api/feed", s.feed)
	}
	if s.registry != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

func (s *Server) only(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleReleases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handlers.ListReleases(w, r)
	case http.MethodPost:
		s.handlers.CreateRelease(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRelease routes /api/releases/{id}[/archive|/sessions].
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/releases/")
	if len(parts) == 0 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handlers.GetRelease(w, r, id)
	case len(parts) == 2 && parts[1] == "archive" && r.Method == http.MethodPost:
		s.handlers.ArchiveRelease(w, r, id)
	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodPost:
		s.handlers.CreateSession(w, r, id)
	case len(parts) <= 2:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

// handleSession routes /api/sessions/{id}[/export|/history],
// /api/sessions/{id}/outputs/{stage} and the stage callbacks under
// /api/sessions/{id}/jobs/{jobID}/.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/sessions/")
	if len(parts) == 0 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handlers.GetSession(w, r, id)
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodPost:
		s.handlers.ExportSession(w, r, id)
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		s.handlers.GetBundle(w, r, id)
	case len(parts) == 3 && parts[1] == "outputs" && r.Method == http.MethodGet:
		s.handlers.GetOutput(w, r, id, parts[2])
	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		s.handlers.GetHistory(w, r, id)
	case len(parts) == 4 && parts[1] == "jobs" && r.Method == http.MethodPost:
		switch parts[3] {
		case "progress":
			s.handlers.ReportProgress(w, r, id, parts[2])
		case "complete":
			s.handlers.CompleteStage(w, r, id, parts[2])
		case "fail":
			s.handlers.FailStage(w, r, id, parts[2])
		default:
			http.NotFound(w, r)
		}
	case len(parts) <= 2 || (len(parts) == 4 && parts[1] == "jobs") || (len(parts) == 3 && parts[1] == "outputs"):
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func (s *Server) Handler() http.Handler {
	return s.mux
}
