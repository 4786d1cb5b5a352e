package query

import (
	"fmt"

	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
)

// Source is the read side of the orchestrator.
type Source interface {
	Snapshot() orchestrator.Snapshot
}

// Service answers dashboard questions from a single snapshot per call. It
// never mutates state.
type Service struct {
	src Source
}

func NewService(src Source) *Service {
	return &Service{src: src}
}

type RunningJob struct {
	Release pipeline.Release `json:"release"`
	Session pipeline.Session `json:"session"`
	Job     pipeline.Job     `json:"job"`
}

// ListRunningJobs returns every running job ordered by release creation,
// then session creation, then stage.
func (s *Service) ListRunningJobs() []RunningJob {
	out := []RunningJob{}
	for _, rv := range s.src.Snapshot().Releases {
		for _, sv := range rv.Sessions {
			for _, j := range sv.Jobs {
				if j.Status != pipeline.JobRunning {
					continue
				}
				out = append(out, RunningJob{Release: rv.Release, Session: sv.Session, Job: j})
			}
		}
	}
	return out
}

type ReleaseSummary struct {
	Release         pipeline.Release               `json:"release"`
	TotalSessions   int                            `json:"totalSessions"`
	ByStatus        map[pipeline.SessionStatus]int `json:"byStatus"`
	LatestSessionID string                         `json:"latestSessionId,omitempty"`
	LatestCompleted int                            `json:"latestCompletedJobs"`
	LatestTotal     int                            `json:"latestTotalJobs"`
	LatestRatio     float64                        `json:"latestCompletionRatio"`
}

func (s *Service) SummarizeRelease(releaseID string) (*ReleaseSummary, error) {
	for _, rv := range s.src.Snapshot().Releases {
		if rv.Release.ID == releaseID {
			summary := summarize(rv)
			return &summary, nil
		}
	}
	return nil, fmt.Errorf("%w: release %s", orchestrator.ErrNotFound, releaseID)
}

// ListReleases summarizes releases in creation order. An empty status
// returns all of them.
func (s *Service) ListReleases(status pipeline.ReleaseStatus) []ReleaseSummary {
	out := []ReleaseSummary{}
	for _, rv := range s.src.Snapshot().Releases {
		if status != "" && rv.Release.Status != status {
			continue
		}
		out = append(out, summarize(rv))
	}
	return out
}

func summarize(rv orchestrator.ReleaseView) ReleaseSummary {
	summary := ReleaseSummary{
		Release:       rv.Release,
		TotalSessions: len(rv.Sessions),
		ByStatus:      make(map[pipeline.SessionStatus]int, len(pipeline.SessionStatuses)),
	}
	for _, st := range pipeline.SessionStatuses {
		summary.ByStatus[st] = 0
	}
	for _, sv := range rv.Sessions {
		summary.ByStatus[sv.Session.Status]++
	}
	if n := len(rv.Sessions); n > 0 {
		latest := rv.Sessions[n-1]
		summary.LatestSessionID = latest.Session.ID
		summary.LatestCompleted, summary.LatestTotal, summary.LatestRatio = pipeline.CompletionRatio(latest.Jobs)
	}
	return summary
}

type SessionSummary struct {
	ReleaseID   string           `json:"releaseId"`
	ReleaseName string           `json:"releaseName"`
	Session     pipeline.Session `json:"session"`
	Jobs        []pipeline.Job   `json:"jobs"`
	Stats       pipeline.Stats   `json:"stats"`
}

func (s *Service) SummarizeSession(sessionID string) (*SessionSummary, error) {
	for _, rv := range s.src.Snapshot().Releases {
		for _, sv := range rv.Sessions {
			if sv.Session.ID != sessionID {
				continue
			}
			return &SessionSummary{
				ReleaseID:   rv.Release.ID,
				ReleaseName: rv.Release.Name,
				Session:     sv.Session,
				Jobs:        sv.Jobs,
				Stats:       sv.Session.Stats,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: session %s", orchestrator.ErrNotFound, sessionID)
}

type Overview struct {
	ActiveReleases     int `json:"activeReleases"`
	ArchivedReleases   int `json:"archivedReleases"`
	RunningJobs        int `json:"runningJobs"`
	GeneratingSessions int `json:"generatingSessions"`
	ReadySessions      int `json:"readySessions"`
	ExportedSessions   int `json:"exportedSessions"`
}

// Overview returns the dashboard header counts.
func (s *Service) Overview() Overview {
	var o Overview
	for _, rv := range s.src.Snapshot().Releases {
		switch rv.Release.Status {
		case pipeline.ReleaseActive:
			o.ActiveReleases++
		case pipeline.ReleaseArchived:
			o.ArchivedReleases++
		}
		for _, sv := range rv.Sessions {
			switch sv.Session.Status {
			case pipeline.SessionGenerating:
				o.GeneratingSessions++
			case pipeline.SessionReady:
				o.ReadySessions++
			case pipeline.SessionExported:
				o.ExportedSessions++
			}
			for _, j := range sv.Jobs {
				if j.Status == pipeline.JobRunning {
					o.RunningJobs++
				}
			}
		}
	}
	return o
}
