package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/user/release-sessions/internal/logger"
	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
)

// Repository persists orchestrator state and the session audit trail.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveRelease(ctx context.Context, release pipeline.Release) error {
	rec, err := releaseRecord(release)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("saving release %s: %w", release.ID, err)
	}
	return nil
}

// SaveSession writes the release, the session and its jobs in one
// transaction.
func (r *Repository) SaveSession(ctx context.Context, release pipeline.Release, session pipeline.Session, jobs []pipeline.Job) error {
	rel, err := releaseRecord(release)
	if err != nil {
		return err
	}
	sess, err := sessionRecord(session)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(rel).Error; err != nil {
			return fmt.Errorf("saving release %s: %w", release.ID, err)
		}
		if err := tx.Save(sess).Error; err != nil {
			return fmt.Errorf("saving session %s: %w", session.ID, err)
		}
		for _, j := range jobs {
			if err := tx.Save(jobRecord(j)).Error; err != nil {
				return fmt.Errorf("saving job %s: %w", j.ID, err)
			}
		}
		return nil
	})
}

// Load reads the whole store in release creation order.
func (r *Repository) Load(ctx context.Context) (orchestrator.State, error) {
	var state orchestrator.State

	var releases []Release
	if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&releases).Error; err != nil {
		return state, fmt.Errorf("loading releases: %w", err)
	}
	for i := range releases {
		rel, err := releases[i].toPipeline()
		if err != nil {
			return state, err
		}
		state.Releases = append(state.Releases, rel)
	}

	var sessions []Session
	if err := r.db.WithContext(ctx).Find(&sessions).Error; err != nil {
		return state, fmt.Errorf("loading sessions: %w", err)
	}
	for i := range sessions {
		sess, err := sessions[i].toPipeline()
		if err != nil {
			return state, err
		}
		state.Sessions = append(state.Sessions, sess)
	}

	var jobs []Job
	if err := r.db.WithContext(ctx).Find(&jobs).Error; err != nil {
		return state, fmt.Errorf("loading jobs: %w", err)
	}
	for i := range jobs {
		state.Jobs = append(state.Jobs, jobs[i].toPipeline())
	}

	return state, nil
}

// RecordEvent is an orchestrator listener that appends state transitions to
// the history table. Progress ticks are not recorded.
func (r *Repository) RecordEvent(ev orchestrator.Event) {
	if ev.Type == orchestrator.EventStageProgress {
		return
	}

	status := string(ev.SessionStatus)
	if ev.JobID != "" {
		status = string(ev.JobStatus)
	}
	entry := SessionHistory{
		ReleaseID: ev.ReleaseID,
		SessionID: ev.SessionID,
		JobID:     ev.JobID,
		Stage:     string(ev.Stage),
		Action:    string(ev.Type),
		Status:    status,
		Details:   ev.Detail,
		CreatedAt: unixNano(ev.At),
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixNano()
	}

	if err := r.db.Create(&entry).Error; err != nil {
		logger.Error().
			Err(err).
			Str("event", string(ev.Type)).
			Str("session_id", ev.SessionID).
			Msg("Failed to record history")
	}
}

type HistoryEntry struct {
	Action  string         `json:"action"`
	JobID   string         `json:"jobId,omitempty"`
	Stage   pipeline.Stage `json:"stage,omitempty"`
	Status  string         `json:"status,omitempty"`
	Details string         `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// History returns the recorded transitions of a session, oldest first.
func (r *Repository) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	var rows []SessionHistory
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("getting session history: %w", err)
	}

	out := make([]HistoryEntry, 0, len(rows))
	for _, h := range rows {
		out = append(out, HistoryEntry{
			Action:  h.Action,
			JobID:   h.JobID,
			Stage:   pipeline.Stage(h.Stage),
			Status:  h.Status,
			Details: h.Details,
			At:      fromUnixNano(h.CreatedAt),
		})
	}
	return out, nil
}
