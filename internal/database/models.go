package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/release-sessions/internal/pipeline"
)

type Release struct {
	ID           string `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	Repo         string `gorm:"not null"`
	TargetBranch string `gorm:"not null"`
	Version      string
	Status       string `gorm:"not null;index"`
	SessionIDs   string
	CreatedAt    int64 `gorm:"not null;index;autoCreateTime:false"`
	UpdatedAt    int64 `gorm:"not null;autoUpdateTime:false"`
}

type Session struct {
	ID                string `gorm:"primaryKey"`
	ReleaseID         string `gorm:"not null;index"`
	Name              string
	BaseRef           string `gorm:"not null"`
	HeadRef           string `gorm:"not null"`
	Status            string `gorm:"not null"`
	JobIDs            string
	ChangeCount       int `gorm:"default:0"`
	ReleaseNotesCount int `gorm:"default:0"`
	HotspotsCount     int `gorm:"default:0"`
	TestCasesCount    int `gorm:"default:0"`
	ExportedAt        int64
	CreatedAt         int64 `gorm:"not null;autoCreateTime:false"`
	UpdatedAt         int64 `gorm:"not null;autoUpdateTime:false"`
}

type Job struct {
	ID          string `gorm:"primaryKey"`
	SessionID   string `gorm:"not null;index"`
	Stage       string `gorm:"not null"`
	Status      string `gorm:"not null;index"`
	Progress    int    `gorm:"default:0"`
	StartedAt   int64
	CompletedAt int64
	Error       string
	OutputRef   string
}

type SessionHistory struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ReleaseID string `gorm:"not null;index"`
	SessionID string `gorm:"index"`
	JobID     string
	Stage     string
	Action    string `gorm:"not null"`
	Status    string
	Details   string
	CreatedAt int64 `gorm:"not null;index"`
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshaling ids: %w", err)
	}
	return string(data), nil
}

func decodeIDs(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("unmarshaling ids: %w", err)
	}
	return ids, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func unixNanoPtr(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return unixNano(*t)
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func fromUnixNanoPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := fromUnixNano(v)
	return &t
}

func releaseRecord(r pipeline.Release) (*Release, error) {
	ids, err := encodeIDs(r.SessionIDs)
	if err != nil {
		return nil, fmt.Errorf("release %s sessions: %w", r.ID, err)
	}
	return &Release{
		ID:           r.ID,
		Name:         r.Name,
		Repo:         r.Repo,
		TargetBranch: r.TargetBranch,
		Version:      r.Version,
		Status:       string(r.Status),
		SessionIDs:   ids,
		CreatedAt:    unixNano(r.CreatedAt),
		UpdatedAt:    unixNano(r.UpdatedAt),
	}, nil
}

func (r *Release) toPipeline() (pipeline.Release, error) {
	ids, err := decodeIDs(r.SessionIDs)
	if err != nil {
		return pipeline.Release{}, fmt.Errorf("release %s sessions: %w", r.ID, err)
	}
	return pipeline.Release{
		ID:           r.ID,
		Name:         r.Name,
		Repo:         r.Repo,
		TargetBranch: r.TargetBranch,
		Version:      r.Version,
		Status:       pipeline.ReleaseStatus(r.Status),
		CreatedAt:    fromUnixNano(r.CreatedAt),
		UpdatedAt:    fromUnixNano(r.UpdatedAt),
		SessionIDs:   ids,
	}, nil
}

func sessionRecord(s pipeline.Session) (*Session, error) {
	ids, err := encodeIDs(s.JobIDs)
	if err != nil {
		return nil, fmt.Errorf("session %s jobs: %w", s.ID, err)
	}
	return &Session{
		ID:                s.ID,
		ReleaseID:         s.ReleaseID,
		Name:              s.Name,
		BaseRef:           s.BaseRef,
		HeadRef:           s.HeadRef,
		Status:            string(s.Status),
		JobIDs:            ids,
		ChangeCount:       s.Stats.ChangeCount,
		ReleaseNotesCount: s.Stats.ReleaseNotesCount,
		HotspotsCount:     s.Stats.HotspotsCount,
		TestCasesCount:    s.Stats.TestCasesCount,
		ExportedAt:        unixNanoPtr(s.ExportedAt),
		CreatedAt:         unixNano(s.CreatedAt),
		UpdatedAt:         unixNano(s.UpdatedAt),
	}, nil
}

func (s *Session) toPipeline() (pipeline.Session, error) {
	ids, err := decodeIDs(s.JobIDs)
	if err != nil {
		return pipeline.Session{}, fmt.Errorf("session %s jobs: %w", s.ID, err)
	}
	return pipeline.Session{
		ID:         s.ID,
		ReleaseID:  s.ReleaseID,
		Name:       s.Name,
		BaseRef:    s.BaseRef,
		HeadRef:    s.HeadRef,
		Status:     pipeline.SessionStatus(s.Status),
		CreatedAt:  fromUnixNano(s.CreatedAt),
		UpdatedAt:  fromUnixNano(s.UpdatedAt),
		ExportedAt: fromUnixNanoPtr(s.ExportedAt),
		JobIDs:     ids,
		Stats: pipeline.Stats{
			ChangeCount:       s.ChangeCount,
			ReleaseNotesCount: s.ReleaseNotesCount,
			HotspotsCount:     s.HotspotsCount,
			TestCasesCount:    s.TestCasesCount,
		},
	}, nil
}

func jobRecord(j pipeline.Job) *Job {
	return &Job{
		ID:          j.ID,
		SessionID:   j.SessionID,
		Stage:       string(j.Stage),
		Status:      string(j.Status),
		Progress:    j.Progress,
		StartedAt:   unixNanoPtr(j.StartedAt),
		CompletedAt: unixNanoPtr(j.CompletedAt),
		Error:       j.Error,
		OutputRef:   j.OutputRef,
	}
}

func (j *Job) toPipeline() pipeline.Job {
	return pipeline.Job{
		ID:          j.ID,
		SessionID:   j.SessionID,
		Stage:       pipeline.Stage(j.Stage),
		Status:      pipeline.JobStatus(j.Status),
		Progress:    j.Progress,
		StartedAt:   fromUnixNanoPtr(j.StartedAt),
		CompletedAt: fromUnixNanoPtr(j.CompletedAt),
		Error:       j.Error,
		OutputRef:   j.OutputRef,
	}
}
