package pipeline

import (
	"fmt"
	"time"
)

type ReleaseStatus string

const (
	ReleaseActive   ReleaseStatus = "active"
	ReleaseArchived ReleaseStatus = "archived"
)

type SessionStatus string

const (
	SessionDraft      SessionStatus = "draft"
	SessionGenerating SessionStatus = "generating"
	SessionReady      SessionStatus = "ready"
	SessionExported   SessionStatus = "exported"
)

var SessionStatuses = []SessionStatus{SessionDraft, SessionGenerating, SessionReady, SessionExported}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job can no longer change status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type Release struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Repo         string        `json:"repo"`
	TargetBranch string        `json:"targetBranch"`
	Version      string        `json:"version"`
	Status       ReleaseStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	SessionIDs   []string      `json:"sessionIds"`
}

type Session struct {
	ID         string        `json:"id"`
	ReleaseID  string        `json:"releaseId"`
	Name       string        `json:"name"`
	BaseRef    string        `json:"baseRef"`
	HeadRef    string        `json:"headRef"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	ExportedAt *time.Time    `json:"exportedAt,omitempty"`
	JobIDs     []string      `json:"jobIds"`
	Stats      Stats         `json:"stats"`
}

type Job struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	Stage       Stage      `json:"type"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	OutputRef   string     `json:"outputRef,omitempty"`
}

const (
	StatChangeCount       = "changeCount"
	StatReleaseNotesCount = "releaseNotesCount"
	StatHotspotsCount     = "hotspotsCount"
	StatTestCasesCount    = "testCasesCount"
)

type Stats struct {
	ChangeCount       int `json:"changeCount"`
	ReleaseNotesCount int `json:"releaseNotesCount"`
	HotspotsCount     int `json:"hotspotsCount"`
	TestCasesCount    int `json:"testCasesCount"`
}

// Merge overwrites the fields named in update. Keys are the JSON field names.
func (s *Stats) Merge(update map[string]int) error {
	for key, v := range update {
		switch key {
		case StatChangeCount, StatReleaseNotesCount, StatHotspotsCount, StatTestCasesCount:
		default:
			return fmt.Errorf("unknown stat %q", key)
		}
		if v < 0 {
			return fmt.Errorf("stat %s is negative: %d", key, v)
		}
	}
	for key, v := range update {
		switch key {
		case StatChangeCount:
			s.ChangeCount = v
		case StatReleaseNotesCount:
			s.ReleaseNotesCount = v
		case StatHotspotsCount:
			s.HotspotsCount = v
		case StatTestCasesCount:
			s.TestCasesCount = v
		}
	}
	return nil
}
