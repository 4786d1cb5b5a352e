package orchestrator

import (
	"runtime/debug"
	"time"

	"github.com/user/release-sessions/internal/logger"
	"github.com/user/release-sessions/internal/pipeline"
)

type EventType string

const (
	EventReleaseCreated  EventType = "release_created"
	EventReleaseArchived EventType = "release_archived"
	EventSessionCreated  EventType = "session_created"
	EventStageStarted    EventType = "stage_started"
	EventStageProgress   EventType = "stage_progress"
	EventStageCompleted  EventType = "stage_completed"
	EventStageFailed     EventType = "stage_failed"
	EventSessionReady    EventType = "session_ready"
	EventSessionExported EventType = "session_exported"
)

// Event describes one committed state change. Job fields are empty for
// release and session level events.
type Event struct {
	Type          EventType              `json:"type"`
	ReleaseID     string                 `json:"releaseId"`
	SessionID     string                 `json:"sessionId,omitempty"`
	JobID         string                 `json:"jobId,omitempty"`
	Stage         pipeline.Stage         `json:"stage,omitempty"`
	JobStatus     pipeline.JobStatus     `json:"jobStatus,omitempty"`
	Progress      int                    `json:"progress"`
	SessionStatus pipeline.SessionStatus `json:"sessionStatus,omitempty"`
	Detail        string                 `json:"detail,omitempty"`
	At            time.Time              `json:"at"`
}

// Listener receives events after the mutation that produced them has been
// committed. Listeners run synchronously on the mutating goroutine while the
// entity lock is still held, so events of one session arrive in commit
// order. A listener must not call mutating Orchestrator methods.
type Listener func(Event)

func (o *Orchestrator) OnEvent(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) emit(events []Event) {
	if len(events) == 0 {
		return
	}

	o.mu.RLock()
	listeners := make([]Listener, len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			safeCall(l, ev)
		}
	}
}

func safeCall(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("event", string(ev.Type)).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Event listener panicked")
		}
	}()
	l(ev)
}

func jobEvent(t EventType, sess pipeline.Session, job pipeline.Job, at time.Time) Event {
	return Event{
		Type:          t,
		ReleaseID:     sess.ReleaseID,
		SessionID:     sess.ID,
		JobID:         job.ID,
		Stage:         job.Stage,
		JobStatus:     job.Status,
		Progress:      job.Progress,
		SessionStatus: sess.Status,
		Detail:        job.Error,
		At:            at,
	}
}

func sessionEvent(t EventType, sess pipeline.Session, at time.Time) Event {
	return Event{
		Type:          t,
		ReleaseID:     sess.ReleaseID,
		SessionID:     sess.ID,
		SessionStatus: sess.Status,
		At:            at,
	}
}
