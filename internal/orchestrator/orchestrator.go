package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/release-sessions/internal/logger"
	"github.com/user/release-sessions/internal/pipeline"
)

//go:generate mockgen -destination=mocks/dispatcher_mock.go -package=mocks github.com/user/release-sessions/internal/orchestrator Dispatcher

// Dispatcher hands an activated stage to its collaborator. Dispatch must not
// block on the stage work; the collaborator reports back through
// ReportProgress, CompleteStage and FailStage.
type Dispatcher interface {
	Dispatch(req StageRequest)
}

// StageRequest carries everything a collaborator needs to run one stage.
type StageRequest struct {
	ReleaseID    string
	Repo         string
	SessionID    string
	JobID        string
	Stage        pipeline.Stage
	BaseRef      string
	HeadRef      string
	PriorOutputs []OutputRef
}

// OutputRef points at the output of a completed earlier stage.
type OutputRef struct {
	Stage pipeline.Stage
	Ref   string
}

// Persister stores committed state. A save error aborts the mutation.
type Persister interface {
	SaveRelease(ctx context.Context, release pipeline.Release) error
	SaveSession(ctx context.Context, release pipeline.Release, session pipeline.Session, jobs []pipeline.Job) error
}

// StageOutput is what a collaborator reports when a stage completes. Stats
// keys are the pipeline.Stat* names; only the named fields are overwritten.
type StageOutput struct {
	Stats     map[string]int `json:"stats"`
	OutputRef string         `json:"outputRef"`
}

type Orchestrator struct {
	def        *pipeline.Definition
	store      *store
	persister  Persister
	dispatcher Dispatcher
	listeners  []Listener
	mu         sync.RWMutex
	now        func() time.Time
}

type Option func(*Orchestrator)

func WithPersister(p Persister) Option {
	return func(o *Orchestrator) { o.persister = p }
}

func WithDefinition(def *pipeline.Definition) Option {
	return func(o *Orchestrator) { o.def = def }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		def:   pipeline.Default(),
		store: newStore(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatcher = d
}

type CreateReleaseRequest struct {
	Name         string `json:"name"`
	Repo         string `json:"repo"`
	TargetBranch string `json:"targetBranch"`
	Version      string `json:"version"`
}

func (o *Orchestrator) CreateRelease(ctx context.Context, req CreateReleaseRequest) (*pipeline.Release, error) {
	owner, name, ok := strings.Cut(req.Repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("%w: repo must be owner/name, got %q", ErrInvalidRequest, req.Repo)
	}

	now := o.now()
	release := pipeline.Release{
		ID:           uuid.New().String(),
		Name:         valueOr(req.Name, "New Release"),
		Repo:         req.Repo,
		TargetBranch: valueOr(req.TargetBranch, "main"),
		Version:      valueOr(req.Version, "1.0.0"),
		Status:       pipeline.ReleaseActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		SessionIDs:   []string{},
	}

	if o.persister != nil {
		if err := o.persister.SaveRelease(ctx, release); err != nil {
			return nil, fmt.Errorf("creating release: %w", err)
		}
	}
	slot := o.store.addRelease(release, true)
	o.emit([]Event{{Type: EventReleaseCreated, ReleaseID: release.ID, At: now}})
	slot.mu.Unlock()

	return &release, nil
}

func (o *Orchestrator) ArchiveRelease(ctx context.Context, releaseID string) (*pipeline.Release, error) {
	slot := o.store.release(releaseID)
	if slot == nil {
		return nil, fmt.Errorf("%w: release %s", ErrNotFound, releaseID)
	}

	slot.mu.Lock()
	release := cloneRelease(slot.state.Load())
	if release.Status == pipeline.ReleaseArchived {
		slot.mu.Unlock()
		return nil, fmt.Errorf("%w: release %s is already archived", ErrInvalidState, releaseID)
	}
	now := o.now()
	release.Status = pipeline.ReleaseArchived
	release.UpdatedAt = laterOf(release.UpdatedAt, now)

	if o.persister != nil {
		if err := o.persister.SaveRelease(ctx, release); err != nil {
			slot.mu.Unlock()
			return nil, fmt.Errorf("archiving release: %w", err)
		}
	}
	slot.state.Store(&release)
	o.emit([]Event{{Type: EventReleaseArchived, ReleaseID: release.ID, At: now}})
	slot.mu.Unlock()

	out := cloneRelease(&release)
	return &out, nil
}

type CreateSessionRequest struct {
	Name    string `json:"name"`
	BaseRef string `json:"baseRef"`
	HeadRef string `json:"headRef"`
}

// CreateSession creates a session with one pending job per stage and starts
// the first stage. It returns once the state is committed; the stage runs
// asynchronously in the dispatcher.
func (o *Orchestrator) CreateSession(ctx context.Context, releaseID string, req CreateSessionRequest) (*SessionView, error) {
	rslot := o.store.release(releaseID)
	if rslot == nil {
		return nil, fmt.Errorf("%w: release %s", ErrNotFound, releaseID)
	}
	if req.BaseRef == "" || req.HeadRef == "" {
		return nil, fmt.Errorf("%w: baseRef and headRef are required", ErrInvalidRequest)
	}

	rslot.mu.Lock()
	release := cloneRelease(rslot.state.Load())
	if release.Status != pipeline.ReleaseActive {
		rslot.mu.Unlock()
		return nil, fmt.Errorf("%w: release %s is %s", ErrInvalidState, releaseID, release.Status)
	}

	now := o.now()
	st := &sessionState{
		session: pipeline.Session{
			ID:        uuid.New().String(),
			ReleaseID: releaseID,
			Name:      valueOr(req.Name, "New Session"),
			BaseRef:   req.BaseRef,
			HeadRef:   req.HeadRef,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	for _, stage := range o.def.Stages() {
		job := pipeline.Job{
			ID:        uuid.New().String(),
			SessionID: st.session.ID,
			Stage:     stage,
			Status:    pipeline.JobPending,
		}
		st.jobs = append(st.jobs, job)
		st.session.JobIDs = append(st.session.JobIDs, job.ID)
	}

	first := &st.jobs[0]
	first.Status = pipeline.JobRunning
	first.Progress = 0
	first.StartedAt = timePtr(now)
	st.session.Status = pipeline.DeriveSessionStatus(st.jobs, false)

	release.SessionIDs = append(release.SessionIDs, st.session.ID)
	release.UpdatedAt = laterOf(release.UpdatedAt, now)

	if o.persister != nil {
		if err := o.persister.SaveSession(ctx, release, st.session, st.jobs); err != nil {
			rslot.mu.Unlock()
			return nil, fmt.Errorf("creating session: %w", err)
		}
	}
	sslot := o.store.addSession(st, true)
	rslot.state.Store(&release)
	rslot.mu.Unlock()

	logger.Info().
		Str("release_id", releaseID).
		Str("session_id", st.session.ID).
		Str("range", st.session.BaseRef+"..."+st.session.HeadRef).
		Msg("Session created")

	o.emit([]Event{
		sessionEvent(EventSessionCreated, st.session, now),
		jobEvent(EventStageStarted, st.session, *first, now),
	})
	sslot.mu.Unlock()

	o.dispatch(o.stageRequest(release, st, first))

	view := newSessionView(st)
	return &view, nil
}

// ReportProgress records progress of a running job. Progress must stay in
// [0,99] and never decrease; 100 is reserved for CompleteStage.
func (o *Orchestrator) ReportProgress(ctx context.Context, sessionID, jobID string, progress int) error {
	if err := o.ownedJob(sessionID, jobID); err != nil {
		return err
	}
	_, err := o.mutateSession(ctx, sessionID, func(st *sessionState, now time.Time, m *mutation) error {
		job, err := runningJob(st, jobID)
		if err != nil {
			return err
		}
		if progress < 0 || progress > 99 {
			return fmt.Errorf("%w: progress %d outside [0,99]", ErrInvalidState, progress)
		}
		if progress < job.Progress {
			return fmt.Errorf("%w: progress for job %s went backwards (%d -> %d)", ErrInvalidState, jobID, job.Progress, progress)
		}
		job.Progress = progress
		m.jobEvent(EventStageProgress, job.ID)
		return nil
	})
	return err
}

// CompleteStage marks a running job completed, merges its stats into the
// session and starts the next stage, if any.
func (o *Orchestrator) CompleteStage(ctx context.Context, sessionID, jobID string, out StageOutput) error {
	if err := o.ownedJob(sessionID, jobID); err != nil {
		return err
	}
	_, err := o.mutateSession(ctx, sessionID, func(st *sessionState, now time.Time, m *mutation) error {
		job, err := runningJob(st, jobID)
		if err != nil {
			return err
		}
		if err := st.session.Stats.Merge(out.Stats); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}

		job.Status = pipeline.JobCompleted
		job.Progress = 100
		job.CompletedAt = timePtr(now)
		job.OutputRef = out.OutputRef
		m.jobEvent(EventStageCompleted, job.ID)

		nextStage, ok := o.def.Next(job.Stage)
		if !ok {
			m.sessionEvent(EventSessionReady)
			return nil
		}
		next := st.jobForStage(nextStage)
		if next == nil {
			return fmt.Errorf("%w: session %s has no job for stage %s", ErrInvalidState, sessionID, nextStage)
		}
		if next.Status != pipeline.JobPending {
			return fmt.Errorf("%w: next job %s is %s", ErrInvalidState, next.ID, next.Status)
		}
		next.Status = pipeline.JobRunning
		next.Progress = 0
		next.StartedAt = timePtr(now)
		m.jobEvent(EventStageStarted, next.ID)
		m.dispatch = append(m.dispatch, next.ID)
		return nil
	})
	return err
}

// FailStage records a stage failure. Later stages stay pending: the session
// pipeline halts and is not retried.
func (o *Orchestrator) FailStage(ctx context.Context, sessionID, jobID, detail string) error {
	if strings.TrimSpace(detail) == "" {
		detail = "stage failed without detail"
	}
	if err := o.ownedJob(sessionID, jobID); err != nil {
		return err
	}
	_, err := o.mutateSession(ctx, sessionID, func(st *sessionState, now time.Time, m *mutation) error {
		job, err := runningJob(st, jobID)
		if err != nil {
			return err
		}
		job.Status = pipeline.JobFailed
		job.Error = detail
		job.CompletedAt = timePtr(now)
		m.jobEvent(EventStageFailed, job.ID)
		return nil
	})
	return err
}

// ExportSession marks a ready session as exported.
func (o *Orchestrator) ExportSession(ctx context.Context, sessionID string) (*SessionView, error) {
	st, err := o.mutateSession(ctx, sessionID, func(st *sessionState, now time.Time, m *mutation) error {
		if st.session.Status != pipeline.SessionReady {
			return fmt.Errorf("%w: session %s is %s, not ready", ErrInvalidState, sessionID, st.session.Status)
		}
		st.session.ExportedAt = timePtr(now)
		m.sessionEvent(EventSessionExported)
		return nil
	})
	if err != nil {
		return nil, err
	}
	view := newSessionView(st)
	return &view, nil
}

// FailOrphaned fails every running job. Used at boot for jobs restored from
// storage whose collaborator no longer exists.
func (o *Orchestrator) FailOrphaned(ctx context.Context, detail string) (int, error) {
	var errs []error
	failed := 0
	for _, rv := range o.store.snapshot().Releases {
		for _, sv := range rv.Sessions {
			for _, j := range sv.Jobs {
				if j.Status != pipeline.JobRunning {
					continue
				}
				if err := o.FailStage(ctx, sv.Session.ID, j.ID, detail); err != nil {
					errs = append(errs, err)
					continue
				}
				failed++
			}
		}
	}
	return failed, errors.Join(errs...)
}

func (o *Orchestrator) Snapshot() Snapshot {
	return o.store.snapshot()
}

// Session returns a copy of one session and its jobs.
func (o *Orchestrator) Session(sessionID string) (*SessionView, error) {
	slot := o.store.session(sessionID)
	if slot == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	view := newSessionView(slot.state.Load())
	return &view, nil
}

func (o *Orchestrator) Release(releaseID string) (*pipeline.Release, error) {
	slot := o.store.release(releaseID)
	if slot == nil {
		return nil, fmt.Errorf("%w: release %s", ErrNotFound, releaseID)
	}
	release := cloneRelease(slot.state.Load())
	return &release, nil
}

type mutation struct {
	jobEvents     []pendingJobEvent
	sessionEvents []EventType
	dispatch      []string
}

type pendingJobEvent struct {
	typ   EventType
	jobID string
}

func (m *mutation) jobEvent(t EventType, jobID string) {
	m.jobEvents = append(m.jobEvents, pendingJobEvent{typ: t, jobID: jobID})
}

func (m *mutation) sessionEvent(t EventType) {
	m.sessionEvents = append(m.sessionEvents, t)
}

// mutateSession is the single write path for sessions. It runs fn against a
// copy of the session under the session lock, re-derives the session status,
// bumps the owning release, persists both and only then publishes them.
// Events are delivered before the session lock is released; dispatches
// happen after.
func (o *Orchestrator) mutateSession(ctx context.Context, sessionID string, fn func(st *sessionState, now time.Time, m *mutation) error) (*sessionState, error) {
	sslot := o.store.session(sessionID)
	if sslot == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	sslot.mu.Lock()
	st := sslot.state.Load().clone()

	rslot := o.store.release(st.session.ReleaseID)
	if rslot == nil {
		sslot.mu.Unlock()
		return nil, fmt.Errorf("%w: release %s of session %s", ErrNotFound, st.session.ReleaseID, sessionID)
	}
	rslot.mu.Lock()
	release := cloneRelease(rslot.state.Load())

	unlock := func() {
		rslot.mu.Unlock()
		sslot.mu.Unlock()
	}

	now := o.now()
	var m mutation
	if err := fn(st, now, &m); err != nil {
		unlock()
		return nil, err
	}

	st.session.Status = pipeline.DeriveSessionStatus(st.jobs, st.session.ExportedAt != nil)
	st.session.UpdatedAt = laterOf(st.session.UpdatedAt, now)
	release.UpdatedAt = laterOf(release.UpdatedAt, now)

	if o.persister != nil {
		if err := o.persister.SaveSession(ctx, release, st.session, st.jobs); err != nil {
			unlock()
			return nil, fmt.Errorf("saving session %s: %w", sessionID, err)
		}
	}
	sslot.state.Store(st)
	rslot.state.Store(&release)
	rslot.mu.Unlock()

	events := make([]Event, 0, len(m.jobEvents)+len(m.sessionEvents))
	for _, pe := range m.jobEvents {
		events = append(events, jobEvent(pe.typ, st.session, *st.job(pe.jobID), now))
	}
	for _, t := range m.sessionEvents {
		events = append(events, sessionEvent(t, st.session, now))
	}
	// Delivery stays under the session lock so listeners see one session's
	// events in commit order.
	o.emit(events)
	sslot.mu.Unlock()

	for _, jobID := range m.dispatch {
		o.dispatch(o.stageRequest(release, st, st.job(jobID)))
	}
	return st, nil
}

func (o *Orchestrator) stageRequest(release pipeline.Release, st *sessionState, job *pipeline.Job) StageRequest {
	req := StageRequest{
		ReleaseID: release.ID,
		Repo:      release.Repo,
		SessionID: st.session.ID,
		JobID:     job.ID,
		Stage:     job.Stage,
		BaseRef:   st.session.BaseRef,
		HeadRef:   st.session.HeadRef,
	}
	for _, j := range st.jobs {
		if j.Status == pipeline.JobCompleted {
			req.PriorOutputs = append(req.PriorOutputs, OutputRef{Stage: j.Stage, Ref: j.OutputRef})
		}
	}
	return req
}

func (o *Orchestrator) dispatch(req StageRequest) {
	o.mu.RLock()
	d := o.dispatcher
	o.mu.RUnlock()

	if d == nil {
		logger.Warn().
			Str("session_id", req.SessionID).
			Str("stage", string(req.Stage)).
			Msg("No dispatcher configured, stage will wait for an external collaborator")
		return
	}
	d.Dispatch(req)
}

// ownedJob resolves the job through the job table and checks it belongs to
// the session.
func (o *Orchestrator) ownedJob(sessionID, jobID string) error {
	owner, ok := o.store.jobSession(jobID)
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if owner != sessionID {
		return fmt.Errorf("%w: job %s in session %s", ErrNotFound, jobID, sessionID)
	}
	return nil
}

func runningJob(st *sessionState, jobID string) (*pipeline.Job, error) {
	job := st.job(jobID)
	if job == nil {
		return nil, fmt.Errorf("%w: job %s in session %s", ErrNotFound, jobID, st.session.ID)
	}
	switch {
	case job.Status.Terminal():
		return nil, fmt.Errorf("%w: job %s already %s", ErrInvalidState, jobID, job.Status)
	case job.Status != pipeline.JobRunning:
		return nil, fmt.Errorf("%w: job %s is %s, not running", ErrInvalidState, jobID, job.Status)
	}
	return job, nil
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func laterOf(current, now time.Time) time.Time {
	if now.Before(current) {
		return current
	}
	return now
}

func timePtr(t time.Time) *time.Time {
	return &t
}
