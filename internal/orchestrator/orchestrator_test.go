package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/orchestrator/mocks"
	"github.com/user/release-sessions/internal/pipeline"
)

type fakePersister struct {
	mu       sync.Mutex
	fail     error
	releases map[string]pipeline.Release
	sessions map[string]pipeline.Session
	jobs     map[string]pipeline.Job
}

func newFakePersister() *fakePersister {
	return &fakePersister{
		releases: make(map[string]pipeline.Release),
		sessions: make(map[string]pipeline.Session),
		jobs:     make(map[string]pipeline.Job),
	}
}

func (p *fakePersister) SaveRelease(ctx context.Context, release pipeline.Release) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.releases[release.ID] = release
	return nil
}

func (p *fakePersister) SaveSession(ctx context.Context, release pipeline.Release, session pipeline.Session, jobs []pipeline.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.releases[release.ID] = release
	p.sessions[session.ID] = session
	for _, j := range jobs {
		p.jobs[j.ID] = j
	}
	return nil
}

func (p *fakePersister) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func newRelease(t *testing.T, o *orchestrator.Orchestrator, name string) *pipeline.Release {
	t.Helper()
	rel, err := o.CreateRelease(context.Background(), orchestrator.CreateReleaseRequest{
		Name:         name,
		Repo:         "microsoft/PowerToys",
		TargetBranch: "release/0.97",
		Version:      "0.97.0",
	})
	require.NoError(t, err)
	return rel
}

func newSession(t *testing.T, o *orchestrator.Orchestrator, releaseID string) *orchestrator.SessionView {
	t.Helper()
	sess, err := o.CreateSession(context.Background(), releaseID, orchestrator.CreateSessionRequest{
		Name:    "Initial generation",
		BaseRef: "v0.96.0",
		HeadRef: "release/0.97",
	})
	require.NoError(t, err)
	return sess
}

func statuses(jobs []pipeline.Job) []pipeline.JobStatus {
	out := make([]pipeline.JobStatus, len(jobs))
	for i, j := range jobs {
		out[i] = j.Status
	}
	return out
}

func TestCreateRelease_Defaults(t *testing.T) {
	o := orchestrator.New()

	rel, err := o.CreateRelease(context.Background(), orchestrator.CreateReleaseRequest{Repo: "org/repo"})

	require.NoError(t, err)
	require.NotEmpty(t, rel.ID)
	require.Equal(t, "New Release", rel.Name)
	require.Equal(t, "main", rel.TargetBranch)
	require.Equal(t, "1.0.0", rel.Version)
	require.Equal(t, pipeline.ReleaseActive, rel.Status)
	require.Empty(t, rel.SessionIDs)
}

func TestCreateRelease_InvalidRepo(t *testing.T) {
	type tc struct {
		name string
		repo string
	}

	cases := []tc{
		{name: "empty", repo: ""},
		{name: "no owner", repo: "/repo"},
		{name: "no slash", repo: "repo"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := orchestrator.New().CreateRelease(context.Background(), orchestrator.CreateReleaseRequest{Repo: c.repo})

			require.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
		})
	}
}

func TestCreateSession_StartsFirstStage(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "0.97.x Release")

	sess := newSession(t, o, rel.ID)

	require.Len(t, sess.Jobs, 4)
	require.Equal(t, []pipeline.JobStatus{pipeline.JobRunning, pipeline.JobPending, pipeline.JobPending, pipeline.JobPending}, statuses(sess.Jobs))
	require.Equal(t, 0, sess.Jobs[0].Progress)
	require.NotNil(t, sess.Jobs[0].StartedAt)
	require.Nil(t, sess.Jobs[1].StartedAt)
	require.Equal(t, pipeline.SessionGenerating, sess.Session.Status)
	require.Equal(t, rel.ID, sess.Session.ReleaseID)
	for i, stage := range pipeline.Default().Stages() {
		require.Equal(t, stage, sess.Jobs[i].Stage)
		require.Equal(t, sess.Session.ID, sess.Jobs[i].SessionID)
	}

	got, err := o.Release(rel.ID)
	require.NoError(t, err)
	require.Equal(t, []string{sess.Session.ID}, got.SessionIDs)
	require.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestCreateSession_Errors(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	archived := newRelease(t, o, "old")
	_, err := o.ArchiveRelease(context.Background(), archived.ID)
	require.NoError(t, err)

	type tc struct {
		name      string
		releaseID string
		req       orchestrator.CreateSessionRequest
		wantErr   error
	}

	cases := []tc{
		{name: "unknown release", releaseID: "missing", req: orchestrator.CreateSessionRequest{BaseRef: "a", HeadRef: "b"}, wantErr: orchestrator.ErrNotFound},
		{name: "unknown release and missing refs", releaseID: "missing", req: orchestrator.CreateSessionRequest{}, wantErr: orchestrator.ErrNotFound},
		{name: "missing base", releaseID: rel.ID, req: orchestrator.CreateSessionRequest{HeadRef: "b"}, wantErr: orchestrator.ErrInvalidRequest},
		{name: "archived release", releaseID: archived.ID, req: orchestrator.CreateSessionRequest{BaseRef: "a", HeadRef: "b"}, wantErr: orchestrator.ErrInvalidState},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := o.CreateSession(context.Background(), c.releaseID, c.req)

			require.ErrorIs(t, err, c.wantErr)
		})
	}
}

func TestCompleteStage_GatesNextStage(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)

	err := o.CompleteStage(context.Background(), sess.Session.ID, sess.Jobs[0].ID, orchestrator.StageOutput{
		Stats: map[string]int{pipeline.StatChangeCount: 128},
	})
	require.NoError(t, err)

	got, err := o.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, []pipeline.JobStatus{pipeline.JobCompleted, pipeline.JobRunning, pipeline.JobPending, pipeline.JobPending}, statuses(got.Jobs))
	require.Equal(t, 100, got.Jobs[0].Progress)
	require.NotNil(t, got.Jobs[0].CompletedAt)
	require.NotNil(t, got.Jobs[1].StartedAt)
	require.Equal(t, 0, got.Jobs[1].Progress)
	require.Equal(t, 128, got.Session.Stats.ChangeCount)
	require.Equal(t, pipeline.SessionGenerating, got.Session.Status)
}

func TestCompleteStage_AllStagesMakesSessionReady(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)

	outputs := []map[string]int{
		{pipeline.StatChangeCount: 128},
		{pipeline.StatReleaseNotesCount: 45},
		{pipeline.StatHotspotsCount: 8},
		{pipeline.StatTestCasesCount: 32},
	}
	for i, job := range sess.Jobs {
		require.NoError(t, o.CompleteStage(context.Background(), sess.Session.ID, job.ID, orchestrator.StageOutput{Stats: outputs[i]}))
	}

	got, err := o.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.SessionReady, got.Session.Status)
	require.Equal(t, pipeline.Stats{ChangeCount: 128, ReleaseNotesCount: 45, HotspotsCount: 8, TestCasesCount: 32}, got.Session.Stats)
	for _, j := range got.Jobs {
		require.Equal(t, pipeline.JobCompleted, j.Status)
		require.Equal(t, 100, j.Progress)
	}
}

func TestFailStage_HaltsPipeline(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)
	ctx := context.Background()

	require.NoError(t, o.CompleteStage(ctx, sess.Session.ID, sess.Jobs[0].ID, orchestrator.StageOutput{}))
	require.NoError(t, o.FailStage(ctx, sess.Session.ID, sess.Jobs[1].ID, "timeout"))

	got, err := o.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, []pipeline.JobStatus{pipeline.JobCompleted, pipeline.JobFailed, pipeline.JobPending, pipeline.JobPending}, statuses(got.Jobs))
	require.Equal(t, "timeout", got.Jobs[1].Error)
	require.NotNil(t, got.Jobs[1].CompletedAt)
	require.Equal(t, pipeline.SessionGenerating, got.Session.Status)

	require.ErrorIs(t, o.CompleteStage(ctx, sess.Session.ID, sess.Jobs[1].ID, orchestrator.StageOutput{}), orchestrator.ErrInvalidState)
	require.ErrorIs(t, o.ReportProgress(ctx, sess.Session.ID, sess.Jobs[2].ID, 10), orchestrator.ErrInvalidState)
	require.ErrorIs(t, o.FailStage(ctx, sess.Session.ID, sess.Jobs[1].ID, "again"), orchestrator.ErrInvalidState)
}

func TestFailStage_EmptyDetail(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)

	require.NoError(t, o.FailStage(context.Background(), sess.Session.ID, sess.Jobs[0].ID, "  "))

	got, err := o.Session(sess.Session.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Jobs[0].Error)
}

func TestReportProgress(t *testing.T) {
	type tc struct {
		name     string
		progress []int
		wantErr  error
		want     int
	}

	cases := []tc{
		{name: "increasing", progress: []int{10, 40, 65}, want: 65},
		{name: "repeated value", progress: []int{30, 30}, want: 30},
		{name: "decreasing", progress: []int{50, 20}, wantErr: orchestrator.ErrInvalidState, want: 50},
		{name: "reserved 100", progress: []int{100}, wantErr: orchestrator.ErrInvalidState},
		{name: "negative", progress: []int{-1}, wantErr: orchestrator.ErrInvalidState},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			o := orchestrator.New()
			rel := newRelease(t, o, "r")
			sess := newSession(t, o, rel.ID)

			var err error
			for _, p := range c.progress {
				err = o.ReportProgress(context.Background(), sess.Session.ID, sess.Jobs[0].ID, p)
			}

			if c.wantErr != nil {
				require.ErrorIs(t, err, c.wantErr)
			} else {
				require.NoError(t, err)
			}
			got, err := o.Session(sess.Session.ID)
			require.NoError(t, err)
			require.Equal(t, c.want, got.Jobs[0].Progress)
			require.Equal(t, pipeline.JobRunning, got.Jobs[0].Status)
		})
	}
}

func TestMutations_NotFound(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)
	other := newSession(t, o, rel.ID)
	ctx := context.Background()

	require.ErrorIs(t, o.ReportProgress(ctx, "missing", sess.Jobs[0].ID, 1), orchestrator.ErrNotFound)
	require.ErrorIs(t, o.ReportProgress(ctx, sess.Session.ID, "missing", 1), orchestrator.ErrNotFound)
	require.ErrorIs(t, o.CompleteStage(ctx, sess.Session.ID, other.Jobs[0].ID, orchestrator.StageOutput{}), orchestrator.ErrNotFound)
	require.ErrorIs(t, o.FailStage(ctx, "missing", "missing", "x"), orchestrator.ErrNotFound)
	require.ErrorIs(t, o.FailStage(ctx, other.Session.ID, sess.Jobs[0].ID, "x"), orchestrator.ErrNotFound)
	require.ErrorIs(t, o.ReportProgress(ctx, "missing", other.Jobs[0].ID, 1), orchestrator.ErrNotFound)
	_, err := o.ExportSession(ctx, "missing")
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
	_, err = o.ArchiveRelease(ctx, "missing")
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestCompleteStage_UnknownStatRejected(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)

	err := o.CompleteStage(context.Background(), sess.Session.ID, sess.Jobs[0].ID, orchestrator.StageOutput{
		Stats: map[string]int{"linesOfCode": 5},
	})

	require.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
	got, err := o.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobRunning, got.Jobs[0].Status)
}

func TestExportSession(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)
	ctx := context.Background()

	_, err := o.ExportSession(ctx, sess.Session.ID)
	require.ErrorIs(t, err, orchestrator.ErrInvalidState)

	for _, job := range sess.Jobs {
		require.NoError(t, o.CompleteStage(ctx, sess.Session.ID, job.ID, orchestrator.StageOutput{}))
	}

	exported, err := o.ExportSession(ctx, sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.SessionExported, exported.Session.Status)
	require.NotNil(t, exported.Session.ExportedAt)

	_, err = o.ExportSession(ctx, sess.Session.ID)
	require.ErrorIs(t, err, orchestrator.ErrInvalidState)
}

func TestArchiveRelease(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)
	ctx := context.Background()

	archived, err := o.ArchiveRelease(ctx, rel.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.ReleaseArchived, archived.Status)

	_, err = o.ArchiveRelease(ctx, rel.ID)
	require.ErrorIs(t, err, orchestrator.ErrInvalidState)

	got, err := o.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, sess.Session.ID, got.Session.ID)
}

func TestMutations_BumpReleaseUpdatedAt(t *testing.T) {
	base := time.Date(2024, 12, 18, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	o := orchestrator.New(orchestrator.WithClock(clock))
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)

	before, err := o.Release(rel.ID)
	require.NoError(t, err)

	require.NoError(t, o.ReportProgress(context.Background(), sess.Session.ID, sess.Jobs[0].ID, 20))

	after, err := o.Release(rel.ID)
	require.NoError(t, err)
	require.True(t, after.UpdatedAt.After(before.UpdatedAt))
	require.False(t, after.UpdatedAt.Before(after.CreatedAt))

	got, err := o.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, after.UpdatedAt, got.Session.UpdatedAt)
}

func TestDispatcher_ReceivesStageRequests(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	o := orchestrator.New()
	dispatcher := mocks.NewMockDispatcher(ctrl)
	o.SetDispatcher(dispatcher)
	rel := newRelease(t, o, "r")

	var requests []orchestrator.StageRequest
	dispatcher.EXPECT().
		Dispatch(gomock.Any()).
		Do(func(req orchestrator.StageRequest) {
			requests = append(requests, req)
		}).
		Times(2)

	sess := newSession(t, o, rel.ID)
	require.NoError(t, o.CompleteStage(context.Background(), sess.Session.ID, sess.Jobs[0].ID, orchestrator.StageOutput{
		Stats:     map[string]int{pipeline.StatChangeCount: 3},
		OutputRef: "changes/abc",
	}))

	require.Len(t, requests, 2)
	require.Equal(t, pipeline.StageParseChanges, requests[0].Stage)
	require.Equal(t, "microsoft/PowerToys", requests[0].Repo)
	require.Equal(t, "v0.96.0", requests[0].BaseRef)
	require.Equal(t, "release/0.97", requests[0].HeadRef)
	require.Empty(t, requests[0].PriorOutputs)

	require.Equal(t, pipeline.StageGenerateNotes, requests[1].Stage)
	require.Equal(t, sess.Jobs[1].ID, requests[1].JobID)
	require.Equal(t, []orchestrator.OutputRef{{Stage: pipeline.StageParseChanges, Ref: "changes/abc"}}, requests[1].PriorOutputs)
}

func TestDispatcher_NotCalledAfterFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	o := orchestrator.New()
	dispatcher := mocks.NewMockDispatcher(ctrl)
	o.SetDispatcher(dispatcher)
	rel := newRelease(t, o, "r")

	dispatcher.EXPECT().Dispatch(gomock.Any()).Times(1)

	sess := newSession(t, o, rel.ID)
	require.NoError(t, o.FailStage(context.Background(), sess.Session.ID, sess.Jobs[0].ID, "compare failed"))
}

func TestEvents_EmittedInOrder(t *testing.T) {
	o := orchestrator.New()
	var events []orchestrator.Event
	o.OnEvent(func(ev orchestrator.Event) {
		events = append(events, ev)
	})
	o.OnEvent(func(ev orchestrator.Event) {
		panic("listener bug")
	})

	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)
	ctx := context.Background()
	for _, job := range sess.Jobs {
		require.NoError(t, o.CompleteStage(ctx, sess.Session.ID, job.ID, orchestrator.StageOutput{}))
	}

	var types []orchestrator.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []orchestrator.EventType{
		orchestrator.EventReleaseCreated,
		orchestrator.EventSessionCreated,
		orchestrator.EventStageStarted,
		orchestrator.EventStageCompleted,
		orchestrator.EventStageStarted,
		orchestrator.EventStageCompleted,
		orchestrator.EventStageStarted,
		orchestrator.EventStageCompleted,
		orchestrator.EventStageStarted,
		orchestrator.EventStageCompleted,
		orchestrator.EventSessionReady,
	}, types)

	last := events[len(events)-1]
	require.Equal(t, pipeline.SessionReady, last.SessionStatus)
	require.Equal(t, sess.Session.ID, last.SessionID)
}

func TestPersister_FailureAbortsMutation(t *testing.T) {
	p := newFakePersister()
	o := orchestrator.New(orchestrator.WithPersister(p))
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)
	ctx := context.Background()

	p.setFail(errors.New("disk full"))

	err := o.CompleteStage(ctx, sess.Session.ID, sess.Jobs[0].ID, orchestrator.StageOutput{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")

	got, err := o.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobRunning, got.Jobs[0].Status)

	_, err = o.CreateSession(ctx, rel.ID, orchestrator.CreateSessionRequest{BaseRef: "a", HeadRef: "b"})
	require.Error(t, err)
	current, err := o.Release(rel.ID)
	require.NoError(t, err)
	require.Len(t, current.SessionIDs, 1)
}

func TestPersister_ReceivesCommittedState(t *testing.T) {
	p := newFakePersister()
	o := orchestrator.New(orchestrator.WithPersister(p))
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)

	require.NoError(t, o.CompleteStage(context.Background(), sess.Session.ID, sess.Jobs[0].ID, orchestrator.StageOutput{
		Stats: map[string]int{pipeline.StatChangeCount: 7},
	}))

	require.Equal(t, 7, p.sessions[sess.Session.ID].Stats.ChangeCount)
	require.Equal(t, pipeline.JobCompleted, p.jobs[sess.Jobs[0].ID].Status)
	require.Equal(t, pipeline.JobRunning, p.jobs[sess.Jobs[1].ID].Status)
	require.Equal(t, []string{sess.Session.ID}, p.releases[rel.ID].SessionIDs)
}

func TestRestore(t *testing.T) {
	source := orchestrator.New()
	rel := newRelease(t, source, "r")
	sess := newSession(t, source, rel.ID)
	require.NoError(t, source.CompleteStage(context.Background(), sess.Session.ID, sess.Jobs[0].ID, orchestrator.StageOutput{}))

	var state orchestrator.State
	for _, rv := range source.Snapshot().Releases {
		state.Releases = append(state.Releases, rv.Release)
		for _, sv := range rv.Sessions {
			drifted := sv.Session
			drifted.Status = pipeline.SessionReady
			state.Sessions = append(state.Sessions, drifted)
			state.Jobs = append(state.Jobs, sv.Jobs...)
		}
	}

	restored := orchestrator.New()
	require.NoError(t, restored.Restore(state))

	got, err := restored.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.SessionGenerating, got.Session.Status)
	require.Equal(t, pipeline.JobRunning, got.Jobs[1].Status)

	require.ErrorIs(t, restored.Restore(state), orchestrator.ErrInvalidState)

	failed, err := restored.FailOrphaned(context.Background(), "interrupted by restart")
	require.NoError(t, err)
	require.Equal(t, 1, failed)
	got, err = restored.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobFailed, got.Jobs[1].Status)
	require.Equal(t, "interrupted by restart", got.Jobs[1].Error)
}

func TestRestore_MissingSession(t *testing.T) {
	err := orchestrator.New().Restore(orchestrator.State{
		Releases: []pipeline.Release{{ID: "rel-1", SessionIDs: []string{"sess-1"}}},
	})

	require.Error(t, err)
	require.Contains(t, err.Error(), "missing session")
}

func TestConcurrentSessions_Invariants(t *testing.T) {
	o := orchestrator.New()
	ctx := context.Background()

	const sessions = 8
	views := make([]*orchestrator.SessionView, 0, sessions)
	for i := 0; i < sessions; i++ {
		rel := newRelease(t, o, fmt.Sprintf("r%d", i))
		views = append(views, newSession(t, o, rel.ID))
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, rv := range o.Snapshot().Releases {
				for _, sv := range rv.Sessions {
					running := 0
					for _, j := range sv.Jobs {
						if j.Status == pipeline.JobRunning {
							running++
						}
						if j.Status == pipeline.JobCompleted && j.Progress != 100 {
							t.Errorf("completed job %s has progress %d", j.ID, j.Progress)
						}
					}
					if running > 1 {
						t.Errorf("session %s has %d running jobs", sv.Session.ID, running)
					}
					if derived := pipeline.DeriveSessionStatus(sv.Jobs, sv.Session.ExportedAt != nil); derived != sv.Session.Status {
						t.Errorf("session %s status %s drifted from %s", sv.Session.ID, sv.Session.Status, derived)
					}
				}
			}
		}
	}()

	var writers sync.WaitGroup
	for _, v := range views {
		writers.Add(1)
		go func(v *orchestrator.SessionView) {
			defer writers.Done()
			for _, job := range v.Jobs {
				var progress sync.WaitGroup
				for p := 1; p <= 4; p++ {
					progress.Add(1)
					go func(p int) {
						defer progress.Done()
						// concurrent reports may arrive out of order; rejections are expected
						_ = o.ReportProgress(ctx, v.Session.ID, job.ID, p*20)
					}(p)
				}
				progress.Wait()
				if err := o.CompleteStage(ctx, v.Session.ID, job.ID, orchestrator.StageOutput{}); err != nil {
					t.Errorf("complete %s: %v", job.ID, err)
				}
			}
		}(v)
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	for _, v := range views {
		got, err := o.Session(v.Session.ID)
		require.NoError(t, err)
		require.Equal(t, pipeline.SessionReady, got.Session.Status)
	}
}

func TestCompleteStage_NegativeStatRejected(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)

	err := o.CompleteStage(context.Background(), sess.Session.ID, sess.Jobs[0].ID, orchestrator.StageOutput{
		Stats: map[string]int{pipeline.StatChangeCount: -1},
	})

	require.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
}

func TestFinishedJob_RejectsCallbacks(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)
	ctx := context.Background()
	require.NoError(t, o.CompleteStage(ctx, sess.Session.ID, sess.Jobs[0].ID, orchestrator.StageOutput{}))

	err := o.FailStage(ctx, sess.Session.ID, sess.Jobs[0].ID, "late")

	require.ErrorIs(t, err, orchestrator.ErrInvalidState)
	require.Contains(t, err.Error(), "already completed")
}

func TestWithDefinition_CustomPipeline(t *testing.T) {
	def, err := pipeline.NewDefinition([]pipeline.StageSpec{
		{Stage: pipeline.StageParseChanges},
		{Stage: pipeline.StageGenerateNotes, DependsOn: pipeline.StageParseChanges},
	})
	require.NoError(t, err)
	o := orchestrator.New(orchestrator.WithDefinition(def))
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)
	ctx := context.Background()

	require.Len(t, sess.Jobs, 2)
	for _, job := range sess.Jobs {
		require.NoError(t, o.CompleteStage(ctx, sess.Session.ID, job.ID, orchestrator.StageOutput{}))
	}

	got, err := o.Session(sess.Session.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.SessionReady, got.Session.Status)
}

func TestEvents_SessionDeliveryFollowsCommitOrder(t *testing.T) {
	o := orchestrator.New()
	rel := newRelease(t, o, "r")
	sess := newSession(t, o, rel.ID)
	ctx := context.Background()
	jobID := sess.Jobs[0].ID

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var seen []string
	o.OnEvent(func(ev orchestrator.Event) {
		if ev.Type == orchestrator.EventStageProgress {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s/%s", ev.Type, ev.JobStatus))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, o.ReportProgress(ctx, sess.Session.ID, jobID, 40))
	}()
	<-entered

	completed := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(completed)
		require.NoError(t, o.CompleteStage(ctx, sess.Session.ID, jobID, orchestrator.StageOutput{}))
	}()

	require.Never(t, func() bool {
		select {
		case <-completed:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, []string{
		"stage_progress/running",
		"stage_completed/completed",
		"stage_started/running",
	}, seen)
}
