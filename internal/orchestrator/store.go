package orchestrator

import (
	"sync"
	"sync/atomic"

	"github.com/user/release-sessions/internal/pipeline"
)

// sessionState is an immutable session snapshot: a session and its jobs in
// stage order. Writers clone, modify and swap it under the slot lock.
type sessionState struct {
	session pipeline.Session
	jobs    []pipeline.Job
}

func (s *sessionState) clone() *sessionState {
	out := &sessionState{
		session: s.session,
		jobs:    make([]pipeline.Job, len(s.jobs)),
	}
	out.session.JobIDs = append([]string(nil), s.session.JobIDs...)
	copy(out.jobs, s.jobs)
	return out
}

func (s *sessionState) job(id string) *pipeline.Job {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return &s.jobs[i]
		}
	}
	return nil
}

func (s *sessionState) jobForStage(stage pipeline.Stage) *pipeline.Job {
	for i := range s.jobs {
		if s.jobs[i].Stage == stage {
			return &s.jobs[i]
		}
	}
	return nil
}

func cloneRelease(r *pipeline.Release) pipeline.Release {
	out := *r
	out.SessionIDs = append([]string(nil), r.SessionIDs...)
	return out
}

type releaseSlot struct {
	mu    sync.Mutex
	state atomic.Pointer[pipeline.Release]
}

type sessionSlot struct {
	mu    sync.Mutex
	state atomic.Pointer[sessionState]
}

// store indexes releases, sessions and jobs by id. The index lock only
// guards the tables; entity contents are guarded by their slot locks and
// published through atomic pointers so readers never block writers.
type store struct {
	mu           sync.RWMutex
	releaseOrder []string
	releases     map[string]*releaseSlot
	sessions     map[string]*sessionSlot
	jobs         map[string]string
}

func newStore() *store {
	return &store{
		releases: make(map[string]*releaseSlot),
		sessions: make(map[string]*sessionSlot),
		jobs:     make(map[string]string),
	}
}

func (s *store) release(id string) *releaseSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.releases[id]
}

func (s *store) session(id string) *sessionSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// addRelease publishes a new release slot. With held set the slot is locked
// before it becomes visible and the caller must unlock it.
func (s *store) addRelease(r pipeline.Release, held bool) *releaseSlot {
	slot := &releaseSlot{}
	slot.state.Store(&r)
	if held {
		slot.mu.Lock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[r.ID] = slot
	s.releaseOrder = append(s.releaseOrder, r.ID)
	return slot
}

func (s *store) addSession(st *sessionState, held bool) *sessionSlot {
	slot := &sessionSlot{}
	slot.state.Store(st)
	if held {
		slot.mu.Lock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[st.session.ID] = slot
	for _, j := range st.jobs {
		s.jobs[j.ID] = st.session.ID
	}
	return slot
}

// jobSession returns the id of the session owning a job.
func (s *store) jobSession(jobID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sid, ok := s.jobs[jobID]
	return sid, ok
}

func (s *store) empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.releases) == 0
}

// snapshot loads every published release and session pointer under the
// index read lock. Each session view is internally consistent.
func (s *store) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Snapshot{Releases: make([]ReleaseView, 0, len(s.releaseOrder))}
	for _, id := range s.releaseOrder {
		rel := cloneRelease(s.releases[id].state.Load())
		view := ReleaseView{Release: rel, Sessions: make([]SessionView, 0, len(rel.SessionIDs))}
		for _, sid := range rel.SessionIDs {
			slot, ok := s.sessions[sid]
			if !ok {
				continue
			}
			view.Sessions = append(view.Sessions, newSessionView(slot.state.Load()))
		}
		out.Releases = append(out.Releases, view)
	}
	return out
}

func newSessionView(st *sessionState) SessionView {
	c := st.clone()
	return SessionView{Session: c.session, Jobs: c.jobs}
}

// Snapshot is a read-only copy of the whole store in creation order.
type Snapshot struct {
	Releases []ReleaseView
}

type ReleaseView struct {
	Release  pipeline.Release
	Sessions []SessionView
}

type SessionView struct {
	Session pipeline.Session
	Jobs    []pipeline.Job
}
