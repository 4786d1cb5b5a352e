package orchestrator

import (
	"fmt"

	"github.com/user/release-sessions/internal/pipeline"
)

// State is the persisted form of the store, as returned by a Persister's
// loader. Releases are in creation order; sessions and jobs are matched by
// the id lists on their owners.
type State struct {
	Releases []pipeline.Release
	Sessions []pipeline.Session
	Jobs     []pipeline.Job
}

// Restore loads persisted state into an empty orchestrator. Session status
// is re-derived from the jobs rather than trusted from storage.
func (o *Orchestrator) Restore(state State) error {
	if !o.store.empty() {
		return fmt.Errorf("%w: restore into a non-empty store", ErrInvalidState)
	}

	sessions := make(map[string]pipeline.Session, len(state.Sessions))
	for _, s := range state.Sessions {
		sessions[s.ID] = s
	}
	jobs := make(map[string]pipeline.Job, len(state.Jobs))
	for _, j := range state.Jobs {
		jobs[j.ID] = j
	}

	for _, rel := range state.Releases {
		rel.SessionIDs = append([]string(nil), rel.SessionIDs...)
		for _, sid := range rel.SessionIDs {
			sess, ok := sessions[sid]
			if !ok {
				return fmt.Errorf("release %s references missing session %s", rel.ID, sid)
			}
			st := &sessionState{session: sess}
			st.session.JobIDs = append([]string(nil), sess.JobIDs...)
			for _, jid := range sess.JobIDs {
				job, ok := jobs[jid]
				if !ok {
					return fmt.Errorf("session %s references missing job %s", sid, jid)
				}
				st.jobs = append(st.jobs, job)
			}
			st.session.Status = pipeline.DeriveSessionStatus(st.jobs, st.session.ExportedAt != nil)
			o.store.addSession(st, false)
		}
		o.store.addRelease(rel, false)
	}
	return nil
}
