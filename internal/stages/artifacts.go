package stages

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
)

// Artifacts keeps stage outputs in memory, keyed by output ref. Refs are
// what the orchestrator records on the job and forwards to later stages.
type Artifacts struct {
	mu    sync.RWMutex
	items map[string]interface{}
}

func NewArtifacts() *Artifacts {
	return &Artifacts{items: make(map[string]interface{})}
}

func (a *Artifacts) Put(sessionID string, stage pipeline.Stage, v interface{}) string {
	ref := sessionID + "/" + string(stage)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[ref] = v
	return ref
}

func (a *Artifacts) Get(ref string) (interface{}, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.items[ref]
	return v, ok
}

// DropSession forgets every artifact of a session.
func (a *Artifacts) DropSession(sessionID string) int {
	prefix := sessionID + "/"
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for ref := range a.items {
		if strings.HasPrefix(ref, prefix) {
			delete(a.items, ref)
			n++
		}
	}
	return n
}

// input resolves the output of an earlier stage from the request's prior
// outputs.
func input[T any](artifacts *Artifacts, req orchestrator.StageRequest, stage pipeline.Stage) (T, error) {
	var zero T
	for _, out := range req.PriorOutputs {
		if out.Stage != stage {
			continue
		}
		v, ok := artifacts.Get(out.Ref)
		if !ok {
			return zero, fmt.Errorf("output %q of stage %s is no longer available", out.Ref, stage)
		}
		typed, ok := v.(T)
		if !ok {
			return zero, fmt.Errorf("output %q of stage %s has unexpected type %T", out.Ref, stage, v)
		}
		return typed, nil
	}
	return zero, fmt.Errorf("no output from stage %s", stage)
}
