package stages

import (
	"context"
	"regexp"
	"strings"

	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
)

var conventionalSubject = regexp.MustCompile(`^(\w+)(?:\(([^)]+)\))?(!)?:\s*(.+)$`)

type Note struct {
	Type     string `json:"type"`
	Scope    string `json:"scope,omitempty"`
	Summary  string `json:"summary"`
	Breaking bool   `json:"breaking"`
	SHA      string `json:"sha"`
	Author   string `json:"author,omitempty"`
}

type ReleaseNotes struct {
	Notes []Note `json:"notes"`
}

// Breaking returns the notes flagged as breaking.
func (r *ReleaseNotes) Breaking() []Note {
	var out []Note
	for _, n := range r.Notes {
		if n.Breaking {
			out = append(out, n)
		}
	}
	return out
}

// ParseNote reads a commit subject in conventional commit form. Subjects
// that do not follow it become notes of type "other".
func ParseNote(c ChangeCommit) Note {
	note := Note{Type: "other", Summary: c.Subject, SHA: c.SHA, Author: c.Author}
	if m := conventionalSubject.FindStringSubmatch(c.Subject); m != nil {
		note.Type = strings.ToLower(m[1])
		note.Scope = m[2]
		note.Breaking = m[3] == "!"
		note.Summary = m[4]
	}
	if strings.Contains(c.Body, "BREAKING CHANGE") || strings.HasPrefix(strings.ToUpper(c.Subject), "BREAKING:") {
		note.Breaking = true
	}
	return note
}

type GenerateNotes struct{}

func (GenerateNotes) Run(ctx context.Context, task Task) (orchestrator.StageOutput, error) {
	set, err := input[*ChangeSet](task.Artifacts, task.Request, pipeline.StageParseChanges)
	if err != nil {
		return orchestrator.StageOutput{}, err
	}

	notes := &ReleaseNotes{Notes: []Note{}}
	for i, c := range set.Commits {
		if err := ctx.Err(); err != nil {
			return orchestrator.StageOutput{}, err
		}
		if c.Merge {
			continue
		}
		notes.Notes = append(notes.Notes, ParseNote(c))
		task.progress(i * 100 / len(set.Commits))
	}

	ref := task.Artifacts.Put(task.Request.SessionID, pipeline.StageGenerateNotes, notes)
	return orchestrator.StageOutput{
		Stats:     map[string]int{pipeline.StatReleaseNotesCount: len(notes.Notes)},
		OutputRef: ref,
	}, nil
}
