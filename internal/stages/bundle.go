package stages

import (
	"fmt"
	"strings"

	"github.com/user/release-sessions/internal/pipeline"
)

// OutputSource resolves an output ref. *Artifacts satisfies it.
type OutputSource interface {
	Get(ref string) (interface{}, bool)
}

// Bundle is the exported form of a session: its metadata and every stage
// output still held in memory. Missing lists completed stages whose output
// is gone, e.g. after a restart.
type Bundle struct {
	Release  pipeline.Release `json:"release"`
	Session  pipeline.Session `json:"session"`
	Jobs     []pipeline.Job   `json:"jobs"`
	Changes  *ChangeSet       `json:"changes,omitempty"`
	Notes    *ReleaseNotes    `json:"releaseNotes,omitempty"`
	Hotspots *HotspotReport   `json:"hotspots,omitempty"`
	TestPlan *TestPlan        `json:"testPlan,omitempty"`
	Missing  []pipeline.Stage `json:"missing,omitempty"`
}

func BuildBundle(release pipeline.Release, session pipeline.Session, jobs []pipeline.Job, src OutputSource) *Bundle {
	b := &Bundle{Release: release, Session: session, Jobs: jobs}
	for _, job := range jobs {
		if job.Status != pipeline.JobCompleted {
			continue
		}
		var v interface{}
		var ok bool
		if src != nil && job.OutputRef != "" {
			v, ok = src.Get(job.OutputRef)
		}

		switch out := v.(type) {
		case *ChangeSet:
			b.Changes = out
		case *ReleaseNotes:
			b.Notes = out
		case *HotspotReport:
			b.Hotspots = out
		case *TestPlan:
			b.TestPlan = out
		default:
			ok = false
		}
		if !ok {
			b.Missing = append(b.Missing, job.Stage)
		}
	}
	return b
}

// Markdown renders the bundle as a release document.
func (b *Bundle) Markdown() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# %s %s\n\n", b.Release.Name, b.Release.Version))
	sb.WriteString(fmt.Sprintf("%s: `%s...%s` (%s)\n\n", b.Release.Repo, b.Session.BaseRef, b.Session.HeadRef, b.Session.Name))

	if b.Notes != nil {
		sb.WriteString("## Release notes\n\n")
		if breaking := b.Notes.Breaking(); len(breaking) > 0 {
			sb.WriteString("### Breaking changes\n\n")
			for _, n := range breaking {
				sb.WriteString(fmt.Sprintf("- %s\n", noteLine(n)))
			}
			sb.WriteString("\n")
		}
		for _, n := range b.Notes.Notes {
			if n.Breaking {
				continue
			}
			sb.WriteString(fmt.Sprintf("- **%s** %s\n", n.Type, noteLine(n)))
		}
		sb.WriteString("\n")
	}

	if b.Hotspots != nil {
		sb.WriteString("## Hotspots\n\n| File | Churn | Infra |\n|---|---|---|\n")
		for _, h := range b.Hotspots.Hotspots {
			sb.WriteString(fmt.Sprintf("| `%s` | %d | %s |\n", h.Path, h.Churn, h.Infra))
		}
		sb.WriteString("\n")
	}

	if b.TestPlan != nil {
		sb.WriteString("## Test plan\n\n")
		for _, c := range b.TestPlan.Cases {
			sb.WriteString(fmt.Sprintf("- [ ] %s _(%s)_\n", c.Title, c.Source))
		}
		sb.WriteString("\n")
	}

	if b.Changes != nil {
		sb.WriteString(fmt.Sprintf("## Changes\n\n%d commits, %d files\n\n", len(b.Changes.Commits), len(b.Changes.Files)))
	}

	if len(b.Missing) > 0 {
		missing := make([]string, len(b.Missing))
		for i, s := range b.Missing {
			missing[i] = string(s)
		}
		sb.WriteString(fmt.Sprintf(":warning: Outputs no longer available: %s\n", strings.Join(missing, ", ")))
	}
	return sb.String()
}

func noteLine(n Note) string {
	line := n.Summary
	if n.Scope != "" {
		line = fmt.Sprintf("%s: %s", n.Scope, line)
	}
	if len(n.SHA) >= 7 {
		line += fmt.Sprintf(" (%s)", n.SHA[:7])
	}
	return line
}
