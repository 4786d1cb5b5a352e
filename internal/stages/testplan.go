package stages

import (
	"context"
	"fmt"

	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
)

type TestCase struct {
	Title  string `json:"title"`
	Source string `json:"source"`
	Ref    string `json:"ref"`
}

type TestPlan struct {
	Cases []TestCase `json:"cases"`
}

type GenerateTestPlan struct{}

func (GenerateTestPlan) Run(ctx context.Context, task Task) (orchestrator.StageOutput, error) {
	report, err := input[*HotspotReport](task.Artifacts, task.Request, pipeline.StageAnalyzeHotspots)
	if err != nil {
		return orchestrator.StageOutput{}, err
	}
	notes, err := input[*ReleaseNotes](task.Artifacts, task.Request, pipeline.StageGenerateNotes)
	if err != nil {
		return orchestrator.StageOutput{}, err
	}

	plan := BuildTestPlan(report, notes)
	task.progress(90)

	ref := task.Artifacts.Put(task.Request.SessionID, pipeline.StageGenerateTestPlan, plan)
	return orchestrator.StageOutput{
		Stats:     map[string]int{pipeline.StatTestCasesCount: len(plan.Cases)},
		OutputRef: ref,
	}, nil
}

// BuildTestPlan emits one case per hotspot and one per feature or breaking
// note.
func BuildTestPlan(report *HotspotReport, notes *ReleaseNotes) *TestPlan {
	plan := &TestPlan{Cases: []TestCase{}}
	for _, h := range report.Hotspots {
		title := fmt.Sprintf("Regression check for %s", h.Path)
		if h.Infra != "" {
			title = fmt.Sprintf("Verify %s deployment change in %s", h.Infra, h.Path)
		}
		plan.Cases = append(plan.Cases, TestCase{Title: title, Source: "hotspot", Ref: h.Path})
	}
	for _, n := range notes.Notes {
		switch {
		case n.Breaking:
			plan.Cases = append(plan.Cases, TestCase{Title: "Validate migration path: " + n.Summary, Source: "breaking", Ref: n.SHA})
		case n.Type == "feat":
			plan.Cases = append(plan.Cases, TestCase{Title: "Exercise new behavior: " + n.Summary, Source: "feature", Ref: n.SHA})
		}
	}
	return plan
}
