package pipeline

import (
	"fmt"
)

type Stage string

const (
	StageParseChanges     Stage = "parse-changes"
	StageGenerateNotes    Stage = "generate-notes"
	StageAnalyzeHotspots  Stage = "analyze-hotspots"
	StageGenerateTestPlan Stage = "generate-testplan"
)

var knownStages = map[Stage]struct{}{
	StageParseChanges:     {},
	StageGenerateNotes:    {},
	StageAnalyzeHotspots:  {},
	StageGenerateTestPlan: {},
}

func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if _, ok := knownStages[stage]; !ok {
		return "", fmt.Errorf("unknown stage: %q", s)
	}
	return stage, nil
}

// StageSpec declares one stage and the stage whose output it consumes.
type StageSpec struct {
	Stage     Stage
	DependsOn Stage
}

// Definition is an ordered, strictly sequential pipeline. Build one with
// NewDefinition or use Default.
type Definition struct {
	order []Stage
	deps  map[Stage]Stage
}

var defaultDefinition = mustDefinition([]StageSpec{
	{Stage: StageParseChanges},
	{Stage: StageGenerateNotes, DependsOn: StageParseChanges},
	{Stage: StageAnalyzeHotspots, DependsOn: StageGenerateNotes},
	{Stage: StageGenerateTestPlan, DependsOn: StageAnalyzeHotspots},
})

func Default() *Definition {
	return defaultDefinition
}

func mustDefinition(specs []StageSpec) *Definition {
	def, err := NewDefinition(specs)
	if err != nil {
		panic(err)
	}
	return def
}

// NewDefinition validates specs and orders them by dependency level. Every
// level must hold exactly one stage: parallel stages are rejected.
func NewDefinition(specs []StageSpec) (*Definition, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("pipeline has no stages")
	}

	deps := make(map[Stage]Stage, len(specs))
	for _, s := range specs {
		if _, ok := knownStages[s.Stage]; !ok {
			return nil, fmt.Errorf("unknown stage: %q", s.Stage)
		}
		if _, dup := deps[s.Stage]; dup {
			return nil, fmt.Errorf("duplicate stage: %s", s.Stage)
		}
		deps[s.Stage] = s.DependsOn
	}
	for _, s := range specs {
		if s.DependsOn == "" {
			continue
		}
		if _, ok := deps[s.DependsOn]; !ok {
			return nil, fmt.Errorf("stage %s depends on undeclared stage %s", s.Stage, s.DependsOn)
		}
	}

	level := make(map[Stage]int)
	visited := make(map[Stage]bool)
	inStack := make(map[Stage]bool)

	var visit func(stage Stage) (int, error)
	visit = func(stage Stage) (int, error) {
		if inStack[stage] {
			return 0, fmt.Errorf("circular dependency detected at stage %s", stage)
		}
		if visited[stage] {
			return level[stage], nil
		}

		inStack[stage] = true

		depLevel := 0
		if dep := deps[stage]; dep != "" {
			l, err := visit(dep)
			if err != nil {
				return 0, err
			}
			depLevel = l
		}

		inStack[stage] = false
		visited[stage] = true
		level[stage] = depLevel + 1

		return level[stage], nil
	}

	order := make([]Stage, len(specs))
	for _, s := range specs {
		l, err := visit(s.Stage)
		if err != nil {
			return nil, err
		}
		if order[l-1] != "" {
			return nil, fmt.Errorf("stages %s and %s would run in parallel", order[l-1], s.Stage)
		}
		order[l-1] = s.Stage
	}

	return &Definition{order: order, deps: deps}, nil
}

func (d *Definition) Stages() []Stage {
	out := make([]Stage, len(d.order))
	copy(out, d.order)
	return out
}

// DependsOn returns the immediately preceding stage; ok is false for the
// first stage.
func (d *Definition) DependsOn(stage Stage) (Stage, bool) {
	dep, ok := d.deps[stage]
	if !ok || dep == "" {
		return "", false
	}
	return dep, true
}

func (d *Definition) Next(stage Stage) (Stage, bool) {
	i := d.Index(stage)
	if i < 0 || i+1 >= len(d.order) {
		return "", false
	}
	return d.order[i+1], true
}

// Index returns the stage position, or -1 when the stage is not declared.
func (d *Definition) Index(stage Stage) int {
	for i, s := range d.order {
		if s == stage {
			return i
		}
	}
	return -1
}

func (d *Definition) First() Stage {
	return d.order[0]
}
