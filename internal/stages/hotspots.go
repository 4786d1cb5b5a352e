package stages

import (
	"context"
	"sort"
	"strings"

	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
)

const DefaultHotspotLimit = 10

type Hotspot struct {
	Path  string `json:"path"`
	Churn int    `json:"churn"`
	Infra string `json:"infra,omitempty"`
}

type HotspotReport struct {
	Hotspots []Hotspot `json:"hotspots"`
	Infra    []string  `json:"infra"`
}

type AnalyzeHotspots struct {
	limit int
}

func NewAnalyzeHotspots(limit int) *AnalyzeHotspots {
	if limit <= 0 {
		limit = DefaultHotspotLimit
	}
	return &AnalyzeHotspots{limit: limit}
}

func (a *AnalyzeHotspots) Run(ctx context.Context, task Task) (orchestrator.StageOutput, error) {
	set, err := input[*ChangeSet](task.Artifacts, task.Request, pipeline.StageParseChanges)
	if err != nil {
		return orchestrator.StageOutput{}, err
	}

	report := RankHotspots(set, a.limit)
	task.progress(80)

	ref := task.Artifacts.Put(task.Request.SessionID, pipeline.StageAnalyzeHotspots, report)
	return orchestrator.StageOutput{
		Stats:     map[string]int{pipeline.StatHotspotsCount: len(report.Hotspots)},
		OutputRef: ref,
	}, nil
}

// RankHotspots orders changed files by churn, largest first, and keeps the
// top limit. Infra categories are collected over every changed file.
func RankHotspots(set *ChangeSet, limit int) *HotspotReport {
	report := &HotspotReport{Hotspots: []Hotspot{}, Infra: []string{}}
	infra := make(map[string]struct{})

	for _, f := range set.Files {
		churn := f.Changes
		if churn == 0 {
			churn = f.Additions + f.Deletions
		}
		kind := InfraCategory(f.Filename)
		if kind != "" {
			infra[kind] = struct{}{}
		}
		report.Hotspots = append(report.Hotspots, Hotspot{Path: f.Filename, Churn: churn, Infra: kind})
	}

	sort.SliceStable(report.Hotspots, func(i, j int) bool {
		if report.Hotspots[i].Churn != report.Hotspots[j].Churn {
			return report.Hotspots[i].Churn > report.Hotspots[j].Churn
		}
		return report.Hotspots[i].Path < report.Hotspots[j].Path
	})
	if len(report.Hotspots) > limit {
		report.Hotspots = report.Hotspots[:limit]
	}

	for kind := range infra {
		report.Infra = append(report.Infra, kind)
	}
	sort.Strings(report.Infra)
	return report
}

// InfraCategory classifies a path as terraform, helm, docker, ci/cd or
// kubernetes configuration, or returns "".
func InfraCategory(filename string) string {
	path := strings.ToLower(filename)

	switch {
	case strings.HasSuffix(path, ".tf") || strings.HasSuffix(path, ".tfvars") ||
		strings.Contains(path, "terraform/"):
		return "terraform"
	case strings.Contains(path, "helm/") || strings.Contains(path, "charts/") ||
		strings.HasSuffix(path, "/chart.yaml") || strings.HasSuffix(path, "/values.yaml"):
		return "helm"
	case strings.HasSuffix(path, "dockerfile") || strings.HasPrefix(path, "dockerfile") ||
		strings.Contains(path, "docker-compose"):
		return "docker"
	case strings.Contains(path, ".github/workflows/") || strings.Contains(path, ".gitlab-ci") ||
		strings.HasSuffix(path, "jenkinsfile"):
		return "ci/cd"
	case strings.Contains(path, "k8s/") || strings.Contains(path, "kubernetes/") ||
		strings.Contains(path, "kustomize/"):
		return "kubernetes"
	}
	return ""
}
