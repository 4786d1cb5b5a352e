package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
	"github.com/user/release-sessions/pkg/github"
)

// ChangeSource compares two refs of a repository. *github.Client satisfies it.
type ChangeSource interface {
	CompareBranches(ctx context.Context, owner, repo, base, head string) (*github.CompareResult, error)
}

type ChangeCommit struct {
	SHA     string `json:"sha"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
	Author  string `json:"author"`
	Merge   bool   `json:"merge"`
}

type ChangeSet struct {
	Repo    string              `json:"repo"`
	BaseRef string              `json:"baseRef"`
	HeadRef string              `json:"headRef"`
	Commits []ChangeCommit      `json:"commits"`
	Files   []github.FileChange `json:"files"`
}

type ParseChanges struct {
	src ChangeSource
}

func NewParseChanges(src ChangeSource) *ParseChanges {
	return &ParseChanges{src: src}
}

func (p *ParseChanges) Run(ctx context.Context, task Task) (orchestrator.StageOutput, error) {
	req := task.Request
	owner, repo, ok := strings.Cut(req.Repo, "/")
	if !ok {
		return orchestrator.StageOutput{}, fmt.Errorf("invalid repo %q", req.Repo)
	}

	compare, err := p.src.CompareBranches(ctx, owner, repo, req.BaseRef, req.HeadRef)
	if err != nil {
		return orchestrator.StageOutput{}, fmt.Errorf("comparing %s...%s: %w", req.BaseRef, req.HeadRef, err)
	}
	task.progress(60)

	set := &ChangeSet{
		Repo:    req.Repo,
		BaseRef: req.BaseRef,
		HeadRef: req.HeadRef,
		Commits: make([]ChangeCommit, 0, len(compare.Commits)),
		Files:   compare.Files,
	}
	for _, c := range compare.Commits {
		subject, body, _ := strings.Cut(c.Commit.Message, "\n")
		author := c.Author.Login
		if author == "" {
			author = c.Commit.Author.Name
		}
		set.Commits = append(set.Commits, ChangeCommit{
			SHA:     c.SHA,
			Subject: strings.TrimSpace(subject),
			Body:    strings.TrimSpace(body),
			Author:  author,
			Merge:   c.IsMerge(),
		})
	}

	ref := task.Artifacts.Put(req.SessionID, pipeline.StageParseChanges, set)
	return orchestrator.StageOutput{
		Stats:     map[string]int{pipeline.StatChangeCount: len(set.Commits)},
		OutputRef: ref,
	}, nil
}
