package jobs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/user/release-sessions/internal/query"
)

type FormatResult struct {
	Message string
	Stale   []string
}

// FormatMessage renders running jobs grouped by release. Jobs older than
// staleAfter are listed in Stale by job id.
func FormatMessage(running []query.RunningJob, now time.Time, staleAfter time.Duration) FormatResult {
	groups := make(map[string][]query.RunningJob)
	var releaseIDs []string
	for _, rj := range running {
		if _, ok := groups[rj.Release.ID]; !ok {
			releaseIDs = append(releaseIDs, rj.Release.ID)
		}
		groups[rj.Release.ID] = append(groups[rj.Release.ID], rj)
	}
	sort.SliceStable(releaseIDs, func(i, j int) bool {
		return groups[releaseIDs[i]][0].Release.Name < groups[releaseIDs[j]][0].Release.Name
	})

	var sb strings.Builder
	var stale []string

	for i, id := range releaseIDs {
		jobs := groups[id]
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}

		rel := jobs[0].Release
		sb.WriteString(fmt.Sprintf("#### Running stages for %s (%s)\n\n", rel.Name, rel.Repo))

		sort.SliceStable(jobs, func(i, j int) bool {
			return jobAge(jobs[i], now) > jobAge(jobs[j], now)
		})

		for _, rj := range jobs {
			age := jobAge(rj, now)
			if staleAfter > 0 && age >= staleAfter {
				stale = append(stale, rj.Job.ID)
			}

			sb.WriteString(fmt.Sprintf("%s `%s` in %s _(%s...%s)_\n",
				stalenessEmoji(age, staleAfter), rj.Job.Stage, rj.Session.Name, rj.Session.BaseRef, rj.Session.HeadRef))
			sb.WriteString(fmt.Sprintf("   running for %s · %d%% done\n\n", formatDuration(age), rj.Job.Progress))
		}
	}

	if len(stale) > 0 {
		sb.WriteString("---\n\n")
		sb.WriteString(fmt.Sprintf(":warning: **%d stage(s) running longer than %s**\n", len(stale), formatDuration(staleAfter)))
	}

	return FormatResult{
		Message: sb.String(),
		Stale:   stale,
	}
}

func jobAge(rj query.RunningJob, now time.Time) time.Duration {
	if rj.Job.StartedAt == nil {
		return 0
	}
	return now.Sub(*rj.Job.StartedAt)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "under a minute"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}

func stalenessEmoji(age, staleAfter time.Duration) string {
	if staleAfter <= 0 {
		return "🟢"
	}
	switch {
	case age < staleAfter/2:
		return "🟢"
	case age < staleAfter:
		return "🟡"
	default:
		return "🔴"
	}
}
