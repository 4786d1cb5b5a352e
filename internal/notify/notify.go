package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/user/release-sessions/internal/logger"
	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
)

// Poster delivers a message to a chat channel. *mattermost.Webhook satisfies it.
type Poster interface {
	Post(ctx context.Context, message string) error
}

// Lookup resolves the entities an event refers to.
type Lookup interface {
	Release(releaseID string) (*pipeline.Release, error)
	Session(sessionID string) (*orchestrator.SessionView, error)
}

// Notifier posts to Mattermost when a session becomes ready, is exported or
// when a stage fails. Posting happens off the orchestrator goroutine.
type Notifier struct {
	poster       Poster
	lookup       Lookup
	dashboardURL string
	timeout      time.Duration
	async        bool
}

type Option func(*Notifier)

func WithDashboardURL(url string) Option {
	return func(n *Notifier) { n.dashboardURL = strings.TrimRight(url, "/") }
}

// Synchronous posts on the calling goroutine. Used in tests.
func Synchronous() Option {
	return func(n *Notifier) { n.async = false }
}

func New(poster Poster, lookup Lookup, opts ...Option) *Notifier {
	n := &Notifier{
		poster:  poster,
		lookup:  lookup,
		timeout: 10 * time.Second,
		async:   true,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// HandleEvent is an orchestrator listener.
func (n *Notifier) HandleEvent(ev orchestrator.Event) {
	msg, ok := n.Format(ev)
	if !ok {
		return
	}
	if !n.async {
		n.post(ev, msg)
		return
	}
	go n.post(ev, msg)
}

func (n *Notifier) post(ev orchestrator.Event, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := n.poster.Post(ctx, msg); err != nil {
		logger.Error().
			Err(err).
			Str("event", string(ev.Type)).
			Str("session_id", ev.SessionID).
			Msg("Failed to post notification")
	}
}

// Format renders the message for an event, or reports false for events that
// are not announced.
func (n *Notifier) Format(ev orchestrator.Event) (string, bool) {
	switch ev.Type {
	case orchestrator.EventSessionReady, orchestrator.EventSessionExported, orchestrator.EventStageFailed:
	default:
		return "", false
	}

	release, err := n.lookup.Release(ev.ReleaseID)
	if err != nil {
		logger.Warn().Err(err).Str("release_id", ev.ReleaseID).Msg("Skipping notification")
		return "", false
	}
	session, err := n.lookup.Session(ev.SessionID)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", ev.SessionID).Msg("Skipping notification")
		return "", false
	}

	var sb strings.Builder
	switch ev.Type {
	case orchestrator.EventSessionReady:
		sb.WriteString(fmt.Sprintf("#### :white_check_mark: %s %s: session ready\n\n", release.Name, release.Version))
	case orchestrator.EventSessionExported:
		sb.WriteString(fmt.Sprintf("#### :package: %s %s: session exported\n\n", release.Name, release.Version))
	case orchestrator.EventStageFailed:
		sb.WriteString(fmt.Sprintf("#### :x: %s %s: stage `%s` failed\n\n", release.Name, release.Version, ev.Stage))
	}

	sb.WriteString(fmt.Sprintf("**%s** (`%s...%s`) on `%s`\n", session.Session.Name, session.Session.BaseRef, session.Session.HeadRef, release.Repo))

	if ev.Type == orchestrator.EventStageFailed {
		sb.WriteString(fmt.Sprintf("\n> %s\n", ev.Detail))
	} else {
		stats := session.Session.Stats
		sb.WriteString("\n| Changes | Notes | Hotspots | Test cases |\n|---|---|---|---|\n")
		sb.WriteString(fmt.Sprintf("| %d | %d | %d | %d |\n", stats.ChangeCount, stats.ReleaseNotesCount, stats.HotspotsCount, stats.TestCasesCount))
	}

	if n.dashboardURL != "" {
		sb.WriteString(fmt.Sprintf("\n[Open session](%s/sessions/%s)\n", n.dashboardURL, ev.SessionID))
	}
	return sb.String(), true
}
