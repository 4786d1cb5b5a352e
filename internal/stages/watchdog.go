package stages

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/release-sessions/internal/logger"
	"github.com/user/release-sessions/internal/query"
)

type RunningLister interface {
	ListRunningJobs() []query.RunningJob
}

type StageFailer interface {
	FailStage(ctx context.Context, sessionID, jobID, detail string) error
}

// Watchdog periodically fails jobs that have been running longer than
// maxAge. It catches stages whose worker was lost, e.g. jobs started by an
// external executor that never called back.
type Watchdog struct {
	lister   RunningLister
	failer   StageFailer
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewWatchdog(lister RunningLister, failer StageFailer, maxAge, interval time.Duration) *Watchdog {
	if interval == 0 {
		interval = time.Minute
	}
	return &Watchdog{
		lister:   lister,
		failer:   failer,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// WithClock replaces the watchdog's time source.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Watchdog) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watchdog) run() {
	defer w.wg.Done()
	log := logger.Component("watchdog")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", w.interval).Dur("max_age", w.maxAge).Msg("Watchdog started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Msg("Watchdog stopped")
			return
		case <-ticker.C:
			w.Sweep(context.Background())
		}
	}
}

// Sweep fails every stale running job and returns how many it failed.
func (w *Watchdog) Sweep(ctx context.Context) int {
	log := logger.Component("watchdog")
	now := w.now()

	failed := 0
	for _, rj := range w.lister.ListRunningJobs() {
		if rj.Job.StartedAt == nil {
			continue
		}
		age := now.Sub(*rj.Job.StartedAt)
		if age < w.maxAge {
			continue
		}

		detail := fmt.Sprintf("stage timed out: running for %s without completion", age.Round(time.Second))
		if err := w.failer.FailStage(ctx, rj.Session.ID, rj.Job.ID, detail); err != nil {
			// The job may have finished between the snapshot and now.
			log.Debug().Err(err).Str("job_id", rj.Job.ID).Msg("Could not fail stale job")
			continue
		}
		log.Warn().
			Str("session_id", rj.Session.ID).
			Str("job_id", rj.Job.ID).
			Str("stage", string(rj.Job.Stage)).
			Dur("age", age).
			Msg("Failed stale job")
		failed++
	}
	return failed
}
