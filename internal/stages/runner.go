package stages

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/user/release-sessions/internal/logger"
	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/pipeline"
)

const (
	DefaultConcurrency  = 4
	DefaultStageTimeout = 5 * time.Minute
)

// Callbacks is the inbound side of the orchestrator that stage workers
// report to.
type Callbacks interface {
	ReportProgress(ctx context.Context, sessionID, jobID string, progress int) error
	CompleteStage(ctx context.Context, sessionID, jobID string, out orchestrator.StageOutput) error
	FailStage(ctx context.Context, sessionID, jobID, detail string) error
}

// Task is one activated stage handed to a Worker.
type Task struct {
	Request   orchestrator.StageRequest
	Artifacts *Artifacts
	Progress  func(int)
}

func (t Task) progress(p int) {
	if t.Progress != nil {
		t.Progress(p)
	}
}

type Worker interface {
	Run(ctx context.Context, task Task) (orchestrator.StageOutput, error)
}

type WorkerFunc func(ctx context.Context, task Task) (orchestrator.StageOutput, error)

func (f WorkerFunc) Run(ctx context.Context, task Task) (orchestrator.StageOutput, error) {
	return f(ctx, task)
}

// DefaultWorkers returns the built-in worker for every stage.
func DefaultWorkers(src ChangeSource, hotspotLimit int) map[pipeline.Stage]Worker {
	return map[pipeline.Stage]Worker{
		pipeline.StageParseChanges:     NewParseChanges(src),
		pipeline.StageGenerateNotes:    GenerateNotes{},
		pipeline.StageAnalyzeHotspots:  NewAnalyzeHotspots(hotspotLimit),
		pipeline.StageGenerateTestPlan: GenerateTestPlan{},
	}
}

// Runner executes dispatched stages on a fixed pool of goroutines. Dispatch
// only enqueues, so it never blocks the orchestrator.
type Runner struct {
	cb          Callbacks
	workers     map[pipeline.Stage]Worker
	artifacts   *Artifacts
	concurrency int
	timeout     time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	queue   []orchestrator.StageRequest
	started bool
	stopped bool
}

type RunnerOption func(*Runner)

func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithStageTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRunner(cb Callbacks, artifacts *Artifacts, workers map[pipeline.Stage]Worker, opts ...RunnerOption) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cb:          cb,
		workers:     workers,
		artifacts:   artifacts,
		concurrency: DefaultConcurrency,
		timeout:     DefaultStageTimeout,
		ctx:         ctx,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.run()
	}
	logger.Info().
		Int("workers", r.concurrency).
		Dur("stage_timeout", r.timeout).
		Msg("Stage runner started")
}

// Stop cancels in-flight stages and fails everything still queued. Stages
// dispatched after Stop fail immediately.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	queued := r.queue
	r.queue = nil
	r.mu.Unlock()

	close(r.stopCh)
	r.cancel()
	r.wg.Wait()

	for _, req := range queued {
		r.fail(req, "runner stopped before stage started")
	}
	logger.Info().Int("abandoned", len(queued)).Msg("Stage runner stopped")
}

func (r *Runner) Dispatch(req orchestrator.StageRequest) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.fail(req, "runner stopped before stage started")
		return
	}
	r.queue = append(r.queue, req)
	r.mu.Unlock()

	logger.Debug().
		Str("session_id", req.SessionID).
		Str("job_id", req.JobID).
		Str("stage", string(req.Stage)).
		Msg("Stage queued")
	r.signal()
}

// Pending returns the number of queued stages not yet picked up.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) next() (orchestrator.StageRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || len(r.queue) == 0 {
		return orchestrator.StageRequest{}, false
	}
	req := r.queue[0]
	r.queue = r.queue[1:]
	if len(r.queue) > 0 {
		r.signal()
	}
	return req, true
}

func (r *Runner) run() {
	defer r.wg.Done()

	for {
		req, ok := r.next()
		if ok {
			r.execute(req)
			continue
		}
		select {
		case <-r.stopCh:
			return
		case <-r.wake:
		}
	}
}

func (r *Runner) execute(req orchestrator.StageRequest) {
	log := logger.Component("runner").With().
		Str("session_id", req.SessionID).
		Str("job_id", req.JobID).
		Str("stage", string(req.Stage)).
		Logger()

	worker, ok := r.workers[req.Stage]
	if !ok {
		r.fail(req, fmt.Sprintf("no worker registered for stage %s", req.Stage))
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	task := Task{
		Request:   req,
		Artifacts: r.artifacts,
		Progress: func(p int) {
			if err := r.cb.ReportProgress(context.Background(), req.SessionID, req.JobID, p); err != nil {
				log.Debug().Err(err).Int("progress", p).Msg("Progress report rejected")
			}
		},
	}

	started := time.Now()
	out, err := runSafely(ctx, worker, task)
	if err != nil {
		detail := err.Error()
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			detail = fmt.Sprintf("stage timed out after %s", r.timeout)
		case errors.Is(r.ctx.Err(), context.Canceled):
			detail = "stage canceled: runner stopped"
		}
		log.Warn().Err(err).Dur("elapsed", time.Since(started)).Msg("Stage failed")
		r.fail(req, detail)
		return
	}

	if err := r.cb.CompleteStage(context.Background(), req.SessionID, req.JobID, out); err != nil {
		log.Error().Err(err).Msg("Failed to complete stage")
		r.fail(req, fmt.Sprintf("completing stage: %v", err))
		return
	}
	log.Info().Dur("elapsed", time.Since(started)).Str("output_ref", out.OutputRef).Msg("Stage completed")
}

func (r *Runner) fail(req orchestrator.StageRequest, detail string) {
	if err := r.cb.FailStage(context.Background(), req.SessionID, req.JobID, detail); err != nil {
		logger.Error().
			Err(err).
			Str("session_id", req.SessionID).
			Str("job_id", req.JobID).
			Msg("Failed to record stage failure")
	}
}

func runSafely(ctx context.Context, w Worker, task Task) (out orchestrator.StageOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Str("stage", string(task.Request.Stage)).
				Msg("Stage worker panicked")
			err = fmt.Errorf("stage worker panicked: %v", rec)
		}
	}()
	return w.Run(ctx, task)
}
