package dashboard

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/user/release-sessions/internal/orchestrator"
)

// Metrics turns orchestrator events into prometheus series.
type Metrics struct {
	registry *prometheus.Registry

	stageExecutions *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	sessionEvents   *prometheus.CounterVec
	runningJobs     prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		stageExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relsessions",
			Name:      "stage_executions_total",
			Help:      "Finished stage executions by stage and result.",
		}, []string{"stage", "result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relsessions",
			Name:      "stage_duration_seconds",
			Help:      "Time from stage start to completion or failure.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "result"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relsessions",
			Name:      "session_events_total",
			Help:      "Session and release lifecycle events by type.",
		}, []string{"type"}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relsessions",
			Name:      "running_jobs",
			Help:      "Jobs currently in the running state.",
		}),
		started: make(map[string]time.Time),
	}
	registry.MustRegister(m.stageExecutions, m.stageDuration, m.sessionEvents, m.runningJobs)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetRunning seeds the running gauge, used after restoring state.
func (m *Metrics) SetRunning(n int) {
	m.runningJobs.Set(float64(n))
}

// HandleEvent is an orchestrator listener.
func (m *Metrics) HandleEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventStageStarted:
		m.mu.Lock()
		m.started[ev.JobID] = ev.At
		m.mu.Unlock()
		m.runningJobs.Inc()
	case orchestrator.EventStageCompleted:
		m.finish(ev, "completed")
	case orchestrator.EventStageFailed:
		m.finish(ev, "failed")
	case orchestrator.EventStageProgress:
	default:
		m.sessionEvents.WithLabelValues(string(ev.Type)).Inc()
	}
}

func (m *Metrics) finish(ev orchestrator.Event, result string) {
	stage := string(ev.Stage)
	m.stageExecutions.WithLabelValues(stage, result).Inc()
	m.runningJobs.Dec()

	m.mu.Lock()
	start, ok := m.started[ev.JobID]
	delete(m.started, ev.JobID)
	m.mu.Unlock()

	if ok {
		m.stageDuration.WithLabelValues(stage, result).Observe(ev.At.Sub(start).Seconds())
	}
}
