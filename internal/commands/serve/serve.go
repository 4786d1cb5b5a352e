package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/release-sessions/internal/config"
	"github.com/user/release-sessions/internal/dashboard"
	"github.com/user/release-sessions/internal/database"
	"github.com/user/release-sessions/internal/logger"
	"github.com/user/release-sessions/internal/notify"
	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/query"
	"github.com/user/release-sessions/internal/stages"
	"github.com/user/release-sessions/pkg/github"
	"github.com/user/release-sessions/pkg/mattermost"
)

var (
	configFile string
	port       int
	debug      bool
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the release session orchestrator and dashboard API",
		RunE:  runServe,
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Get()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.SetDebug(debug || cfg.Debug)

	listenPort := cfg.Server.Port
	if cmd.Flags().Changed("port") {
		listenPort = port
	}

	db, err := database.NewSQLiteDB(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	log.Info().Str("path", cfg.Database.SQLitePath).Msg("Database initialized")
	repo := database.NewRepository(db)

	ctx := context.Background()
	state, err := repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	orch := orchestrator.New(orchestrator.WithPersister(repo))
	if err := orch.Restore(state); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}
	orch.OnEvent(repo.RecordEvent)

	// Workers from a previous process are gone; their jobs can never call back.
	orphaned, err := orch.FailOrphaned(ctx, "stage interrupted by server restart")
	if err != nil {
		return fmt.Errorf("failing orphaned jobs: %w", err)
	}
	log.Info().
		Int("releases", len(state.Releases)).
		Int("sessions", len(state.Sessions)).
		Int("orphaned_jobs", orphaned).
		Msg("State restored")

	q := query.NewService(orch)
	metrics := dashboard.NewMetrics()
	metrics.SetRunning(len(q.ListRunningJobs()))
	orch.OnEvent(metrics.HandleEvent)

	feed := dashboard.NewFeed()
	orch.OnEvent(feed.Publish)

	if cfg.Notify.WebhookURL != "" {
		opts := []mattermost.Option{mattermost.WithChannel(cfg.Notify.Channel)}
		if cfg.Notify.Username != "" {
			opts = append(opts, mattermost.WithUsername(cfg.Notify.Username))
		}
		notifier := notify.New(
			mattermost.NewWebhook(cfg.Notify.WebhookURL, opts...),
			orch,
			notify.WithDashboardURL(cfg.Notify.DashboardURL),
		)
		orch.OnEvent(notifier.HandleEvent)
		log.Info().Str("channel", cfg.Notify.Channel).Msg("Mattermost notifications enabled")
	}

	if cfg.GitHub.Token == "" {
		log.Warn().Msg("GITHUB_TOKEN not set, comparing refs with unauthenticated requests")
	}
	artifacts := stages.NewArtifacts()
	// Outputs stay readable and exportable until their release is archived.
	orch.OnEvent(func(ev orchestrator.Event) {
		if ev.Type != orchestrator.EventReleaseArchived {
			return
		}
		release, err := orch.Release(ev.ReleaseID)
		if err != nil {
			return
		}
		for _, sid := range release.SessionIDs {
			artifacts.DropSession(sid)
		}
	})

	runner := stages.NewRunner(
		orch,
		artifacts,
		stages.DefaultWorkers(github.NewClient(cfg.GitHub.Token), cfg.Pipeline.HotspotLimit),
		stages.WithConcurrency(cfg.Pipeline.Workers),
		stages.WithStageTimeout(cfg.Pipeline.StageTimeout),
	)
	orch.SetDispatcher(runner)
	runner.Start()

	watchdog := stages.NewWatchdog(q, orch, cfg.Pipeline.StaleAfter, cfg.Pipeline.WatchdogInterval)
	watchdog.Start()

	srv := dashboard.NewServer(dashboard.ServerConfig{
		Orchestrator: orch,
		Query:        q,
		History:      repo,
		Outputs:      artifacts,
		Feed:         feed,
		Registry:     metrics.Registry(),
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", listenPort),
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Int("port", listenPort).
			Bool("debug", debug || cfg.Debug).
			Int("workers", cfg.Pipeline.Workers).
			Dur("stage_timeout", cfg.Pipeline.StageTimeout).
			Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	watchdog.Stop()
	runner.Stop()
	feed.Close()
	return err
}
