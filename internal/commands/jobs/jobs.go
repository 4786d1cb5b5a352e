package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/release-sessions/internal/config"
	"github.com/user/release-sessions/internal/database"
	"github.com/user/release-sessions/internal/orchestrator"
	"github.com/user/release-sessions/internal/query"
	"github.com/user/release-sessions/pkg/mattermost"
)

var (
	configFile string
	webhookURL string
	releaseID  string
	dryRun     bool
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Post a report of running pipeline stages to Mattermost",
		RunE:  runJobs,
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to config file")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "Mattermost webhook URL (overrides config)")
	cmd.Flags().StringVar(&releaseID, "release", "", "Only report jobs of this release")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print message to stdout instead of posting")

	return cmd
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	webhook := webhookURL
	if webhook == "" {
		webhook = cfg.Notify.WebhookURL
	}
	if webhook == "" && !dryRun {
		return fmt.Errorf("webhook URL required: set MATTERMOST_WEBHOOK_URL or use --webhook-url")
	}

	fmt.Fprintf(os.Stderr, "Reading state from %s...\n", cfg.Database.SQLitePath)
	running, err := LoadRunning(ctx, cfg.Database.SQLitePath)
	if err != nil {
		return err
	}

	if releaseID != "" {
		filtered := running[:0]
		for _, rj := range running {
			if rj.Release.ID == releaseID {
				filtered = append(filtered, rj)
			}
		}
		running = filtered
	}

	if len(running) == 0 {
		fmt.Println("No running stages found.")
		return nil
	}

	result := FormatMessage(running, time.Now(), cfg.Pipeline.StaleAfter)

	if len(result.Stale) > 0 {
		fmt.Fprintf(os.Stderr, "WARNING: %d stale stage(s)\n", len(result.Stale))
	}

	if dryRun {
		fmt.Println(result.Message)
		return nil
	}

	opts := []mattermost.Option{mattermost.WithChannel(cfg.Notify.Channel)}
	if cfg.Notify.Username != "" {
		opts = append(opts, mattermost.WithUsername(cfg.Notify.Username))
	}
	if err := mattermost.NewWebhook(webhook, opts...).Post(ctx, result.Message); err != nil {
		return fmt.Errorf("posting to Mattermost: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Posted running stages report to Mattermost.\n")
	return nil
}

// LoadRunning restores the persisted state into a throwaway orchestrator
// and lists its running jobs. Nothing is written back, and a missing
// database file is an error rather than a new empty database.
func LoadRunning(ctx context.Context, path string) ([]query.RunningJob, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	db, err := database.NewSQLiteDB(path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	state, err := database.NewRepository(db).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	o := orchestrator.New()
	if err := o.Restore(state); err != nil {
		return nil, fmt.Errorf("restoring state: %w", err)
	}
	return query.NewService(o).ListRunningJobs(), nil
}
