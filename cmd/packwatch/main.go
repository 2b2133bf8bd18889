// Package main is the entrypoint for the packwatch CLI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ledgerline/packwatch/internal/api"
	"github.com/ledgerline/packwatch/internal/config"
	"github.com/ledgerline/packwatch/internal/history"
	"github.com/ledgerline/packwatch/internal/httpclient"
	"github.com/ledgerline/packwatch/internal/metrics"
	"github.com/ledgerline/packwatch/internal/scheduler"
	"github.com/ledgerline/packwatch/internal/statusapi"
	"github.com/ledgerline/packwatch/internal/tracker"
	"github.com/ledgerline/packwatch/pkg/models"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "packwatch",
		Short: "Packwatch - track profile backups and restores on the vault service",
		Long: `Packwatch starts and tracks profile backup and restore jobs on a
vault service, following each job through its lifecycle until it completes.

Run 'packwatch configure' to connect to a server.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigureCmd(),
		newConfigCmd(),
		newStatusCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newConfirmCmd(),
		newCancelCmd(),
		newJobsCmd(),
		newWatchCmd(),
		newHistoryCmd(),
		newStartCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Packwatch %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigureCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Connect packwatch to a vault service",
		Long: `Connect packwatch to a vault service.

You will be prompted for an API key. To generate an API key,
log into the vault service and navigate to Settings > API Keys.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigure(serverURL)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "vault service URL (required)")
	_ = cmd.MarkFlagRequired("server")

	return cmd
}

func runConfigure(serverURL string) error {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("server URL must use http or https scheme")
	}

	fmt.Print("Enter API key: ")
	reader := bufio.NewReader(os.Stdin)
	apiKey, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read API key: %w", err)
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("API key cannot be empty")
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cfg.ServerURL = strings.TrimSuffix(serverURL, "/")
	cfg.APIKey = apiKey

	if err := cfg.SaveDefault(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	configPath, _ := config.DefaultConfigPath()
	fmt.Printf("Configuration saved to %s\n", configPath)
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Println("Run 'packwatch status' to verify the connection.")

	return nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage packwatch configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			configPath, _ := config.DefaultConfigPath()
			fmt.Printf("Config file: %s\n", configPath)
			fmt.Println()

			if !cfg.IsConfigured() {
				fmt.Println("Packwatch is not configured. Run 'packwatch configure' to set up.")
				return nil
			}

			fmt.Printf("Server URL:          %s\n", cfg.ServerURL)
			fmt.Printf("API key:             %s\n", maskAPIKey(cfg.APIKey))
			fmt.Printf("Poll interval:       %s\n", cfg.PollInterval)
			fmt.Printf("Reconcile interval:  %s\n", cfg.ReconcileInterval)
			fmt.Printf("Listen address:      %s\n", cfg.ListenAddr)
			if len(cfg.Schedules) > 0 {
				fmt.Println("Schedules:")
				for _, s := range cfg.Schedules {
					fmt.Printf("  %-20s %s\n", s.Name, s.CronExpression)
				}
			}

			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check connectivity to the vault service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := loadClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if err := client.CheckHealth(ctx); err != nil {
				return fmt.Errorf("server unreachable: %w", err)
			}

			fmt.Printf("Server %s is reachable.\n", cfg.ServerURL)
			return nil
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Start a profile backup and follow it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := loadClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			job, err := client.CreateBackupJob(ctx)
			if err != nil {
				return fmt.Errorf("start backup: %w", err)
			}

			fmt.Printf("Backup job %s started.\n", job.JobID)
			return followJob(cfg, client, job)
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var autoConfirm bool

	cmd := &cobra.Command{
		Use:   "restore <package-file>",
		Short: "Upload a backup package and follow the restore",
		Long: `Upload a backup package to the vault service and follow the restore job.

After the package passes validation the job waits for confirmation.
Pass --confirm to confirm automatically, or run 'packwatch confirm <job-id>'
later.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(args[0], autoConfirm)
		},
	}

	cmd.Flags().BoolVar(&autoConfirm, "confirm", false, "Confirm the restore automatically after validation passes")

	return cmd
}

func runRestore(path string, autoConfirm bool) error {
	cfg, client, err := loadClient()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat package: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.CreateRestoreJob(ctx)
	if err != nil {
		return fmt.Errorf("start restore: %w", err)
	}

	fmt.Printf("Restore job %s created, uploading %s (%d bytes)...\n", result.Job.JobID, path, info.Size())

	uploadCtx, uploadCancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer uploadCancel()

	if err := client.UploadPackage(uploadCtx, result.UploadURL, f, info.Size()); err != nil {
		return fmt.Errorf("upload package: %w", err)
	}

	fmt.Println("Upload complete, waiting for validation.")

	job := result.Job
	return followRestore(cfg, client, &job, autoConfirm)
}

func newConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <job-id>",
		Short: "Confirm a restore that is awaiting confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := loadClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if err := client.ConfirmRestore(ctx, args[0]); err != nil {
				return fmt.Errorf("confirm restore: %w", err)
			}

			fmt.Printf("Restore %s confirmed.\n", args[0])

			job, err := client.GetJobStatus(ctx, args[0])
			if err != nil {
				// Confirmation went through; following is best-effort.
				return nil
			}
			return followJob(cfg, client, job)
		},
	}
}

func newCancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := loadClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			ok, err := client.CancelJob(ctx, args[0], reason)
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}
			if !ok {
				fmt.Println("Server refused the cancellation; the job may already be finishing.")
				return nil
			}

			fmt.Printf("Job %s cancelled.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the cancellation")

	return cmd
}

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs known to the vault service",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := loadClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			jobs, err := client.ListJobs(ctx)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			fmt.Printf("%-38s %-8s %-24s %9s\n", "JOB ID", "KIND", "STATUS", "PROGRESS")
			fmt.Println(strings.Repeat("-", 84))
			for _, j := range jobs {
				fmt.Printf("%-38s %-8s %-24s %8d%%\n",
					j.JobID, j.Kind, models.StatusLabel(j.Status), models.ClampProgress(j.Progress))
			}

			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := loadClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			job, err := client.GetJobStatus(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			return followJob(cfg, client, job)
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [job-id]",
		Short: "Show locally recorded job history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			historyDir, err := cfg.HistoryPath()
			if err != nil {
				return err
			}

			logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
			store, err := history.NewStore(historyDir, logger)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if len(args) == 1 {
				transitions, err := store.ListTransitions(ctx, args[0])
				if err != nil {
					return fmt.Errorf("load history: %w", err)
				}
				for _, tr := range transitions {
					fmt.Printf("%s  %-24s %3d%%  %s\n",
						tr.ObservedAt.Local().Format(time.RFC3339),
						models.StatusLabel(tr.Status), tr.Progress, tr.ErrorMessage)
				}
				return nil
			}

			jobs, err := store.ListRecentJobs(ctx, 50)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("No recorded jobs.")
				return nil
			}

			fmt.Printf("%-38s %-8s %-24s %-20s\n", "JOB ID", "KIND", "STATUS", "LAST SEEN")
			fmt.Println(strings.Repeat("-", 94))
			for _, j := range jobs {
				fmt.Printf("%-38s %-8s %-24s %-20s\n",
					j.JobID, j.Kind, models.StatusLabel(j.Status),
					j.LastSeen.Local().Format("2006-01-02 15:04:05"))
			}

			return nil
		},
	}
}

// followJob tracks a single job in the foreground, printing each update until
// the job finishes or tracking is lost.
func followJob(cfg *config.Config, client *api.Client, job *models.Job) error {
	return follow(cfg, client, job, false)
}

// followRestore is followJob plus restore confirmation handling: when the job
// pauses awaiting confirmation it either confirms automatically or tells the
// user how to.
func followRestore(cfg *config.Config, client *api.Client, job *models.Job, autoConfirm bool) error {
	return follow(cfg, client, job, autoConfirm)
}

func follow(cfg *config.Config, client *api.Client, job *models.Job, autoConfirm bool) error {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	manager := tracker.NewManager(engineConfig(cfg), logger, nil)
	defer manager.DisposeAll()

	done := make(chan tracker.SessionView, 1)
	paused := make(chan tracker.SessionView, 1)
	lost := make(chan error, 1)

	hooks := tracker.Hooks{
		OnUpdate: func(view tracker.SessionView) {
			printUpdate(view)
			if view.Paused {
				select {
				case paused <- view:
				default:
				}
			}
		},
		OnTerminal: func(view tracker.SessionView) {
			done <- view
		},
		OnTrackingLost: func(_ string, err error) {
			lost <- err
		},
	}

	session, _ := manager.Open(job, client.GetJobStatus, client.CancelJob, hooks)

	view := session.Snapshot()
	printUpdate(view)
	if view.Terminal {
		return finishResult(view)
	}
	if view.Paused {
		select {
		case paused <- view:
		default:
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case view := <-done:
			return finishResult(view)
		case err := <-lost:
			return fmt.Errorf("lost track of job %s: %w (the job may still be running server-side)", job.JobID, err)
		case view := <-paused:
			if !autoConfirm {
				fmt.Printf("Job %s is waiting: %s.\n", view.JobID, models.StatusLabel(view.Status))
				fmt.Printf("Run 'packwatch confirm %s' to continue the restore.\n", view.JobID)
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := client.ConfirmRestore(ctx, view.JobID)
			cancel()
			if err != nil {
				return fmt.Errorf("confirm restore: %w", err)
			}
			fmt.Println("Restore confirmed, resuming.")
			if err := session.Resume(); err != nil {
				return fmt.Errorf("resume tracking: %w", err)
			}
		case sig := <-sigChan:
			fmt.Printf("\nReceived %s, detaching. The job keeps running server-side.\n", sig)
			fmt.Printf("Run 'packwatch watch %s' to reattach or 'packwatch cancel %s' to cancel it.\n", job.JobID, job.JobID)
			return nil
		}
	}
}

func printUpdate(view tracker.SessionView) {
	line := fmt.Sprintf("[%3d%%] %s", view.Progress, view.StatusLabel)
	if view.Phase != "" {
		line += " - " + view.Phase
	}
	if view.EstimatedSecondsRemaining != nil {
		line += fmt.Sprintf(" (~%ds remaining)", *view.EstimatedSecondsRemaining)
	}
	if view.Stale {
		line += " (stale)"
	}
	fmt.Println(line)
}

func finishResult(view tracker.SessionView) error {
	switch view.Status {
	case models.JobStatusCompleted:
		fmt.Printf("Job %s completed.\n", view.JobID)
		return nil
	case models.JobStatusCancelled:
		fmt.Printf("Job %s was cancelled.\n", view.JobID)
		return nil
	default:
		if view.ErrorMessage != "" {
			return fmt.Errorf("job %s failed: %s", view.JobID, view.ErrorMessage)
		}
		return fmt.Errorf("job %s failed with status %s", view.JobID, view.Status)
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the packwatch daemon",
		Long: `Start packwatch as a long-running daemon process.

The daemon will:
  - Poll the vault service job list and track every active job
  - Run configured backup schedules
  - Record status transitions to the local history database
  - Serve job views and Prometheus metrics on the listen address`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("packwatch not configured: %w", err)
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	httpClient, err := httpclient.NewFromConfig(cfg, api.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("build http client: %w", err)
	}
	client := api.NewClientWithHTTP(cfg.ServerURL, cfg.APIKey, httpClient)

	fmt.Printf("Packwatch %s starting...\n", Version)
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Printf("Poll interval: %s\n", cfg.PollInterval)

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	historyDir, err := cfg.HistoryPath()
	if err != nil {
		return err
	}
	store, err := history.NewStore(historyDir, logger)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	manager := tracker.NewManager(engineConfig(cfg), logger, recorder)
	defer manager.DisposeAll()

	deps := tracker.SessionDeps{
		Fetch:  client.GetJobStatus,
		Cancel: client.CancelJob,
		Hooks:  historyHooks(store, logger),
	}
	reconciler := tracker.NewReconciler(manager, deps, logger)

	sched := scheduler.New(client, manager, deps, logger)
	sched.Load(cfg.Schedules)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	server := statusapi.NewServer(manager, store, registry, Version, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.ListenAddr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// First reconcile before the ticker so tracking starts immediately.
	reconcile(client, reconciler, logger)

	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	pruneTicker := time.NewTicker(6 * time.Hour)
	defer pruneTicker.Stop()

	fmt.Printf("Status API on http://%s\n", cfg.ListenAddr)
	fmt.Println("Daemon running. Press Ctrl+C to stop.")

	for {
		select {
		case <-reconcileTicker.C:
			reconcile(client, reconciler, logger)
		case <-pruneTicker.C:
			if n, err := store.Prune(context.Background(), 30*24*time.Hour); err != nil {
				logger.Warn().Err(err).Msg("history prune failed")
			} else if n > 0 {
				logger.Info().Int("pruned", n).Msg("old history pruned")
			}
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		case sig := <-sigChan:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("status API shutdown failed")
			}
			return nil
		}
	}
}

func reconcile(client *api.Client, reconciler *tracker.Reconciler, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := client.ListJobs(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("job list fetch failed, active set unchanged")
		return
	}
	reconciler.Reconcile(jobs)
}

// historyHooks records every observed transition to the history store.
func historyHooks(store *history.Store, logger zerolog.Logger) tracker.Hooks {
	record := func(view tracker.SessionView) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := store.RecordTransition(ctx, history.Transition{
			JobID:        view.JobID,
			Kind:         view.Kind,
			Status:       view.Status,
			Progress:     view.Progress,
			Phase:        view.Phase,
			ErrorMessage: view.ErrorMessage,
			ObservedAt:   time.Now().UTC(),
		})
		if err != nil {
			logger.Warn().Err(err).Str("job_id", view.JobID).Msg("failed to record transition")
		}
	}

	// OnTerminal fires after the final OnUpdate with the same view; recording
	// both is harmless since unchanged statuses are skipped.
	return tracker.Hooks{
		OnUpdate:   record,
		OnTerminal: record,
	}
}

func engineConfig(cfg *config.Config) tracker.EngineConfig {
	ec := tracker.DefaultEngineConfig()
	if cfg.PollInterval > 0 {
		ec.Interval = cfg.PollInterval
	}
	if cfg.MaxConsecutiveFailures > 0 {
		ec.MaxConsecutiveFailures = cfg.MaxConsecutiveFailures
	}
	return ec
}

// loadClient loads the configuration and builds an API client from it.
func loadClient() (*config.Config, *api.Client, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("packwatch not configured: %w", err)
	}

	httpClient, err := httpclient.NewFromConfig(cfg, api.DefaultTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("build http client: %w", err)
	}

	return cfg, api.NewClientWithHTTP(cfg.ServerURL, cfg.APIKey, httpClient), nil
}

// maskAPIKey returns a masked version of the API key for display.
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
