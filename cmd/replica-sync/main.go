package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yuya-takeyama/s3-replica-sync/internal/config"
	"github.com/yuya-takeyama/s3-replica-sync/internal/logging"
	"github.com/yuya-takeyama/s3-replica-sync/internal/s3client"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/host"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/logger"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/metadata"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/planner"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/syncer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

type cliFlags struct {
	configPath     string
	verbose        bool
	dryRun         bool
	planJSONFile   string
	resultJSONFile string
}

// PlanReport is the plan as written by --plan-json-file.
type PlanReport struct {
	Operations         []planner.Operation `json:"operations"`
	FirstSyncAmbiguous bool                `json:"firstSyncAmbiguous"`
	Summary            PlanSummary         `json:"summary"`
}

type PlanSummary struct {
	Upload       int `json:"upload"`
	Download     int `json:"download"`
	Conflict     int `json:"conflict"`
	DeleteLocal  int `json:"deleteLocal"`
	DeleteRemote int `json:"deleteRemote"`
	NoChange     int `json:"noChange"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	flags := &cliFlags{}

	rootCmd := &cobra.Command{
		Use:   "replica-sync",
		Short: "Two-way synchronization between a local directory and an S3 prefix",
		Long: `replica-sync keeps a local directory and an S3 (or S3-compatible) prefix in
step. Changes on either side are detected by SHA-256 content hashes against the
state of the last sync, and conflicting edits are resolved by a chosen strategy.`,
		Version:      fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy),
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Config file (default "+config.DefaultConfigPath+")")
	pf.BoolVar(&flags.verbose, "verbose", false, "Enable debug logging")
	pf.String("local-dir", "", "Local replica directory")
	pf.String("remote", "", "Remote namespace as s3://bucket/prefix")
	pf.String("endpoint", "", "Endpoint URL of an S3-compatible store")
	pf.String("region", "", "AWS region (uses default if not specified)")
	pf.String("profile", "", "AWS profile to use")
	pf.String("state-dir", "", "Directory for local sync state (default <local-dir>/.replica-sync)")
	pf.Int("concurrency", 3, "Number of concurrent transfers")
	pf.String("conflict", "ask", "Conflict strategy: ask, local-wins, remote-wins, newer-wins")
	pf.String("first-sync", "ask", "First sync strategy: ask, upload-all, download-all, merge")
	pf.Bool("incremental", false, "Skip hashing files unchanged since the last full sync")
	pf.StringSlice("exclude", nil, "Exclude patterns (multiple allowed)")
	pf.String("manifest", "", "File listing keys that must be synchronized, one per line")
	pf.String("log-file", "", "Write a debug log with rotation to this file")
	pf.Bool("quiet", false, "Suppress non-error output")

	for key, name := range map[string]string{
		config.KeyLocalDir:          "local-dir",
		config.KeyRemote:            "remote",
		config.KeyEndpoint:          "endpoint",
		config.KeyRegion:            "region",
		config.KeyProfile:           "profile",
		config.KeyStateDir:          "state-dir",
		config.KeyConcurrency:       "concurrency",
		config.KeyConflictStrategy:  "conflict",
		config.KeyFirstSyncStrategy: "first-sync",
		config.KeyIncremental:       "incremental",
		config.KeyExcludes:          "exclude",
		config.KeyManifest:          "manifest",
		config.KeyLogFile:           "log-file",
		config.KeyQuiet:             "quiet",
	} {
		if err := v.BindPFlag(key, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize both replicas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), v, flags, cmd.OutOrStdout())
		},
	}
	syncCmd.Flags().BoolVar(&flags.dryRun, "dryrun", false, "Shows operations without executing")
	syncCmd.Flags().StringVar(&flags.planJSONFile, "plan-json-file", "", "Path to output plan as JSON file")
	syncCmd.Flags().StringVar(&flags.resultJSONFile, "result-json-file", "", "Path to output result as JSON file")

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a sync would do without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.dryRun = true
			return runSync(cmd.Context(), v, flags, cmd.OutOrStdout())
		},
	}
	planCmd.Flags().StringVar(&flags.planJSONFile, "plan-json-file", "", "Path to output plan as JSON file")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(v, flags, cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(syncCmd, planCmd, statusCmd)
	return rootCmd
}

func loadConfig(v *viper.Viper, flags *cliFlags) (*config.Config, error) {
	cfg, err := config.Load(v, flags.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSync(ctx context.Context, v *viper.Viper, flags *cliFlags, out io.Writer) error {
	cfg, err := loadConfig(v, flags)
	if err != nil {
		return err
	}

	log, closer, err := logging.Setup(logging.Options{Verbose: flags.verbose, Quiet: cfg.Quiet, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock state dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s is locked by another process", syncer.ErrSyncAlreadyRunning, cfg.StateDir)
	}
	defer lock.Unlock()

	backend, err := metadata.NewSQLiteBackend(cfg.MetadataPath())
	if err != nil {
		return err
	}
	defer backend.Close()

	hostname, _ := os.Hostname()
	store, err := metadata.Open(backend, metadata.WithLogger(log), metadata.WithWriterID(hostname))
	if err != nil {
		return err
	}

	s3Opts := cfg.S3Options()
	s3Opts.Logger = log
	remote, err := s3client.New(ctx, s3Opts)
	if err != nil {
		return err
	}

	local, err := newLocalHost(cfg)
	if err != nil {
		return err
	}

	var progress logger.Logger = logger.NewSlogLogger(log)
	if cfg.Quiet {
		progress = logger.NewQuietLogger(os.Stderr)
	}
	options := []syncer.Option{syncer.WithLogger(log), syncer.WithProgress(progress)}
	if isInteractive() {
		options = append(options, syncer.WithPrompter(&terminalPrompter{}))
	}

	s, err := syncer.New(local, remote, store, syncer.Options{
		Concurrency:           cfg.Concurrency,
		ConflictStrategy:      cfg.ConflictStrategy,
		FirstSyncStrategy:     cfg.FirstSyncStrategy,
		Incremental:           cfg.Incremental,
		MaxIncrementalAge:     cfg.MaxIncrementalAge,
		VerifyRemoteChecksums: cfg.VerifyRemoteChecksums,
		DryRun:                flags.dryRun,
	}, options...)
	if err != nil {
		return err
	}

	res, runErr := s.Run(ctx)
	if res == nil {
		return runErr
	}

	if flags.planJSONFile != "" {
		if err := writeJSON(flags.planJSONFile, newPlanReport(res.Plan)); err != nil {
			return fmt.Errorf("failed to write plan JSON: %w", err)
		}
	}
	if flags.resultJSONFile != "" && !flags.dryRun {
		if err := writeJSON(flags.resultJSONFile, res); err != nil {
			return fmt.Errorf("failed to write result JSON: %w", err)
		}
	}

	if flags.dryRun {
		for _, op := range res.Plan.Operations() {
			if op.Action == planner.ActionNoChange {
				continue
			}
			fmt.Fprintf(out, "(dryrun) %s: %s (%s)\n", op.Action, op.Key, op.Reason)
		}
	}
	logging.PrintSummary(os.Stderr, summaryOf(res), cfg.Quiet)

	if runErr != nil {
		return runErr
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d operations failed", res.Failed)
	}
	return nil
}

func newLocalHost(cfg *config.Config) (*host.FSHost, error) {
	fsys := afero.NewOsFs()
	opts := []host.Option{host.WithExcludes(cfg.Excludes), host.WithSkipDirs(cfg.StateDir)}
	if cfg.Manifest != "" {
		keys, err := host.LoadManifest(fsys, cfg.Manifest)
		if err != nil {
			return nil, err
		}
		opts = append(opts, host.WithManifest(keys))
	}
	return host.NewFSHost(fsys, cfg.LocalDir, opts...)
}

func runStatus(v *viper.Viper, flags *cliFlags, out io.Writer) error {
	cfg, err := loadConfig(v, flags)
	if err != nil {
		return err
	}

	backend, err := metadata.NewSQLiteBackend(cfg.MetadataPath())
	if err != nil {
		return err
	}
	defer backend.Close()

	store, err := metadata.Open(backend)
	if err != nil {
		return err
	}

	lastFull := "never"
	if ms := store.LastFullSync(); ms != 0 {
		lastFull = humanize.Time(time.UnixMilli(ms))
	}
	namespace := store.NamespaceID()
	if namespace == "" {
		namespace = "(none)"
	}

	fmt.Fprintf(out, "Local:          %s\n", cfg.LocalDir)
	fmt.Fprintf(out, "Remote:         %s\n", cfg.Remote)
	fmt.Fprintf(out, "Namespace:      %s\n", namespace)
	if namespace != cfg.NamespaceID() && store.Len() > 0 {
		fmt.Fprintf(out, "                (records belong to another namespace, next sync starts over)\n")
	}
	fmt.Fprintf(out, "Records:        %d\n", store.Len())
	fmt.Fprintf(out, "Last full sync: %s\n", lastFull)
	return nil
}

func newPlanReport(plan planner.Result) PlanReport {
	report := PlanReport{
		Operations:         plan.Operations(),
		FirstSyncAmbiguous: plan.FirstSyncAmbiguous,
		Summary: PlanSummary{
			Upload:       len(plan.Uploads),
			Download:     len(plan.Downloads),
			Conflict:     len(plan.Conflicts),
			DeleteLocal:  len(plan.DeleteLocal),
			DeleteRemote: len(plan.DeleteRemote),
			NoChange:     len(plan.NoChange),
		},
	}
	return report
}

func summaryOf(res *syncer.Result) logging.Summary {
	return logging.Summary{
		Outcome:         string(res.Outcome),
		Uploaded:        res.Uploaded,
		Downloaded:      res.Downloaded,
		DeletedLocal:    res.DeletedLocal,
		DeletedRemote:   res.DeletedRemote,
		Unchanged:       res.Unchanged,
		Skipped:         res.Skipped,
		Failed:          res.Failed,
		BytesUploaded:   res.BytesUploaded,
		BytesDownloaded: res.BytesDownloaded,
		Duration:        res.Duration,
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}
