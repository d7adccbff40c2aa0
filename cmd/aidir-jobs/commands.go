package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/config"
	"github.com/cexll/aidir/internal/dispatcher"
	"github.com/cexll/aidir/internal/executor"
	"github.com/cexll/aidir/internal/jobs"
	"github.com/cexll/aidir/internal/jobstore"
	"github.com/cexll/aidir/internal/llm"
	"github.com/cexll/aidir/internal/prompt"
	"github.com/cexll/aidir/internal/repostats"
	"github.com/cexll/aidir/internal/search"
	"github.com/cexll/aidir/internal/table"
)

const itemTimeout = 2 * time.Minute

// errRunFailed is returned when a run finishes without completing
var errRunFailed = errors.New("run did not complete")

type runFlags struct {
	scope  string
	limit  int
	ids    []string
	topic  string
	dryRun bool
}

func newRunCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <kind>",
		Short: "Run one job and print its progress",
		Long:  "Run one job in this process. Progress lines go to stdout; the exit status is non-zero unless the run completes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := jobs.Options{
				Scope:  jobs.Scope(flags.scope),
				Limit:  flags.limit,
				IDs:    flags.ids,
				Topic:  flags.topic,
				DryRun: flags.dryRun,
			}
			return runJob(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.scope, "scope", string(jobs.ScopeMissing), "Tools to process: missing or all")
	f.IntVar(&flags.limit, "limit", 0, "Process at most this many tools (0 = no cap)")
	f.StringSliceVar(&flags.ids, "ids", nil, "Process only these record ids (comma separated)")
	f.StringVar(&flags.topic, "topic", "", "Article topic (articles job only)")
	f.BoolVar(&flags.dryRun, "dry-run", false, "Generate without writing to the table service")
	return cmd
}

func runJob(ctx context.Context, out io.Writer, name string, opts jobs.Options) error {
	kind, ok := jobs.ParseKind(name)
	if !ok {
		return fmt.Errorf("unknown job kind %q (see `aidir-jobs kinds`)", name)
	}
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	repo := newCatalog(cfg, logger)
	var related jobs.ToolSearcher
	if kind == jobs.KindArticles && opts.Topic != "" {
		index, err := search.New(repo, logger.Named("search"))
		if err != nil {
			return fmt.Errorf("failed to initialize search index: %w", err)
		}
		defer index.Close()
		if err := index.Rebuild(ctx); err != nil {
			return fmt.Errorf("failed to build search index: %w", err)
		}
		related = index
	}
	registry, err := newRegistry(cfg, repo, related, logger)
	if err != nil {
		return err
	}
	def, err := registry.New(kind)
	if err != nil {
		return err
	}

	store := jobstore.NewStore(1)
	if cfg.JobHistoryDB != "" {
		history, err := jobstore.OpenHistory(cfg.JobHistoryDB)
		if err != nil {
			return fmt.Errorf("failed to open job history: %w", err)
		}
		defer history.Close()
		store.OnFinish(func(run jobstore.Run) {
			if err := history.Record(context.Background(), run); err != nil {
				logger.Warn("failed to record run history", zap.String("run_id", run.ID), zap.Error(err))
			}
		})
	}

	run := store.Create(kind, opts, "cli")
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := store.Start(run.ID, cancel); err != nil {
		return err
	}

	runner := jobs.NewRunner(logger.Named("jobs"), itemTimeout)
	sum, runErr := runner.Run(runCtx, def, opts, jobs.MultiSink(store.Sink(run.ID), jobs.NewWriterSink(out)))

	status, msg := jobstore.StatusCompleted, ""
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		status, msg = jobstore.StatusCanceled, "interrupted"
	default:
		status, msg = jobstore.StatusFailed, runErr.Error()
	}
	if _, err := store.Finish(run.ID, status, &sum, msg); err != nil {
		logger.Warn("failed to finish run", zap.String("run_id", run.ID), zap.Error(err))
	}

	fmt.Fprintf(out, "Run %s: %s\n", status, sum)
	if status != jobstore.StatusCompleted {
		return fmt.Errorf("%w: %s", errRunFailed, msg)
	}
	return nil
}

func newKindsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the job kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, k := range jobs.Kinds() {
				fmt.Fprintf(tw, "%s\t%s\n", k, k.Describe())
			}
			return tw.Flush()
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently finished runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = os.Getenv("JOB_HISTORY_DB")
			}
			if dbPath == "" {
				dbPath = "data/jobs.db"
			}
			return printHistory(cmd.Context(), cmd.OutOrStdout(), dbPath, limit)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "History database (default $JOB_HISTORY_DB or data/jobs.db)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}

func printHistory(ctx context.Context, out io.Writer, path string, limit int) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no job history at %s: %w", path, err)
	}
	history, err := jobstore.OpenHistory(path)
	if err != nil {
		return err
	}
	defer history.Close()

	runs, err := history.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTRIGGER\tSTATUS\tFINISHED\tRESULT")
	for _, run := range runs {
		result := run.Error
		if run.Summary != nil {
			result = run.Summary.String()
		}
		finished := "-"
		if !run.FinishedAt.IsZero() {
			finished = run.FinishedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", run.ID, run.Kind, run.Trigger, run.Status, finished, result)
	}
	return tw.Flush()
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Execute runs queued in Redis (QUEUE_BACKEND=redis)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

// runWorker serves the asynq queue until SIGINT or SIGTERM
func runWorker() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.RedisEnabled() {
		return errors.New("worker needs REDIS_ADDR")
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	repo := newCatalog(cfg, logger)
	index, err := search.New(repo, logger.Named("search"))
	if err != nil {
		return fmt.Errorf("failed to initialize search index: %w", err)
	}
	defer index.Close()
	index.RebuildAsync()

	registry, err := newRegistry(cfg, repo, index, logger)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	opts := []executor.Option{
		executor.WithMirror(jobstore.NewRedisMirror(rdb, logger.Named("mirror"))),
		executor.WithLogger(logger.Named("executor")),
	}
	if cfg.JobHistoryDB != "" {
		history, err := jobstore.OpenHistory(cfg.JobHistoryDB)
		if err != nil {
			return fmt.Errorf("failed to open job history: %w", err)
		}
		defer history.Close()
		opts = append(opts, executor.WithHistory(history))
	}
	exec := executor.New(registry, jobs.NewRunner(logger.Named("jobs"), itemTimeout), jobstore.NewStore(0), opts...)

	srv, mux := dispatcher.NewAsynqServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cfg.DispatcherWorkers, exec, logger.Named("worker"))

	logger.Info("worker started",
		zap.String("redis", cfg.RedisAddr),
		zap.Int("concurrency", cfg.DispatcherWorkers),
	)
	return srv.Run(mux)
}

func newCatalog(cfg *config.Config, logger *zap.Logger) *catalog.Repository {
	tables := table.New(table.Config{
		BaseURL:   cfg.TableAPIURL,
		BaseID:    cfg.TableBaseID,
		APIKey:    cfg.TableAPIKey,
		RateLimit: cfg.TableRateLimit,
		Logger:    logger.Named("table"),
	})
	return catalog.NewRepository(tables, catalog.Names(cfg.Tables))
}

// newRegistry builds the job definitions against the catalog and the configured model
func newRegistry(cfg *config.Config, repo *catalog.Repository, related jobs.ToolSearcher, logger *zap.Logger) (*jobs.Registry, error) {
	provider, err := newProvider(cfg.LLM())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM provider: %w", err)
	}
	if cfg.LLMDailyCallLimit > 0 {
		provider = llm.Limited(provider, llm.NewBudget(cfg.LLMDailyCallLimit, logger.Named("llm")))
	}

	prompts := prompt.Default()
	if cfg.PromptsFile != "" {
		if prompts, err = prompt.Load(cfg.PromptsFile); err != nil {
			return nil, fmt.Errorf("failed to load prompts: %w", err)
		}
	}

	return jobs.NewRegistry(jobs.Deps{
		Catalog: repo,
		LLM:     provider,
		Prompts: prompts,
		Repos:   repostats.New(cfg.GitHubToken, nil, logger.Named("repostats")),
		Search:  related,
	}), nil
}
