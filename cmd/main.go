package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/admin"
	"github.com/cexll/aidir/internal/auth"
	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/config"
	"github.com/cexll/aidir/internal/dispatcher"
	"github.com/cexll/aidir/internal/executor"
	"github.com/cexll/aidir/internal/jobs"
	"github.com/cexll/aidir/internal/jobstore"
	"github.com/cexll/aidir/internal/llm"
	"github.com/cexll/aidir/internal/logging"
	"github.com/cexll/aidir/internal/prompt"
	"github.com/cexll/aidir/internal/repostats"
	"github.com/cexll/aidir/internal/search"
	"github.com/cexll/aidir/internal/table"
	"github.com/cexll/aidir/internal/web"
)

const (
	maxStoredRuns = 200
	itemTimeout   = 2 * time.Minute
)

var (
	loadDotEnv         = godotenv.Load
	newLogger          = logging.New
	newProvider        = llm.NewProvider
	newDispatcher      = dispatcher.New
	newWebHandler      = web.NewHandler
	newAdminHandler    = admin.NewHandler
	defaultListenServe = http.ListenAndServe
)

func main() {
	if err := run(context.Background(), defaultListenServe); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, serve func(string, http.Handler) error) error {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting directory server",
		zap.Int("port", cfg.Port),
		zap.String("llm_provider", cfg.LLMProvider),
		zap.String("llm_model", cfg.LLMModel),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.Int("dispatcher_workers", cfg.DispatcherWorkers),
		zap.Int("dispatcher_queue_size", cfg.DispatcherQueueSize),
		zap.Int("dispatcher_max_attempts", cfg.DispatcherMaxAttempts),
	)

	tables := table.New(table.Config{
		BaseURL:   cfg.TableAPIURL,
		BaseID:    cfg.TableBaseID,
		APIKey:    cfg.TableAPIKey,
		RateLimit: cfg.TableRateLimit,
		Logger:    logger.Named("table"),
	})
	repo := catalog.NewRepository(tables, catalog.Names(cfg.Tables))

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
	runner := jobs.NewRunner(logger.Named("jobs"), itemTimeout)
	store := jobstore.NewStore(maxStoredRuns)

	var history *jobstore.History
	if cfg.JobHistoryDB != "" {
		history, err = jobstore.OpenHistory(cfg.JobHistoryDB)
		if err != nil {
			return fmt.Errorf("failed to open job history: %w", err)
		}
		defer history.Close()
	}

	var mirror *jobstore.RedisMirror
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		mirror = jobstore.NewRedisMirror(rdb, logger.Named("mirror"))
	}

	svcCfg := executor.ServiceConfig{
		Store:  store,
		Mirror: mirror,
		Logger: logger.Named("service"),
	}
	if history != nil {
		svcCfg.History = history
	}

	switch cfg.QueueBackend {
	case "redis":
		// Runs execute in `aidir-jobs worker`; this process follows them
		// through the mirror and refreshes the index when they finish.
		queue := dispatcher.NewAsynqQueue(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.DispatcherMaxAttempts)
		defer queue.Close()
		svcCfg.Queue = queue
		svcCfg.Remote = true
		store.OnFinish(func(run jobstore.Run) {
			if run.Status == jobstore.StatusCompleted && !run.Options.DryRun {
				index.RebuildAsync()
			}
		})
	default:
		opts := []executor.Option{
			executor.WithMirror(mirror),
			executor.WithReindexer(index),
			executor.WithLogger(logger.Named("executor")),
		}
		if history != nil {
			opts = append(opts, executor.WithHistory(history))
		}
		exec := executor.New(registry, runner, store, opts...)
		taskDispatcher := newDispatcher(exec, dispatcher.Config{
			Workers:           cfg.DispatcherWorkers,
			QueueSize:         cfg.DispatcherQueueSize,
			MaxAttempts:       cfg.DispatcherMaxAttempts,
			InitialBackoff:    cfg.DispatcherRetryInitial,
			BackoffMultiplier: cfg.DispatcherBackoffMultiplier,
			MaxBackoff:        cfg.DispatcherRetryMax,
		}, logger.Named("dispatcher"))
		defer taskDispatcher.Shutdown(ctx)
		svcCfg.Queue = taskDispatcher
	}

	service := executor.NewService(svcCfg)
	defer service.Close()

	sessions := auth.NewSessions(cfg.AdminPassword, cfg.SessionSecret, cfg.SessionTTL,
		strings.HasPrefix(cfg.PublicBaseURL, "https://"))

	webHandler, err := newWebHandler(repo, index, logger.Named("web"))
	if err != nil {
		return fmt.Errorf("failed to initialize web handler: %w", err)
	}
	adminHandler, err := newAdminHandler(admin.Config{
		Sessions:   sessions,
		Jobs:       service,
		Records:    repo,
		Index:      index,
		CronSecret: cfg.CronSecret,
		Logger:     logger.Named("admin"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize admin handler: %w", err)
	}

	r := mux.NewRouter()
	r.Use(web.Middleware(logger.Named("http")))
	adminHandler.RegisterRoutes(r)
	webHandler.RegisterRoutes(r)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("server listening",
		zap.String("addr", addr),
		zap.String("admin", "http://localhost"+addr+"/admin"),
		zap.String("health", "http://localhost"+addr+"/health"),
	)

	if err := serve(addr, r); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	return nil
}

// newRegistry builds the job definitions with the configured model. related
// picks the tools for topic articles.
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
		prompts, err = prompt.Load(cfg.PromptsFile)
		if err != nil {
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
