package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"review-worker/internal/ai"
	"review-worker/internal/config"
	"review-worker/internal/events"
	"review-worker/internal/logging"
	"review-worker/internal/models"
	"review-worker/internal/pipeline"
	"review-worker/internal/queue"
	"review-worker/internal/ratelimit"
	"review-worker/internal/repo"
	"review-worker/internal/review"
	"review-worker/internal/scm"
	"review-worker/internal/store"
	"review-worker/internal/telemetry"
	workerproc "review-worker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)

	gh, err := scm.NewGitHub(ctx, cfg.GitHubToken, cfg.GitHubAPIURL)
	if err != nil {
		log.Fatal("github client", zap.Error(err))
	}

	backends := ai.NewBackends(ai.Credentials{
		OpenAIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		AnthropicKey:  cfg.AnthropicAPIKey,
		GeminiKey:     cfg.GeminiAPIKey,
	})
	if len(backends) == 0 {
		log.Warn("no AI provider credentials configured; every review will fail")
	}
	gateway := ai.NewGateway(ai.GatewayConfig{
		Provider:         cfg.AIProvider,
		AttemptsPerModel: cfg.ModelRetries,
		RetryDelay:       cfg.ModelRetryDelay,
	}, backends, log)
	orchestrator := review.New(review.Config{
		Agents:        review.DefaultAgents(),
		MaxAttempts:   cfg.AgentMaxAttempts,
		Backoff:       cfg.AgentBackoff,
		ContextBudget: cfg.ContextCharBudget,
	}, gateway, log)

	if err := os.MkdirAll(cfg.RepoCacheDir, 0o755); err != nil {
		log.Fatal("create repository cache", zap.Error(err))
	}
	locks := repo.NewLockManager(cfg.RepoLockTimeout, log)
	trees := repo.NewWorkTrees()
	provisioner := repo.NewProvisioner(repo.ProvisionerConfig{
		CacheDir:     cfg.RepoCacheDir,
		GitBinary:    cfg.GitBinary,
		ScanWorkers:  cfg.RepoScanWorkers,
		MaxFileBytes: cfg.RepoMaxFileBytes,
	}, locks, trees, repo.ExecRunner{}, repo.NewIndexCache(client, cfg.SymbolIndexTTL), log)
	cleaner := repo.NewCleaner(cfg.RepoCacheDir, cfg.RepoStaleAfter, locks, trees, log)

	deps := pipeline.Deps{
		SCM:         gh,
		Reviewer:    orchestrator,
		Provisioner: provisioner,
		Recorder:    st,
		Notifier:    events.NewPublisher(client, log),
	}
	archive, err := store.NewArchive(ctx, store.ArchiveConfig{
		Bucket:    cfg.AuditS3Bucket,
		Region:    cfg.AuditS3Region,
		Endpoint:  cfg.AuditS3Endpoint,
		PathStyle: cfg.AuditS3PathStyle,
	})
	if err != nil {
		log.Fatal("audit archive", zap.Error(err))
	}
	if archive != nil {
		deps.Archiver = archive
	}
	pipe := pipeline.New(pipeline.Config{
		BotLogin:          cfg.BotLogin,
		CheckRunName:      cfg.CheckRunName,
		CloneToken:        cfg.GitHubToken,
		PreferredModel:    cfg.PreferredModel,
		MaxComments:       cfg.MaxComments,
		MaxReferenceFiles: cfg.MaxReferenceFiles,
		MaxFileBytes:      cfg.RepoMaxFileBytes,
	}, deps, log)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, st, ratelimit.New(client), log, workerID)
	processor.RegisterHandler(models.KindReview, pipe.Process)
	processor.RegisterHandler(models.KindReply, pipe.Process)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	cleaner.Recover(ctx)
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		cleaner.RunPeriodic(ctx, cfg.RepoCleanupInterval)
	}()

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", zap.Error(err))
	}
	<-cleanupDone
	cleaner.Shutdown()
	_ = metrics.Close()
	log.Info("worker shut down")
}
