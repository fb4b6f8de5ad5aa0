package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contexta-ingest/internal/api/handlers"
	"github.com/markdave123-py/contexta-ingest/internal/config"
	"github.com/markdave123-py/contexta-ingest/internal/core"
	db "github.com/markdave123-py/contexta-ingest/internal/core/database"
	"github.com/markdave123-py/contexta-ingest/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/llm"
	"github.com/markdave123-py/contexta-ingest/internal/core/media"
	"github.com/markdave123-py/contexta-ingest/internal/core/memstore"
	objectclient "github.com/markdave123-py/contexta-ingest/internal/core/object-client"
	"github.com/markdave123-py/contexta-ingest/internal/core/recovery"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/core/search"
	"github.com/markdave123-py/contexta-ingest/internal/dispatch"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

const (
	setupTimeout  = 5 * time.Minute
	shutdownGrace = 30 * time.Second
	watchQuiet    = time.Second
)

// App holds the wired components shared by every command.
type App struct {
	Config   *config.Config
	Store    core.Store
	Storage  core.ObjectClient
	Tracker  *jobstatus.Tracker
	Exec     *retry.Executor
	Ingestor *ingestion_engine.DocumentIngestor
	Search   *search.Service

	local   *objectclient.LocalClient
	closers []func() error
	logger  *slog.Logger
}

// OpenStore opens the configured job/chunk store. The Postgres store
// bootstraps its schema on open.
func OpenStore(ctx context.Context, cfg *config.Config) (core.Store, error) {
	if cfg.Store == config.StoreMemory {
		slog.Warn("using in-memory store, nothing survives a restart")
		return memstore.New(), nil
	}
	return db.NewDatabaseClient(ctx, cfg)
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	a := &App{Config: cfg, logger: slog.Default().With("component", "app")}

	store, err := OpenStore(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	a.logger.Info("store ready", "store", cfg.Store)

	switch cfg.StorageBackend {
	case config.StorageLocal:
		a.local, err = objectclient.NewLocalClient(cfg.LocalStorageRoot)
		a.Storage = a.local
	default:
		a.Storage, err = objectclient.NewS3Client(appCtx, cfg)
	}
	if err != nil {
		a.Close()
		return nil, err
	}
	a.logger.Info("object storage ready", "backend", cfg.StorageBackend, "bucket", cfg.BucketName)

	providers, err := a.providers(appCtx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Exec = retry.NewExecutor(cfg.RetryPolicies)
	a.Tracker = jobstatus.NewTracker(store, cfg.MaxRetryCount)
	a.Ingestor = ingestion_engine.NewDocumentIngestor(store, a.Storage, a.Tracker, a.Exec, providers, &ingestion_engine.IngestConfig{
		TargetTokens:  cfg.ChunkTargetTokens,
		MaxTokens:     cfg.ChunkMaxTokens,
		OverlapTokens: cfg.ChunkOverlap,
		BatchSize:     cfg.WriteBatchSize,
		AudioSegment:  cfg.AudioSegment,
		VideoBatch:    cfg.VideoBatch,
	})
	a.Search = search.NewService(store, providers.Text, providers.Multimodal, a.Exec)
	return a, nil
}

// providers builds the AI clients. A provider without credentials is left
// out; jobs that need it fail with a system error.
func (a *App) providers(ctx context.Context) (ingestion_engine.Providers, error) {
	cfg := a.Config
	limiter := llm.NewLimiter(cfg.EmbedRPS)
	p := ingestion_engine.Providers{
		Extractor: ingestion_engine.NewDocconvExtractor(false),
		Splitter:  media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath),
	}

	switch cfg.EmbedProvider {
	case config.EmbedOpenAI:
		emb, err := llm.NewOpenAIEmbedder(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbedModel)
		if err != nil {
			return p, fmt.Errorf("couldn't initialize the embedder, %w", err)
		}
		p.Text = llm.LimitText(emb, limiter)
	default:
		if cfg.AIAPIKey == "" {
			a.logger.Warn("GEMINI_API_KEY not set, text embeddings disabled")
			break
		}
		emb, err := llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel)
		if err != nil {
			return p, fmt.Errorf("couldn't initialize the embedder, %w", err)
		}
		a.closers = append(a.closers, emb.Close)
		p.Text = llm.LimitText(emb, limiter)
	}

	if cfg.AIAPIKey != "" {
		analyzer, err := llm.NewGeminiMedia(ctx, cfg.AIAPIKey, cfg.GenModel)
		if err != nil {
			return p, fmt.Errorf("couldn't initialize the media analyzer, %w", err)
		}
		a.closers = append(a.closers, analyzer.Close)
		p.Analyzer = llm.LimitMedia(analyzer, limiter)
	} else {
		a.logger.Warn("GEMINI_API_KEY not set, image, audio and video pipelines disabled")
	}

	if cfg.GCPProject != "" {
		mm, err := llm.NewVertexMultimodalEmbedder(ctx, cfg.GCPProject, cfg.GCPLocation, cfg.MMEmbedModel, cfg.GCPCredentials)
		if err != nil {
			return p, fmt.Errorf("couldn't initialize the multimodal embedder, %w", err)
		}
		p.Multimodal = llm.LimitMultimodal(mm, limiter)
	} else {
		a.logger.Warn("GCP_PROJECT not set, multimodal embeddings disabled")
	}
	return p, nil
}

// Sweeper builds the recovery sweep. launcher may be nil, in which case
// requeued jobs wait for the next dispatch.
func (a *App) Sweeper(launcher core.Launcher) *recovery.Sweeper {
	return recovery.NewSweeper(a.Store, a.Tracker, launcher, a.Config.RetryPolicies, recovery.Config{
		Interval:     a.Config.SweepInterval,
		StuckAfter:   a.Config.StuckAfter,
		RequeueGrace: a.Config.RequeueGrace,
	})
}

// RunJob runs one job as an isolated instance under the instance timeout.
func (a *App) RunJob(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.Config.InstanceTimeout)
	defer cancel()
	return a.Ingestor.ProcessJob(ctx, jobID)
}

// Serve runs the HTTP API, the worker pool, the recovery sweep and, for
// local storage, the filesystem watcher until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET not set")
	}

	launcher, err := dispatch.NewPoolLauncher(a.Ingestor, cfg.WorkerPoolSize, cfg.InstanceTimeout)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer launcher.Close(shutdownGrace)

	dedupe, err := dispatch.OpenEventDeduper(cfg.EventDedupeDir, cfg.EventDedupeTTL)
	if err != nil {
		return err
	}
	defer dedupe.Close()
	dispatcher := dispatch.NewDispatcher(a.Store, launcher, dedupe)

	var inline core.Launcher
	if cfg.DispatchOnUpload {
		inline = launcher
	}
	jobs := services.NewJobService(a.Store, a.Tracker, 0)
	server := NewServer(cfg, Handlers{
		Documents: handlers.NewDocumentHandler(services.NewDocumentService(a.Store, a.Storage, a.Tracker, inline, cfg.BucketName), jobs),
		Jobs:      handlers.NewJobHandler(jobs),
		Search:    handlers.NewSearchHandler(a.Search),
		Events:    handlers.NewEventHandler(dispatcher),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return a.Sweeper(launcher).Run(gctx) })
	if a.local != nil {
		watcher := objectclient.NewLocalWatcher(a.local, dispatcher.Handle, watchQuiet)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	return g.Wait()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}
