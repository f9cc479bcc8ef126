package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/dictamen-rag/internal/config"
	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/core/ports"
	"github.com/kirillkom/dictamen-rag/internal/core/usecase"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/disabled"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/history/memory"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/llm/azureopenai"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/search/azuresearch"
	"github.com/kirillkom/dictamen-rag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/dictamen-rag/internal/observability/metrics"
)

const (
	mainTemperature     = 0.1
	classifyTemperature = 0.0

	historyMemory = "memory"
)

type App struct {
	Config config.Config

	ChatUC      *usecase.ChatUseCase
	SessionUC   *usecase.SessionUseCase
	Queue       ports.PurgeQueue
	Metrics     *metrics.HTTPServerMetrics
	HistoryKind string

	closeFns []func()
}

// New wires the application. Missing model or search credentials yield
// disabled adapters; a durable history store that cannot be opened is
// replaced by the in-memory store. Only invalid configuration is fatal.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	app := &App{
		Config:  cfg,
		Metrics: metrics.NewHTTPServerMetrics("dictamen-api"),
	}

	keywords := usecase.DefaultKeywordSet()
	if path := strings.TrimSpace(cfg.ClassifierKeywordsFile); path != "" {
		loaded, err := usecase.LoadKeywordSet(path)
		if err != nil {
			return nil, fmt.Errorf("load classifier keywords: %w", err)
		}
		keywords = loaded
	}

	executor := resilience.NewExecutor(resilienceConfig(cfg))

	generator, classifyGenerator, embedder, err := buildModels(cfg, executor)
	if err != nil {
		return nil, err
	}
	backend, err := buildSearchBackend(cfg, executor)
	if err != nil {
		return nil, err
	}

	history, kind, closeHistory := openHistory(ctx, cfg)
	app.HistoryKind = kind
	if closeHistory != nil {
		app.closeFns = append(app.closeFns, closeHistory)
	}

	switch {
	case strings.TrimSpace(cfg.NATSURL) == "":
	case !app.SharedHistory():
		// Purges must run in the process that owns the history.
		slog.Warn("purge_queue_skipped_local_history", "history_backend", kind)
	default:
		queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSPurgeSubject, nats.Options{
			ResilienceExecutor: executor,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init purge queue: %w", err)
		}
		app.Queue = queue
		app.closeFns = append(app.closeFns, queue.Close)
	}

	limits := domain.TurnLimits{
		HistoryMessages:    cfg.HistoryContextMessages,
		ClassifierMessages: cfg.ClassifierHistoryMessages,
		ClassifyTimeout:    cfg.ClassifyTimeout,
		RewriteTimeout:     cfg.RewriteTimeout,
		EmbedTimeout:       cfg.EmbedTimeout,
		SearchTimeout:      cfg.SearchTimeout,
		GenerateTimeout:    cfg.GenerateTimeout,
		HistoryTimeout:     cfg.HistoryTimeout,
	}

	classifier := usecase.NewIntentClassifier(classifyGenerator, keywords, cfg.ClassifyTimeout)
	rewriter := usecase.NewQueryRewriter(generator, cfg.RewriteTimeout)
	retrieval := usecase.NewRetrievalService(embedder, backend, usecase.RetrievalOptions{
		TopN:           cfg.SearchTopN,
		PrimaryK:       cfg.SearchPrimaryK,
		SecondaryK:     cfg.SearchSecondaryK,
		LegalListK:     cfg.LegalListK,
		LegalListLimit: cfg.LegalListLimit,
		SemanticConfig: cfg.AzureSearchSemanticConfig,
		EmbedTimeout:   cfg.EmbedTimeout,
		SearchTimeout:  cfg.SearchTimeout,
	})

	app.ChatUC = usecase.NewChatUseCase(history, classifier, rewriter, retrieval, generator, app.Metrics, limits)
	app.SessionUC = usecase.NewSessionUseCase(history, xlsx.NewExporter())

	slog.Info("app_initialized",
		"llm_provider", cfg.LLMProvider,
		"search_provider", cfg.SearchProvider,
		"history_backend", kind,
		"purge_queue", app.Queue != nil,
	)
	return app, nil
}

// SharedHistory reports whether history lives in a store other processes
// can reach. Only then can purges be handed off to the worker.
func (a *App) SharedHistory() bool {
	return a.HistoryKind != "" && a.HistoryKind != historyMemory
}

func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.CallTimeout = cfg.HTTPTimeout
	rc.BreakerEnabled = cfg.BreakerEnabled
	if cfg.BreakerMinRequests > 0 {
		rc.BreakerMinRequests = uint32(cfg.BreakerMinRequests)
	}
	rc.BreakerFailureRatio = cfg.BreakerFailureRatio
	rc.BreakerOpenTimeout = cfg.BreakerOpenTimeout
	return rc
}

func buildModels(cfg config.Config, executor *resilience.Executor) (ports.ChatGenerator, ports.ChatGenerator, ports.Embedder, error) {
	switch cfg.LLMProvider {
	case "azure":
		if strings.TrimSpace(cfg.AzureOpenAIEndpoint) == "" || strings.TrimSpace(cfg.AzureOpenAIAPIKey) == "" {
			reason := "azure openai endpoint or api key not configured"
			slog.Warn("llm_disabled", "reason", reason)
			return disabled.Generator{Reason: reason}, disabled.Generator{Reason: reason}, disabled.Embedder{Reason: reason}, nil
		}
		client := azureopenai.New(cfg.AzureOpenAIEndpoint, cfg.AzureOpenAIAPIKey, azureopenai.Options{
			APIVersion:         cfg.AzureOpenAIAPIVersion,
			HTTPTimeout:        cfg.HTTPTimeout,
			ResilienceExecutor: executor,
		})
		classifyDeployment := firstNonEmpty(cfg.AzureOpenAIClassifyDeployment, cfg.AzureOpenAIChatDeployment)
		return azureopenai.NewChatGenerator(client, cfg.AzureOpenAIChatDeployment, mainTemperature),
			azureopenai.NewChatGenerator(client, classifyDeployment, classifyTemperature),
			azureopenai.NewEmbedder(client, cfg.AzureOpenAIEmbedDeployment),
			nil
	case "ollama":
		client := ollama.New(cfg.OllamaURL, ollama.Options{
			HTTPTimeout:        cfg.HTTPTimeout,
			ResilienceExecutor: executor,
		})
		classifyModel := firstNonEmpty(cfg.OllamaClassifyModel, cfg.OllamaGenModel)
		return ollama.NewChatGenerator(client, cfg.OllamaGenModel, mainTemperature),
			ollama.NewChatGenerator(client, classifyModel, classifyTemperature),
			ollama.NewEmbedder(client, cfg.OllamaEmbedModel),
			nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

func buildSearchBackend(cfg config.Config, executor *resilience.Executor) (ports.SearchBackend, error) {
	switch cfg.SearchProvider {
	case "azure":
		if strings.TrimSpace(cfg.AzureSearchEndpoint) == "" || strings.TrimSpace(cfg.AzureSearchAPIKey) == "" {
			reason := "azure search endpoint or api key not configured"
			slog.Warn("search_disabled", "reason", reason)
			return disabled.SearchBackend{Reason: reason}, nil
		}
		return azuresearch.New(cfg.AzureSearchEndpoint, cfg.AzureSearchIndexName, cfg.AzureSearchAPIKey, azuresearch.Options{
			APIVersion:         cfg.AzureSearchAPIVersion,
			HTTPTimeout:        cfg.HTTPTimeout,
			ResilienceExecutor: executor,
		}), nil
	case "qdrant":
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{
			HTTPTimeout:        cfg.HTTPTimeout,
			ResilienceExecutor: executor,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported SEARCH_PROVIDER %q", cfg.SearchProvider)
	}
}

// openHistory returns the configured store, its kind and a close func.
// Durable backends that fail to open fall back to the in-memory store.
func openHistory(ctx context.Context, cfg config.Config) (ports.HistoryStore, string, func()) {
	switch cfg.DurableHistory() {
	case "postgres":
		db, err := postgres.OpenDB(ctx, cfg.PostgresDSN)
		if err != nil {
			return memoryFallback("postgres", err)
		}
		repo := postgres.NewHistoryRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return memoryFallback("postgres", err)
		}
		return repo, "postgres", func() { _ = db.Close() }
	case "sqlite":
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return memoryFallback("sqlite", err)
			}
		}
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return memoryFallback("sqlite", err)
		}
		repo := sqlite.NewHistoryRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return memoryFallback("sqlite", err)
		}
		return repo, "sqlite", func() { _ = db.Close() }
	default:
		return memory.New(), historyMemory, nil
	}
}

func memoryFallback(backend string, err error) (ports.HistoryStore, string, func()) {
	slog.Error("history_backend_unavailable_using_memory", "backend", backend, "error", err)
	return memory.New(), historyMemory, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
