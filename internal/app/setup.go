package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/core/tracing"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/catwiki/catchat/db"
	"github.com/catwiki/catchat/internal/agent"
	httpapi "github.com/catwiki/catchat/internal/api"
	"github.com/catwiki/catchat/internal/chat"
	"github.com/catwiki/catchat/internal/config"
	"github.com/catwiki/catchat/internal/database"
	"github.com/catwiki/catchat/internal/knowledge"
	"github.com/catwiki/catchat/internal/log"
	"github.com/catwiki/catchat/internal/retrieval"
	"github.com/catwiki/catchat/internal/session"
)

// Setup initializes the full application. On failure everything
// already initialized is torn down before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing registers with the model runtime's tracer provider, so it
	// must come before genkit initialization.
	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, dbCleanup, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.dbCleanup = dbCleanup
	a.Pool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	a.Knowledge = knowledge.NewStore(pool, embedder, logger)

	configStore := retrieval.NewConfigStore(pool, logger)
	reranker := retrieval.NewReranker(configStore, logger)
	a.Retrieval = retrieval.NewService(a.Knowledge, reranker, retrieval.Config{
		TopK:           cfg.RetrievalTopK,
		ScoreThreshold: cfg.ScoreThreshold,
		MinRecall:      cfg.RerankMinRecall,
		MaxRecall:      cfg.RerankMaxRecall,
	}, logger)

	search := agent.NewSearchTool(a.Retrieval, cfg.RetrievalTopK, logger)
	tool := search.Define(g)

	loop, err := agent.NewLoop(agent.GenkitGenerator{G: g}, search, tool, agent.Config{
		ModelName:           cfg.FullModelName(),
		Temperature:         cfg.Temperature,
		MaxTokens:           cfg.MaxTokens,
		MaxIterations:       cfg.MaxIterations,
		MaxConsecutiveEmpty: cfg.MaxConsecutiveEmpty,
		SummaryTriggerCount: cfg.SummaryTriggerCount,
		KeepLastMessages:    cfg.KeepLastMessages,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating conversation loop: %w", err)
	}
	a.Loop = loop

	a.Sessions = session.NewStore(pool, logger)
	a.Chat = chat.NewService(loop, a.Sessions, logger)

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Logger:      logger,
		Responder:   a.Chat,
		Directory:   a.Sessions,
		Historian:   a.Chat,
		Pool:        pool,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating http server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideOtelShutdown exports traces over OTLP HTTP when an endpoint is
// configured. Tracing failures never block startup.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	if cfg.OTLPEndpoint == "" {
		return func() {}
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating otlp exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled", "endpoint", cfg.OTLPEndpoint)

	shutdown := tracing.TracerProvider().Shutdown
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool migrates the schema, then opens the tuned pool. The
// migration runs first: pool connections register the pgvector types,
// which need the extension in place.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	return pool, pool.Close, nil
}

// provideGenkit initializes the model runtime with the configured
// provider plugin.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama has no model auto-discovery.
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized model runtime",
			"provider", "ollama", "model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized model runtime", "provider", "openai", "model", cfg.ModelName)

	default: // "gemini"
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized model runtime", "provider", "gemini", "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder the provider plugin registered.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		// Keyed by server address, registered in provideGenkit.
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default: // "gemini"
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}
