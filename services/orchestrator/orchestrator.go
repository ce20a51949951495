// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the retrieval-and-synthesis service.
//
// This package contains the main Service type that coordinates all
// components: HTTP routing, the LLM gateway, corpus and web retrieval,
// session persistence, the turn pipeline, and observability
// infrastructure.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// # Degraded Modes
//
// Every external dependency is optional except the LLM gateway. With
// no vector database configured the service runs in lightweight mode:
// corpus retrieval reports a missing-configuration failure, the
// fallback ladder escalates to web search when available, and turns
// that fail everywhere end in grounded refusals rather than transport
// errors.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
	"github.com/AleutianAI/agentrag/services/llm"
	"github.com/AleutianAI/agentrag/services/orchestrator/contextbudget"
	"github.com/AleutianAI/agentrag/services/orchestrator/critic"
	"github.com/AleutianAI/agentrag/services/orchestrator/datatypes"
	"github.com/AleutianAI/agentrag/services/orchestrator/dispatch"
	"github.com/AleutianAI/agentrag/services/orchestrator/handlers"
	"github.com/AleutianAI/agentrag/services/orchestrator/observability"
	"github.com/AleutianAI/agentrag/services/orchestrator/pipeline"
	"github.com/AleutianAI/agentrag/services/orchestrator/planner"
	"github.com/AleutianAI/agentrag/services/orchestrator/quality"
	"github.com/AleutianAI/agentrag/services/orchestrator/routes"
	"github.com/AleutianAI/agentrag/services/orchestrator/session"
	"github.com/AleutianAI/agentrag/services/orchestrator/synthesis"
	"github.com/AleutianAI/agentrag/services/orchestrator/telemetry"
	"github.com/AleutianAI/agentrag/services/search"
	"github.com/AleutianAI/agentrag/services/websearch"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Close releases background resources without serving.
	Close()
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options. All fields have
// defaults; secrets (API keys) are never carried here and are read
// from the environment by the component that needs them.
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// SynthesisModel is the default completion model. Falls back to
	// OPENAI_MODEL, then gpt-4o-mini.
	SynthesisModel string

	// RouterModel is the small model used for intent routing and
	// planning. Default: gpt-4o-mini.
	RouterModel string

	// OpenAIBaseURL overrides the LLM API endpoint (local inference
	// servers, proxies).
	OpenAIBaseURL string

	// WeaviateURL is the vector database URL. If empty, corpus
	// retrieval runs in lightweight mode.
	WeaviateURL string

	// FederatedClasses lists additional vector classes searched when
	// multi-index federation is enabled for a turn.
	FederatedClasses []string

	// KnowledgeAgentURL is the optional agent-first retrieval service.
	KnowledgeAgentURL string

	// SessionBackend selects session persistence: "memory", "badger",
	// or "weaviate". Default: "memory".
	SessionBackend string

	// BadgerPath is the on-disk session store directory (badger
	// backend only). Default: "./data/sessions".
	BadgerPath string

	// SessionTTL is how long idle sessions persist. Default 24h.
	SessionTTL time.Duration

	// TunablesPath is an optional JSON tunables file watched for
	// changes. When empty, tunables come from the environment once at
	// startup.
	TunablesPath string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317".
	OTelEndpoint string

	// TelemetryRingSize bounds the in-memory turn record ring.
	TelemetryRingSize int

	// EnableMetrics registers Prometheus /metrics. Default true.
	EnableMetrics bool

	// ExposeAdmin registers /v1/admin/* (development only).
	ExposeAdmin bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.RouterModel == "" {
		cfg.RouterModel = "gpt-4o-mini"
	}
	if cfg.SessionBackend == "" {
		cfg.SessionBackend = "memory"
	}
	if cfg.BadgerPath == "" {
		cfg.BadgerPath = "./data/sessions"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultSessionTTL
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.TelemetryRingSize <= 0 {
		cfg.TelemetryRingSize = telemetry.DefaultRingSize
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config        Config
	router        *gin.Engine
	gateway       *llm.OpenAIGateway
	searchGW      search.Gateway
	store         session.Store
	ring          *telemetry.Ring
	tunables      *TunablesSource
	metrics       *observability.TurnMetrics
	pipe          *pipeline.Pipeline
	tracerCleanup func(context.Context)
	watchCancel   context.CancelFunc
}

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order: tracing and
// metrics, the tunables source (with the optional file watcher), the
// LLM gateway, corpus search, web search, session persistence, the
// dispatcher and pipeline, and finally the HTTP router. Missing
// optional dependencies downgrade features instead of failing
// construction; only a missing LLM credential is fatal.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service.
//   - error: Non-nil if initialization fails.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	cleanup, err := s.initTracer()
	if err != nil {
		slog.Warn("Tracer initialization failed, continuing without export", "error", err)
	} else {
		s.tracerCleanup = cleanup
	}

	if s.config.EnableMetrics {
		s.metrics = observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	if err := s.initTunables(); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.initLLM(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize LLM gateway: %w", err)
	}

	s.initSearch()

	if err := s.initSessionStore(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	s.ring = telemetry.NewRing(s.config.TelemetryRingSize)
	s.initPipeline()
	s.initRouter()

	return s, nil
}

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.Close()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)
	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases background resources.
func (s *service) Close() {
	if s.watchCancel != nil {
		s.watchCancel()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Session store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (internal networks only).
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("agentrag-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// initTunables seeds the live tunables snapshot and starts the file
// watcher when a tunables file is configured.
func (s *service) initTunables() error {
	initial := datatypes.TunablesFromEnv()
	if s.config.TunablesPath != "" {
		fromFile, err := datatypes.LoadTunablesFile(s.config.TunablesPath)
		if err != nil {
			slog.Warn("Tunables file unreadable, using environment values",
				"path", s.config.TunablesPath, "error", err)
		} else {
			initial = fromFile
		}
	}
	s.tunables = NewTunablesSource(initial)

	if s.config.TunablesPath != "" {
		ctx, cancel := context.WithCancel(context.Background())
		s.watchCancel = cancel
		if err := s.tunables.Watch(ctx, s.config.TunablesPath); err != nil {
			slog.Warn("Tunables watcher failed to start, hot reload disabled",
				"path", s.config.TunablesPath, "error", err)
		}
	}
	return nil
}

func (s *service) initLLM() error {
	auth, err := llm.NewStaticKeyProviderFromEnv("OPENAI_API_KEY", "/run/secrets/openai_api_key")
	if err != nil {
		return err
	}
	tn := s.tunables.Current()
	s.gateway, err = llm.NewOpenAIGateway(llm.OpenAIConfig{
		BaseURL:        s.config.OpenAIBaseURL,
		Model:          s.config.SynthesisModel,
		Auth:           auth,
		RequestTimeout: tn.RequestTimeout,
	})
	return err
}

// initSearch initializes the Weaviate search gateway, falling back to
// a lightweight-mode gateway that reports missing configuration when
// no vector database is reachable.
func (s *service) initSearch() {
	raw := strings.Trim(s.config.WeaviateURL, "\"' ")
	if raw == "" {
		slog.Info("Weaviate URL not configured, running in lightweight mode")
		s.searchGW = unavailableSearch{}
		return
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		slog.Warn("Invalid Weaviate URL, running in lightweight mode", "url", raw)
		s.searchGW = unavailableSearch{}
		return
	}

	gw, err := search.NewWeaviateGateway(search.WeaviateConfig{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
		APIKey: os.Getenv("WEAVIATE_API_KEY"),
	}, s.gateway)
	if err != nil {
		slog.Warn("Weaviate initialization failed, running in lightweight mode", "error", err)
		s.searchGW = unavailableSearch{}
		return
	}
	slog.Info("Weaviate search gateway initialized", "url", raw)
	s.searchGW = gw
}

func (s *service) initSessionStore() error {
	switch s.config.SessionBackend {
	case "weaviate":
		raw := strings.Trim(s.config.WeaviateURL, "\"' ")
		parsed, err := url.Parse(raw)
		if raw == "" || err != nil || parsed.Host == "" {
			return orcherrors.New(orcherrors.KindConfigMissing,
				"weaviate session backend requires a valid WeaviateURL")
		}
		conf := weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme}
		if key := os.Getenv("WEAVIATE_API_KEY"); key != "" {
			conf.AuthConfig = auth.ApiKey{Value: key}
		}
		client, err := weaviate.NewClient(conf)
		if err != nil {
			return orcherrors.Wrap(orcherrors.KindTransport, "creating weaviate session client", err)
		}
		s.store = session.NewWeaviateStore(client)
		slog.Info("Using Weaviate session store", "url", raw)
	case "badger":
		store, err := session.OpenBadgerStore(s.config.BadgerPath, s.config.SessionTTL)
		if err != nil {
			return err
		}
		s.store = store
		slog.Info("Using Badger session store", "path", s.config.BadgerPath)
	case "memory":
		s.store = session.NewMemoryStore(s.config.SessionTTL)
		slog.Info("Using in-memory session store", "ttl", s.config.SessionTTL.String())
	default:
		return orcherrors.New(orcherrors.KindConfigMissing,
			fmt.Sprintf("unknown session backend %q", s.config.SessionBackend))
	}
	return nil
}

func (s *service) initPipeline() {
	tn := s.tunables.Current()

	estimator := contextbudget.NewEstimator(s.config.SynthesisModel, 4096)
	budgeter := contextbudget.NewBudgeter(estimator, s.gateway, nil)

	var web websearch.Gateway
	var academic *websearch.AcademicGateway
	if os.Getenv("BRAVE_SEARCH_API_KEY") != "" {
		web = websearch.NewBraveGateway(websearch.BraveConfig{
			MaxContextTokens: tn.WebContextMaxTokens,
			Counter:          estimator,
		})
		academic = websearch.NewAcademicGateway(websearch.AcademicConfig{})
		slog.Info("Web search enabled")
	} else {
		slog.Info("BRAVE_SEARCH_API_KEY not set, web search disabled")
	}

	var agent dispatch.KnowledgeRetriever
	if s.config.KnowledgeAgentURL != "" {
		agent = dispatch.NewAgentClient(s.config.KnowledgeAgentURL, tn.RequestTimeout)
		slog.Info("Knowledge agent enabled", "url", s.config.KnowledgeAgentURL)
	}

	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Search:           s.searchGW,
		Agent:            agent,
		Web:              web,
		Academic:         academic,
		LLM:              s.gateway,
		WebFilter:        quality.NewWebFilter(s.gateway, nil),
		Counter:          estimator,
		FederatedClasses: s.config.FederatedClasses,
	})

	s.pipe = pipeline.NewPipeline(pipeline.Deps{
		Router:      planner.NewRouter(s.gateway, s.config.RouterModel),
		Planner:     planner.NewPlanner(s.gateway, s.config.RouterModel),
		Budgeter:    budgeter,
		Dispatcher:  dispatcher,
		Synthesizer: synthesis.NewSynthesizer(s.gateway),
		Critic:      critic.NewCritic(s.gateway, s.config.RouterModel),
		LLM:         s.gateway,
		Store:       s.store,
		Ring:        s.ring,
		Tunables:    s.tunables.Current,
		Config: pipeline.Config{
			SynthesisModel: s.config.SynthesisModel,
		},
	})
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("agentrag-orchestrator"))

	checks := []handlers.ReadyCheck{
		{Name: "session_store", Check: func(ctx context.Context) error {
			_, err := s.store.Load(ctx, "readyz-probe")
			if err != nil && !errors.Is(err, session.ErrNotFound) {
				return err
			}
			return nil
		}},
	}
	if gw, ok := s.searchGW.(*search.WeaviateGateway); ok {
		checks = append(checks, handlers.ReadyCheck{Name: "vector_db", Check: gw.Ready})
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Pipeline:      s.pipe,
		Tunables:      s.tunables.Current,
		Store:         s.store,
		Responses:     s.gateway.Responses(),
		Ring:          s.ring,
		Metrics:       s.metrics,
		ReadyChecks:   checks,
		ExposeAdmin:   s.config.ExposeAdmin,
		EnableMetrics: s.config.EnableMetrics,
	})
}

// =============================================================================
// Lightweight-Mode Search
// =============================================================================

// unavailableSearch stands in for the vector database when none is
// configured. Every call reports a missing-configuration failure; the
// dispatcher's ladder treats that like any other corpus failure and
// escalates to web search when available.
type unavailableSearch struct{}

func (unavailableSearch) HybridSearch(context.Context, string, search.HybridOptions) (*search.Result, error) {
	return nil, orcherrors.New(orcherrors.KindConfigMissing, "vector database not configured")
}

func (unavailableSearch) VectorSearch(context.Context, string, search.VectorOptions) (*search.Result, error) {
	return nil, orcherrors.New(orcherrors.KindConfigMissing, "vector database not configured")
}

func (unavailableSearch) LazyHybridSearch(context.Context, string, search.LazyOptions) (*search.LazyResult, error) {
	return nil, orcherrors.New(orcherrors.KindConfigMissing, "vector database not configured")
}

var _ search.Gateway = unavailableSearch{}
var _ Service = (*service)(nil)
