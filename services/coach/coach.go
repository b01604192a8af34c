// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coach provides the coaching service for AleutianCoach.
//
// This package contains the main Service type that coordinates all
// components: HTTP routing, session routing, phase execution, the
// checkpoint and repository stores, protocol loading, and
// observability infrastructure.
//
// # Usage
//
//	cfg := coach.Config{Port: 12310}
//	svc, err := coach.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package coach

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianCoach/services/coach/checkpoint"
	"github.com/AleutianAI/AleutianCoach/services/coach/classifier"
	"github.com/AleutianAI/AleutianCoach/services/coach/engine"
	"github.com/AleutianAI/AleutianCoach/services/coach/observability"
	"github.com/AleutianAI/AleutianCoach/services/coach/phases"
	"github.com/AleutianAI/AleutianCoach/services/coach/progress"
	"github.com/AleutianAI/AleutianCoach/services/coach/protocol"
	"github.com/AleutianAI/AleutianCoach/services/coach/rag"
	"github.com/AleutianAI/AleutianCoach/services/coach/repository"
	"github.com/AleutianAI/AleutianCoach/services/coach/routes"
	"github.com/AleutianAI/AleutianCoach/services/coach/session"
	"github.com/AleutianAI/AleutianCoach/services/coach/storage"
	"github.com/AleutianAI/AleutianCoach/services/llm"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the coach service.
//
// Thread Safety: implementations must be safe for concurrent use.
// Run() blocks and should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and the background workers, blocking
	// until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds coach service configuration options.
//
// All fields are optional; New() applies defaults.
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// LLMBackend specifies the LLM provider.
	// Valid values: "openai", "ollama". Default: "ollama"
	LLMBackend string

	// StoragePath is the Badger data directory.
	// Default: "./data/coach"
	StoragePath string

	// InMemoryStorage runs Badger fully in memory. For tests and local
	// experiments only; nothing survives a restart.
	InMemoryStorage bool

	// ProtocolDir is the directory of weekly protocol YAML files.
	// Default: "./protocols"
	ProtocolDir string

	// WeaviateURL is the Weaviate vector database URL.
	// If empty, retrieval is disabled and counseling runs without
	// background material.
	WeaviateURL string

	// RAGClassName is the Weaviate class holding coaching material.
	// Default: rag.DefaultClassName
	RAGClassName string

	// TopicGateEnabled turns on the model-backed off-topic gate.
	// Default: true
	TopicGateEnabled *bool

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string

	// InferenceTimeout bounds model calls within a turn.
	// Default: engine.DefaultInferenceTimeout
	InferenceTimeout time.Duration

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./data/coach"
	}
	if cfg.ProtocolDir == "" {
		cfg.ProtocolDir = "./protocols"
	}
	if cfg.RAGClassName == "" {
		cfg.RAGClassName = rag.DefaultClassName
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = engine.DefaultInferenceTimeout
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config        Config
	router        *gin.Engine
	db            *storage.DB
	loader        *protocol.Loader
	engine        *engine.Engine
	repo          repository.Repository
	tracerCleanup func(context.Context)
}

// New creates a new coach Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order: tracing and
// metrics, the Badger store, the repository and checkpoint layers, the
// protocol loader, the LLM client, the optional Weaviate searcher, the
// phase registry, and the turn engine. The HTTP router is set up last.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run coach service.
//   - error: Non-nil if initialization fails.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	metrics := observability.InitMetrics()

	if err := s.initStorage(); err != nil {
		s.cleanup()
		return nil, err
	}
	repo := repository.NewBadgerRepository(s.db)
	s.repo = repo
	checkpoints := checkpoint.NewBadgerStore(s.db)

	s.loader = protocol.NewLoader(s.config.ProtocolDir)

	llmClient, err := llm.NewClient(s.config.LLMBackend)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	slog.Info("Using LLM backend", "backend", s.config.LLMBackend)

	searcher := s.initSearcher()

	var gate classifier.TopicGate = classifier.NopGate{}
	if s.config.TopicGateEnabled == nil || *s.config.TopicGateEnabled {
		gate = classifier.NewLLMGate(llmClient)
	}

	registry := phases.NewRegistry()
	registry.Register(phases.NewGreetingPhase())
	registry.Register(phases.NewCounselPhase())
	registry.Register(phases.NewExitPhase())

	clock := session.NewSystemClock()
	s.engine, err = engine.New(engine.Config{
		Repo:             repo,
		Router:           session.NewRouter(repo, clock),
		Tracker:          progress.NewTracker(repo),
		Checkpoints:      checkpoints,
		Protocols:        s.loader,
		Registry:         registry,
		LLM:              llmClient,
		Gate:             gate,
		Searcher:         searcher,
		Clock:            clock,
		Metrics:          metrics,
		InferenceTimeout: s.config.InferenceTimeout,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	s.initRouter()
	return s, nil
}

// Run starts the HTTP server and the protocol watcher, blocking until
// either stops.
func (s *service) Run() error {
	defer s.cleanup()

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", s.config.Port)
		slog.Info("Starting coach server", "port", s.config.Port)
		return s.router.Run(addr)
	})

	g.Go(func() error {
		if err := s.loader.Watch(ctx); err != nil {
			slog.Warn("Protocol watcher stopped", "error", err)
		}
		// hot reload is best effort; a dead watcher must not take the
		// server down
		return nil
	})

	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

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
		resource.WithAttributes(semconv.ServiceNameKey.String("coach-service")))
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

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

func (s *service) initStorage() error {
	var err error
	if s.config.InMemoryStorage {
		s.db, err = storage.OpenInMemory()
	} else {
		s.db, err = storage.Open(storage.DefaultConfig(s.config.StoragePath))
	}
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	return nil
}

// initSearcher builds the Weaviate retrieval client, degrading to a
// no-op when no URL is configured.
func (s *service) initSearcher() rag.Searcher {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("Weaviate URL not configured, counseling runs without retrieval")
		return rag.NopSearcher{}
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("Invalid Weaviate URL, counseling runs without retrieval",
			"url", weaviateURL, "error", err)
		return rag.NopSearcher{}
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Warn("Failed to create Weaviate client, counseling runs without retrieval",
			"error", err)
		return rag.NopSearcher{}
	}
	slog.Info("Weaviate retrieval initialized", "url", weaviateURL, "class", s.config.RAGClassName)
	return rag.NewWeaviateSearcher(client, s.config.RAGClassName)
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("coach-service"))

	routes.SetupRoutes(s.router, s.engine, s.repo)
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("Storage close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
