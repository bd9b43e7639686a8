package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/dedupjob"
	"github.com/Ramsey-B/fern/internal/repositories/emailalias"
	identityrepo "github.com/Ramsey-B/fern/internal/repositories/identity"
	"github.com/Ramsey-B/fern/internal/repositories/mergeaudit"
	"github.com/Ramsey-B/fern/internal/repositories/platformidentity"
	"github.com/Ramsey-B/fern/internal/repositories/suggestion"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/dedup"
	"github.com/Ramsey-B/fern/pkg/embeddings"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	fernkafka "github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/oracle"
	"github.com/Ramsey-B/fern/pkg/policy"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/review"
	deduproutes "github.com/Ramsey-B/fern/pkg/routes/dedup"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	identityroutes "github.com/Ramsey-B/fern/pkg/routes/identity"
	"github.com/Ramsey-B/fern/pkg/routes/resolve"
	suggestionroutes "github.com/Ramsey-B/fern/pkg/routes/suggestion"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var version = "dev"

func main() {
	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	tracing.SetTracer(tracerProvider.Tracer(cfg.AppName))

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("fern exited with error")
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	if cfg.PrettyLogs {
		zapLogger, _ = zap.NewDevelopment()
	} else {
		zapLogger, _ = zap.NewProduction()
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func run(cfg config.Config, logger ectologger.Logger) error {
	ctx := context.Background()

	// Postgres
	pool, err := database.Connect(database.ConnectionConfig{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	if err := database.RunMigrations(pool, cfg.DatabaseMigrationFolderPath, cfg.DatabaseName, logger); err != nil {
		return err
	}
	db := database.NewDatabaseInstance(pool, logger)

	// Graph
	graphClient, err := graph.NewClient(graph.Config{
		Host:     cfg.GraphDBHost,
		Port:     cfg.GraphDBPort,
		Username: cfg.GraphDBUser,
		Password: cfg.GraphDBPassword,
	}, logger)
	if err != nil {
		return err
	}
	entityService := graph.NewEntityService(graphClient, logger)

	// Repositories
	identities := identityrepo.NewRepository(db, logger)
	platforms := platformidentity.NewRepository(db, logger)
	aliases := emailalias.NewRepository(db, logger)
	suggestions := suggestion.NewRepository(db, logger)
	audits := mergeaudit.NewRepository(db, logger)
	dedupJobs := dedupjob.NewRepository(db, logger)

	// OpenAI-backed helpers; both are optional and degrade gracefully.
	var embedder matching.Embedder
	var semanticOracle oracle.Oracle
	if cfg.OpenAIAPIKey != "" {
		embedder = embeddings.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIEmbeddingModel, logger)
		semanticOracle = oracle.NewOpenAIOracle(cfg.OpenAIAPIKey, cfg.OpenAIOracleModel, cfg.OpenAIOracleTimeout, logger)
	} else {
		logger.Warn("OPENAI_API_KEY not set; embeddings and the semantic oracle are disabled")
	}

	decisionPolicy, err := policy.New(cfg.AutoMergeThreshold, cfg.ReviewThreshold, cfg.AutoMergeEnabled)
	if err != nil {
		return err
	}

	// Events
	producer := fernkafka.NewProducer(fernkafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaEventsTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer producer.Close()
	emitter := events.NewEmitter(producer, logger)

	// Core services
	engine := matching.NewEngine(logger, aliases, platforms, identities, embedder, semanticOracle, matching.Config{
		AutoMergeThreshold: cfg.AutoMergeThreshold,
		ReviewThreshold:    cfg.ReviewThreshold,
		MaxEditDistance:    cfg.MaxEditDistance,
		MaxCandidates:      cfg.MaxMatchCandidates,
		OracleBand:         cfg.OracleBand,
	})
	executor := merging.NewExecutor(db, identities, platforms, aliases, suggestions, audits, entityService, emitter, logger)
	reviewService := review.NewService(suggestions, identities, executor, emitter, logger)
	referenceResolver := resolver.NewResolver(db, engine, identities, platforms, aliases, suggestions, embedder, emitter, decisionPolicy, logger)
	deduper := dedup.NewDeduplicator(dedupJobs, entityService, embedder, executor, suggestions, decisionPolicy, dedup.Config{
		LeaseDuration:   cfg.DedupLeaseDuration,
		TopK:            cfg.DedupTopK,
		MinScore:        cfg.DedupMinScore,
		MaxEditDistance: cfg.MaxEditDistance,
		EmbedBatchSize:  cfg.DedupEmbedBatchSize,
	}, logger)

	// DI registrations for the route handlers
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return err
	}
	if err := registerDependencies(container, logger, db, identities, platforms, aliases, audits, dedupJobs, referenceResolver, reviewService, deduper); err != nil {
		return err
	}

	// HTTP server
	healthChecker := health.NewChecker(pool, graphClient, version)
	e := newServer(cfg, logger, healthChecker)

	boot := startup.New(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(&pingDependency{name: "database", dependsOn: nil, ping: pool.PingContext, stop: func(context.Context) error { return pool.Close() }})
	boot.AddDependency(&pingDependency{name: "graph", dependsOn: nil, ping: graphClient.VerifyConnectivity, stop: graphClient.Close})

	if cfg.KafkaConsumerEnabled {
		ingest := processor.NewProcessor(referenceResolver, logger)
		consumer := fernkafka.NewConsumer(fernkafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaReferencesTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger, ingest.HandleMessage)
		boot.AddDependency(&consumerDependency{consumer: consumer})
	}

	if cfg.DedupSchedulerEnabled {
		boot.AddDependency(dedup.NewScheduler(deduper, identities, cfg.DedupInterval, cfg.DedupDryRun, logger))
	}

	boot.AddDependency(&serverDependency{e: e, cfg: cfg, logger: logger})

	if err := boot.Start(ctx); err != nil {
		return err
	}
	healthChecker.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	healthChecker.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return boot.Stop(stopCtx)
}

func registerDependencies(
	container ectocontainer.DIContainer,
	logger ectologger.Logger,
	db database.DB,
	identities *identityrepo.Repository,
	platforms *platformidentity.Repository,
	aliases *emailalias.Repository,
	audits *mergeaudit.Repository,
	dedupJobs *dedupjob.Repository,
	referenceResolver *resolver.Resolver,
	reviewService *review.Service,
	deduper *dedup.Deduplicator,
) error {
	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[database.DB](container, db); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*identityrepo.Repository](container, identities); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*platformidentity.Repository](container, platforms); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*emailalias.Repository](container, aliases); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*mergeaudit.Repository](container, audits); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*dedupjob.Repository](container, dedupJobs); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*resolver.Resolver](container, referenceResolver); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*review.Service](container, reviewService); err != nil {
		return err
	}
	return ectoinject.RegisterInstance[*dedup.Deduplicator](container, deduper)
}

func newServer(cfg config.Config, logger ectologger.Logger, healthChecker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	healthChecker.RegisterRoutes(e)

	api := e.Group("/api/v1")
	resolve.Register(api.Group("/resolve"))
	identityroutes.Register(api.Group("/identities"))
	suggestionroutes.Register(api.Group("/suggestions"))
	deduproutes.Register(api.Group("/dedup"))

	return e
}

// pingDependency adapts an external connection into a startup dependency.
type pingDependency struct {
	name      string
	dependsOn []string
	ping      func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (d *pingDependency) GetName() string                 { return d.name }
func (d *pingDependency) DependsOn() []string             { return d.dependsOn }
func (d *pingDependency) Start(ctx context.Context) error { return d.ping(ctx) }
func (d *pingDependency) Stop(ctx context.Context) error  { return d.stop(ctx) }

type consumerDependency struct {
	consumer *fernkafka.Consumer
}

func (d *consumerDependency) GetName() string     { return "kafka-consumer" }
func (d *consumerDependency) DependsOn() []string { return []string{"database", "graph"} }
func (d *consumerDependency) Start(ctx context.Context) error {
	return d.consumer.Start(ctx)
}
func (d *consumerDependency) Stop(ctx context.Context) error {
	return d.consumer.Stop()
}

type serverDependency struct {
	e      *echo.Echo
	cfg    config.Config
	logger ectologger.Logger
}

func (d *serverDependency) GetName() string     { return "http-server" }
func (d *serverDependency) DependsOn() []string { return []string{"database", "graph"} }

func (d *serverDependency) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", d.cfg.Port),
		ReadTimeout:       time.Duration(d.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(d.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(d.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(d.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    d.cfg.MaxHeaderBytes,
	}

	go func() {
		if err := d.e.StartServer(server); err != nil && err != http.ErrServerClosed {
			d.logger.WithError(err).Error("http server stopped")
		}
	}()

	d.logger.WithFields(map[string]any{"port": d.cfg.Port}).Info("http server listening")
	return nil
}

func (d *serverDependency) Stop(ctx context.Context) error {
	return d.e.Shutdown(ctx)
}
