package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/Ramsey-B/foxglove/config"
	"github.com/Ramsey-B/foxglove/internal/database"
	"github.com/Ramsey-B/foxglove/internal/logging"
	"github.com/Ramsey-B/foxglove/internal/repositories/assertededge"
	"github.com/Ramsey-B/foxglove/internal/repositories/auditlog"
	"github.com/Ramsey-B/foxglove/internal/repositories/canonicalentity"
	"github.com/Ramsey-B/foxglove/internal/repositories/conflictrecord"
	"github.com/Ramsey-B/foxglove/internal/repositories/crosswalk"
	"github.com/Ramsey-B/foxglove/internal/repositories/identifierrecord"
	"github.com/Ramsey-B/foxglove/internal/tracing"
	"github.com/Ramsey-B/foxglove/pkg/audit"
	"github.com/Ramsey-B/foxglove/pkg/clustering"
	"github.com/Ramsey-B/foxglove/pkg/confidence"
	"github.com/Ramsey-B/foxglove/pkg/events"
	"github.com/Ramsey-B/foxglove/pkg/graph"
	"github.com/Ramsey-B/foxglove/pkg/inference"
	"github.com/Ramsey-B/foxglove/pkg/kafka"
	"github.com/Ramsey-B/foxglove/pkg/matching"
	"github.com/Ramsey-B/foxglove/pkg/processor"
	"github.com/Ramsey-B/foxglove/pkg/registry"
	"github.com/Ramsey-B/foxglove/pkg/store"
)

// app holds the wired service graph for one process.
type app struct {
	cfg     config.Config
	log     ectologger.Logger
	db      *sqlx.DB
	dbi     database.DB
	closers []func()

	registry    *registry.Registry
	entities    *canonicalentity.Repository
	records     *identifierrecord.Repository
	audits      *auditlog.Repository
	conflicts   *conflictrecord.Repository
	crosswalks  *crosswalk.Repository
	edges       *assertededge.Repository
	matcher     *matching.Service
	scorer      *confidence.Scorer
	inferEngine *inference.Engine
	producer    *kafka.Producer
	emitter     *events.Emitter
	graphClient *graph.Client
	graphPub    *graph.Publisher
}

// buildApp loads configuration and wires every component.
func buildApp(ctx context.Context, envFile string) (*app, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log, logCleanup, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, logCleanup)

	shutdownTracing, err := tracing.InitProvider(ctx, tracing.ProviderConfig{
		ServiceName: cfg.AppName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	})

	if err := a.connectDatabase(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.migrate(); err != nil {
		a.close()
		return nil, err
	}

	a.wire()

	if cfg.GraphDBEnabled {
		client, err := graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, log)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connecting graph database: %w", err)
		}
		a.graphClient = client
		a.graphPub = graph.NewPublisher(client, log)
		a.closers = append(a.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Close(closeCtx)
		})
	}

	if err := a.register(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) connectDatabase(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		a.cfg.DatabaseHost, a.cfg.DatabasePort, a.cfg.DatabaseUserName,
		a.cfg.DatabasePassword, a.cfg.DatabaseName, a.cfg.DatabaseSSLMode,
	)

	var db *sqlx.DB
	var err error
	for attempt := 0; attempt <= a.cfg.DatabaseReconnectRetryCount; attempt++ {
		db, err = sqlx.ConnectContext(ctx, a.cfg.DatabaseDriver, dsn)
		if err == nil {
			break
		}
		a.log.WithError(err).Warnf("Database connection attempt %d failed", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second * time.Duration(attempt+1)):
		}
	}
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}

	db.SetMaxOpenConns(a.cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(a.cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.DatabaseConnMaxLifetime)

	a.db = db
	a.dbi = database.NewDatabaseInstance(db, a.log)
	a.closers = append(a.closers, func() { _ = db.Close() })
	return nil
}

func (a *app) migrate() error {
	driver, err := migratepg.WithInstance(a.db.DB, &migratepg.Config{DatabaseName: a.cfg.DatabaseName})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	svc := database.NewMigrationService(a.log, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             uint(a.cfg.DatabaseMigrationVersion),
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	if err := svc.Migrate(a.cfg.DatabaseName, driver); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (a *app) wire() {
	cfg := a.cfg

	a.registry = registry.NewRegistry()
	a.entities = canonicalentity.NewRepository(a.dbi, a.log)
	a.records = identifierrecord.NewRepository(a.dbi, a.log)
	a.audits = auditlog.NewRepository(a.dbi, a.log)
	a.conflicts = conflictrecord.NewRepository(a.dbi, a.log)
	a.crosswalks = crosswalk.NewRepository(a.dbi, a.log)
	a.edges = assertededge.NewRepository(a.dbi, a.log)

	a.scorer = confidence.NewScorer(confidence.Config{
		SourceReliability:  cfg.SourceReliabilityMap(),
		CorroborationBonus: cfg.CorroborationBonus,
	})

	a.matcher = matching.NewService(a.log, a.entities, a.crosswalks, matching.Config{
		FuzzyMinSimilarity: cfg.FuzzyMinSimilarity,
		FuzzyMaxCandidates: cfg.FuzzyMaxCandidates,
	})

	a.inferEngine = inference.NewEngine(a.log, inference.Config{
		MaxDepth:    cfg.InferenceMaxDepth,
		FanOutCap:   cfg.InferenceFanOutCap,
		StartBudget: cfg.InferenceStartBudget,
	})

	a.producer = kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, a.log)
	a.emitter = events.NewEmitter(a.producer, a.log)
	a.closers = append(a.closers, func() { _ = a.producer.Close() })
}

// clusterEngine builds a cluster builder. Dry runs compute decisions without
// committing, so each run gets its own engine. threshold 0 means the
// configured default.
func (a *app) clusterEngine(threshold float64, dryRun bool) *clustering.Engine {
	if threshold <= 0 {
		threshold = a.cfg.MergeThreshold
	}
	return clustering.NewEngine(a.log, a.entities, a.audits, a.conflicts, a.scorer, clustering.Config{
		MergeThreshold: threshold,
		Actor:          "resolver",
		DryRun:         dryRun,
	})
}

// resolver builds a batch resolver for one run.
func (a *app) resolver(shards int, entityType string, threshold float64, dryRun bool) *processor.Resolver {
	if shards <= 0 {
		shards = a.cfg.ResolutionShards
	}
	r := processor.NewResolver(a.log, a.registry, a.matcher, a.clusterEngine(threshold, dryRun), a.crosswalks, processor.Config{
		Shards:     shards,
		EntityType: entityType,
		DryRun:     dryRun,
	})
	r.SetEvents(a.emitter)
	return r
}

// verifyAudit replays the audit log against the store and refuses to start
// on divergence. The log is the system of record; a store that disagrees
// with it must be repaired, not written to.
func (a *app) verifyAudit(ctx context.Context) error {
	if !a.cfg.VerifyAuditOnStartup {
		return nil
	}
	replayer := audit.NewReplayer(a.log)
	divergences, err := replayer.Verify(ctx, a.audits, a.entities)
	if err != nil {
		return err
	}
	if len(divergences) > 0 {
		return fmt.Errorf("%w: %d divergences", audit.ErrInconsistentState, len(divergences))
	}
	return nil
}

// register places shared components in the DI container for the HTTP layer.
func (a *app) register() error {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return fmt.Errorf("creating DI container: %w", err)
	}

	if err := ectoinject.RegisterInstance[ectologger.Logger](container, a.log); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[database.DB](container, a.dbi); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[store.Store](container, a.entities); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*auditlog.Repository](container, a.audits); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*conflictrecord.Repository](container, a.conflicts); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*identifierrecord.Repository](container, a.records); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*clustering.Engine](container, a.clusterEngine(0, false)); err != nil {
		return err
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
