package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/foxglove/internal/middleware"
	"github.com/Ramsey-B/foxglove/pkg/kafka"
	"github.com/Ramsey-B/foxglove/pkg/models"
	"github.com/Ramsey-B/foxglove/pkg/routes/conflict"
	"github.com/Ramsey-B/foxglove/pkg/routes/entity"
	"github.com/Ramsey-B/foxglove/pkg/routes/health"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and ingestion consumer",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, envFile)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.verifyAudit(ctx); err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(a.log)
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.log))
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))

	var graphCheck health.GraphPinger
	if a.graphClient != nil {
		graphCheck = a.graphClient
	}
	checker := health.NewChecker(a.db, graphCheck, version)
	checker.RegisterRoutes(e)

	api := e.Group("/api/v1")
	entity.Register(api.Group("/entities"))
	conflict.Register(api.Group("/conflicts"))

	var consumer *kafka.Consumer
	if a.cfg.KafkaConsumerEnabled {
		consumer = kafka.NewConsumer(a.cfg, a.log, a.handleBatch)
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("starting consumer: %w", err)
		}
		defer func() { _ = consumer.Stop() }()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	checker.SetReady(true)
	a.log.WithField("port", a.cfg.Port).Info("Server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// handleBatch ingests one identifier batch from Kafka: raw records are
// persisted first, then resolved. A handler error leaves the message
// uncommitted for redelivery.
func (a *app) handleBatch(ctx context.Context, msg *kafka.IncomingMessage) error {
	if err := msg.ParseBatch(); err != nil {
		return err
	}
	batch := msg.Batch

	now := time.Now().UTC()
	for i := range batch.Records {
		req := batch.Records[i]
		if req.Source == "" {
			req.Source = batch.Source
			batch.Records[i].Source = batch.Source
		}
		if req.ExtractedAt.IsZero() {
			req.ExtractedAt = batch.ExtractedAt
			batch.Records[i].ExtractedAt = batch.ExtractedAt
		}

		norm, err := a.registry.Normalize(req.Namespace, req.Value, req.EntityType)
		if err != nil {
			// Malformed records are rejected at ingestion, not retried.
			a.log.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"namespace": req.Namespace,
				"source":    req.Source,
			}).Warn("Rejected malformed identifier record")
			continue
		}

		if err := a.records.Upsert(ctx, models.IdentifierRecord{
			ID:            uuid.NewString(),
			Namespace:     norm.Namespace,
			Value:         norm.Value,
			RawValue:      req.Value,
			EntityType:    norm.EntityType,
			Source:        req.Source,
			DisplayName:   req.DisplayName,
			StructuralKey: req.StructuralKey,
			Status:        models.RecordStatusUnresolved,
			ExtractedAt:   req.ExtractedAt,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
	}

	if len(batch.AssertedEdges) > 0 {
		if err := a.edges.BulkUpsert(ctx, batch.AssertedEdges); err != nil {
			return err
		}
	}

	resolver := a.resolver(a.cfg.ResolutionShards, "", 0, false)
	report, err := resolver.Resolve(ctx, batch.Records)
	if err != nil {
		return err
	}
	if report.Fatal {
		return fmt.Errorf("resolution halted on a consistency error")
	}
	return nil
}
