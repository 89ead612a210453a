package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-bank-reconciliation/internal/client"
	"github.com/pesio-ai/be-bank-reconciliation/internal/handler"
	"github.com/pesio-ai/be-bank-reconciliation/internal/metrics"
	"github.com/pesio-ai/be-bank-reconciliation/internal/notify"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/config"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/database"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/middleware"
	"github.com/pesio-ai/be-bank-reconciliation/internal/repository"
	"github.com/pesio-ai/be-bank-reconciliation/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("RECON_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("environment", cfg.Service.Environment).
		Int64("workflow_id", cfg.Workflow.ReconciliationWorkflowID).
		Msg("Starting Bank Reconciliation Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Service stopped with error")
	}
	log.Info().Msg("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:           cfg.Database.Host,
		Port:           cfg.Database.Port,
		User:           cfg.Database.User,
		Password:       cfg.Database.Password,
		Database:       cfg.Database.Database,
		SSLMode:        cfg.Database.SSLMode,
		MaxConns:       cfg.Database.MaxConns,
		MinConns:       cfg.Database.MinConns,
		MaxConnTime:    cfg.Database.MaxConnTime,
		MaxIdleTime:    cfg.Database.MaxIdleTime,
		HealthCheck:    cfg.Database.HealthCheck,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	m := metrics.New()

	// Notification transport. An empty URL runs without NATS: events are
	// logged and dropped.
	var js jetstream.JetStream
	if cfg.NATS.URL != "" {
		nc, stream, err := client.ConnectJetStream(ctx, client.JetStreamConfig{
			URL:           cfg.NATS.URL,
			ClientName:    cfg.Service.Name,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		}, log)
		if err != nil {
			return err
		}
		defer nc.Drain()
		js = stream
	} else {
		log.Warn().Msg("nats.url is empty, notifications will not be published")
	}
	publisher := client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, cfg.NATS.PublishTimeout, log)

	// Repositories
	items := repository.NewReconciliationRepository(db)
	ledger := repository.NewApprovalLedgerRepository(db)
	workflowRepo := repository.NewWorkflowConfigRepository(db)
	org := repository.NewOrganisationRepository(db)

	// Read side
	workflowConfig := service.NewWorkflowConfigService(workflowRepo, org, cfg.Workflow.ReconciliationWorkflowID, log)
	resolver := service.NewApproverResolver(workflowConfig, service.NewHierarchyResolver(org), org, log)
	queries := service.NewReconciliationQueryService(items, ledger, workflowConfig, resolver, log)

	// Notification queue
	dispatcher := notify.NewDispatcher(publisher, items, org, resolver, workflowConfig, queries, m, log)
	queue, err := notify.NewQueue(db.Pool, notify.QueueConfig{
		Workers:          cfg.Queue.Workers,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		JobTimeout:       cfg.Queue.JobTimeout,
		RemindersEnabled: cfg.Workflow.RemindersEnabled,
		Reminders: notify.DailySchedule{
			Hour:     cfg.Workflow.ReminderHour,
			Minute:   cfg.Workflow.ReminderMinute,
			FirstDay: cfg.Workflow.ReminderFirstDay,
			Location: time.Local,
		},
	}, dispatcher, log)
	if err != nil {
		return err
	}

	// Write side
	store := repository.NewStore(db, queue)
	workflow := service.NewReconciliationWorkflowService(store, workflowConfig, resolver, m, log)
	uploads := service.NewUploadService(store, items, items, log)

	services := handler.Services{
		Uploads:              uploads,
		Workflow:             workflow,
		Queries:              queries,
		Config:               workflowConfig,
		SubmitBreakdownID:    cfg.Workflow.SubmitBreakdownID,
		SubmittedBreakdownID: cfg.Workflow.SubmittedBreakdownID,
	}

	// Setup HTTP routes
	mux := http.NewServeMux()
	handler.NewHTTPHandler(services, db, m, log).Register(mux)
	mux.Handle("GET /metrics", m.Handler())

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Logger(log)(h)
	h = middleware.UserID(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(log)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.IdentityInterceptor,
		handler.LoggingInterceptor(log.Logger),
	))
	handler.NewGRPCHandler(services, log.Logger).Register(grpcServer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	if err := queue.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			m.UpdatePool(db.Pool)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		if err := queue.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Queue shutdown failed")
		}
		return nil
	})

	return g.Wait()
}
