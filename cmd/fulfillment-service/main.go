package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/consumers"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/handler"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/fulfillment/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/config"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("fulfillment-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("fulfillment-service", cfg.Server.Environment)
	log.Info().Msg("starting Fulfillment Service")

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Apply schema migrations
	if err := runMigrations(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	// Initialize event publisher
	publisher, err := events.NewFulfillmentEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	// Initialize repositories
	stockRepo := repository.NewBatchStoreRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)

	// Initialize services
	fulfillmentService := service.NewFulfillmentService(db, stockRepo, orderRepo, ledgerRepo, publisher, log)
	reconciler := service.NewReconciler(db, stockRepo, publisher, cfg.Reconciler.Interval, cfg.Reconciler.AutoRepair, log)

	// Initialize handlers
	orderHandler := handler.NewOrderHandler(fulfillmentService, log)
	stockHandler := handler.NewStockHandler(fulfillmentService, log)
	dispenseHandler := handler.NewDispenseHandler(fulfillmentService, log)
	reconcileHandler := handler.NewReconcileHandler(reconciler, log)

	// Start delivery event consumer
	deliveryConsumer, err := consumers.NewDeliveryEventConsumer(rmq, fulfillmentService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create delivery event consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := deliveryConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start delivery event consumer")
	}

	// Start periodic reconciliation sweep
	reconciler.Start(ctx)
	defer reconciler.Stop()

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httputil.ActorMiddleware) // Extract acting party from gateway headers

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "fulfillment-service",
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", orderHandler.List)
			r.Post("/", orderHandler.Create)
			r.Get("/{id}", orderHandler.Get)
			r.Post("/{id}/dispatch", orderHandler.Dispatch)
			r.Post("/{id}/reject", orderHandler.Reject)
			r.Post("/{id}/request-delivery", orderHandler.RequestDelivery)
			r.Post("/{id}/out-for-delivery", orderHandler.OutForDelivery)
			r.Post("/{id}/delivery-confirmed", orderHandler.DeliveryConfirmed)
		})

		// Stock routes, scoped to the acting party
		r.Route("/stock", func(r chi.Router) {
			r.Get("/", stockHandler.List)
			r.Get("/low", stockHandler.LowStock)
			r.Get("/expiring", stockHandler.Expiring)
			r.Get("/expired", stockHandler.Expired)
			r.Route("/{medicineID}", func(r chi.Router) {
				r.Get("/", stockHandler.Get)
				r.Post("/credit", stockHandler.Credit)
				r.Put("/batches/{batchNumber}", stockHandler.UpsertBatch)
				r.Get("/verify", reconcileHandler.Verify)
				r.Post("/reconcile", reconcileHandler.Repair)
				r.Post("/dispense", dispenseHandler.Dispense)
			})
		})

		// Dispense ledger routes
		r.Route("/dispenses", func(r chi.Router) {
			r.Get("/", dispenseHandler.List)
			r.Get("/summary", dispenseHandler.Summary)
		})
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop the consumer and the reconciler
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// runMigrations applies the schema statements in order. Every statement
// is idempotent, so reapplying on startup is safe.
func runMigrations(ctx context.Context, db *database.DB) error {
	for _, stmt := range repository.Migrations() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
