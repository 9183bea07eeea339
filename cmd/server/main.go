package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/genforge/backend/docs"
	"github.com/genforge/backend/internal/database"
	"github.com/genforge/backend/internal/handlers"
	mW "github.com/genforge/backend/internal/middleware"
	"github.com/genforge/backend/internal/models"
	"github.com/genforge/backend/internal/observability"
	"github.com/genforge/backend/internal/processor"
	"github.com/genforge/backend/internal/queue"
	"github.com/genforge/backend/internal/services"
)

// @title GenForge Backend API
// @version 1.0
// @description Token ledger and job dispatch API for paid generation work
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	viper.BindEnv("worker.poll_interval", "WORKER_POLL_INTERVAL")
	viper.BindEnv("worker.visibility_timeout", "WORKER_VISIBILITY_TIMEOUT")
	viper.BindEnv("reconcile.stale_after", "RECONCILE_STALE_AFTER")

	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)
	viper.SetDefault("worker.concurrency", 8)
	viper.SetDefault("worker.poll_interval", 500*time.Millisecond)
	viper.SetDefault("worker.visibility_timeout", 5*time.Minute)
	viper.SetDefault("reconcile.stale_after", 24*time.Hour)

	// Swagger metadata
	docs.SwaggerInfo.Title = "GenForge Backend API"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"

	// Stores
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	// Event hooks: Prometheus counters plus a debug log hook
	hooks := observability.NewHooks(
		observability.PrometheusHook{},
		observability.HookFunc(func(e observability.Event) {
			log.Printf("[EVENTS] %s queue=%s job=%s", e.Kind, e.QueueName, e.JobID)
		}),
	)

	// Services
	ledgerService := services.NewLedgerService(db, hooks)
	authService := services.NewAuthService(db, ledgerService)
	topUpService := services.NewTopUpService()

	// Queue
	backend := queue.NewRedisQueue(redisClient)
	backend.VisibilityTimeout = viper.GetDuration("worker.visibility_timeout")
	producer := queue.NewProducer(backend, map[string]queue.Defaults{
		"image-generation": {Priority: models.PriorityNormal, Attempts: 3, BackoffMS: 2000},
		"chat-completion":  {Priority: models.PriorityHigh, Attempts: 5, BackoffMS: 1000},
		"composite-image":  {Priority: models.PriorityNormal, Attempts: 3, BackoffMS: 5000},
		"ledger-reconcile": {Priority: models.PriorityLow, Attempts: 1, BackoffMS: 60000},
	}, hooks)

	// Guarded processors: one per billable queue. Generation providers are
	// registered by the deployment; the default wiring dispatches to them
	// through the provider registry payload.
	pool := queue.NewWorkerPool(backend,
		viper.GetInt("worker.concurrency"),
		viper.GetDuration("worker.poll_interval"))

	for kind, queueName := range handlers.QueueForKind {
		guard := processor.New(ledgerService, processor.TokenDeductionConfig{
			Enabled:                     true,
			OperationKind:               kind,
			SkipChargeOnExplicitFailure: true,
		}, dispatchToProvider, nil, hooks)
		pool.Register(queueName, guard.Handler())
	}

	// Reconciliation sweep for debits stranded between charge and finalize
	reconciler := services.NewReconciliationService(ledgerService, backend,
		viper.GetDuration("reconcile.stale_after"))
	pool.Register("ledger-reconcile", reconciler.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if _, err := producer.AddRepeatableJob(ctx, "ledger-reconcile", nil, time.Hour,
		&queue.JobOptions{JobID: "ledger-reconcile-sweep"}); err != nil {
		log.Printf("Failed to schedule reconciliation sweep: %v", err)
	}

	// Handlers
	balanceHandler := handlers.NewBalanceHandler(ledgerService)
	jobHandler := handlers.NewJobHandler(producer)
	topUpHandler := handlers.NewTopUpHandler(topUpService)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/balance", balanceHandler.GetBalance)
			r.Post("/balance/renew", balanceHandler.Renew)
			r.Get("/operations", balanceHandler.GetOperations)

			r.Post("/jobs", jobHandler.SubmitJob)
			r.Post("/jobs/bulk", jobHandler.SubmitBulk)

			r.Get("/queues/{name}/metrics", jobHandler.GetQueueMetrics)
			r.Post("/queues/{name}/pause", jobHandler.PauseQueue)
			r.Post("/queues/{name}/resume", jobHandler.ResumeQueue)
			r.Post("/queues/{name}/drain", jobHandler.DrainQueue)
			r.Post("/queues/{name}/clean", jobHandler.CleanQueue)

			r.Post("/topup/qr", topUpHandler.GenerateQR)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	// Let in-flight jobs finish before exiting.
	pool.Stop()

	log.Println("Server stopped")
}
