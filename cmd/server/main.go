// @title           Image Creator Backend API
// @version         1.0.0
// @description     Credits, image generation tasks, payments and templates for the image creator app.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the Supabase access token.

// @securityDefinitions.apikey AdminAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by the admin API secret.

// @securityDefinitions.apikey TaskSecret
// @in header
// @name X-Task-Secret

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"image-creator-backend/internal/auth"
	"image-creator-backend/internal/cache"
	"image-creator-backend/internal/config"
	"image-creator-backend/internal/credits"
	"image-creator-backend/internal/database"
	"image-creator-backend/internal/handlers"
	"image-creator-backend/internal/imagegen"
	"image-creator-backend/internal/logger"
	"image-creator-backend/internal/metrics"
	"image-creator-backend/internal/middleware"
	"image-creator-backend/internal/notifier"
	"image-creator-backend/internal/payment"
	"image-creator-backend/internal/ratelimit"
	"image-creator-backend/internal/services"
	"image-creator-backend/internal/supabase"
	"image-creator-backend/internal/sweeper"
	"image-creator-backend/internal/tasks"
	"image-creator-backend/internal/templates"
	"image-creator-backend/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog, err := logger.New(logger.Config{
		ServiceName: "image-creator-backend",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database and migrations
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := database.NewMigrator(db, zlog).Run(); err != nil {
		zlog.Fatal("migration failed", zap.Error(err))
	}
	dbClient := supabase.NewDatabaseClient(db)

	// Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		zlog.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// Notifier
	hub := notifier.NewHub(notifier.NewRedisBroker(rdb, zlog), notifier.DefaultBufferSize, zlog)
	if err := hub.Start(ctx); err != nil {
		zlog.Fatal("failed to start task notifier", zap.Error(err))
	}
	defer func() { _ = hub.Stop() }()

	// Domain services
	ledger := credits.NewLedger(dbClient, cfg.DefaultCredits, zlog)
	taskService := tasks.NewService(dbClient, ledger, hub, cfg.TaskCreditCost, cfg.DefaultCredits, zlog)
	templateService := templates.NewService(dbClient)
	gateway := payment.NewEpayGateway(cfg.PaymentGatewayURL, cfg.PaymentMerchantID, cfg.PaymentMerchantKey)
	reconciler := payment.NewReconciler(dbClient, gateway, cfg.DefaultCredits, zlog)
	var sweeperOpts []sweeper.Option
	if !cfg.WorkerEnabled {
		sweeperOpts = append(sweeperOpts, sweeper.WithPendingTasks())
	}
	stuckSweeper := sweeper.New(dbClient, taskService, ledger, zlog, sweeperOpts...)

	// Supabase auth and storage
	supabaseClient, err := supabase.NewClient(cfg)
	if err != nil {
		zlog.Fatal("failed to initialize supabase client", zap.Error(err))
	}
	storageClient := supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	sessionCache := cache.NewStore(rdb, "image-creator:")
	authService := auth.NewService(supabaseClient.Supabase.Auth, sessionCache, cfg.OAuthRedirectURL, zlog)

	// Generation pipeline
	imageClient := imagegen.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	generation := services.NewGenerationService(taskService, imageClient, storageClient, cfg.ImageTimeout, zlog)

	var (
		workerServer *asynq.Server
		scheduler    *asynq.Scheduler
		inline       *worker.InlineEnqueuer
	)
	if cfg.WorkerEnabled {
		redisConnOpt, err := worker.RedisOpt(cfg.RedisURL)
		if err != nil {
			zlog.Fatal("invalid asynq redis options", zap.Error(err))
		}
		queueClient := asynq.NewClient(redisConnOpt)
		defer queueClient.Close()
		taskService.SetEnqueuer(worker.NewEnqueuer(queueClient, cfg.ImageTimeout))

		mux := asynq.NewServeMux()
		worker.NewProcessor(generation, stuckSweeper, cfg.StuckTaskThreshold(), zlog).Register(mux)
		workerServer = worker.NewServer(redisConnOpt, cfg.WorkerConcurrency, zlog)
		if err := workerServer.Start(mux); err != nil {
			zlog.Fatal("failed to start asynq server", zap.Error(err))
		}

		scheduler, err = worker.NewScheduler(redisConnOpt, cfg.SweepSchedule, cfg.StuckTaskMinutes, zlog)
		if err != nil {
			zlog.Fatal("failed to configure sweep scheduler", zap.Error(err))
		}
		if scheduler != nil {
			if err := scheduler.Start(); err != nil {
				zlog.Fatal("failed to start sweep scheduler", zap.Error(err))
			}
		}
	} else {
		inline = worker.NewInlineEnqueuer(generation, cfg.WorkerConcurrency, zlog)
		taskService.SetEnqueuer(inline)
		// Tasks queued in memory do not survive a restart; the sweep fails and refunds them.
		go stuckSweeper.Every(ctx, max(cfg.StuckTaskThreshold()/3, time.Minute), cfg.StuckTaskThreshold())
		zlog.Warn("asynq worker disabled, generating in-process")
	}

	// Handlers
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"database": dbClient,
		"redis":    handlers.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	})
	creditsHandler := handlers.NewCreditsHandler(ledger, sessionCache,
		ratelimit.NewWindow(rdb, "ratelimit:credits:", cfg.CreditsRateLimit, cfg.CreditsRateWindow), zlog)
	streamHandler := handlers.NewStreamHandler(taskService, hub, zlog)
	tasksHandler := handlers.NewTasksHandler(taskService, templateService, streamHandler)
	paymentHandler := handlers.NewPaymentHandler(reconciler, zlog)
	adminHandler := handlers.NewAdminHandler(stuckSweeper, cfg.StuckTaskMinutes)
	templatesHandler := handlers.NewTemplatesHandler(templateService)
	authHandler := handlers.NewAuthHandler(authService)

	publicLimiter := ratelimit.NewIPLimiter(30, 10)
	limiterStop := make(chan struct{})
	defer close(limiterStop)
	publicLimiter.StartCleanup(5*time.Minute, limiterStop)

	// Setup router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinMiddleware(zlog))
	router.Use(metrics.GinMiddleware())

	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")

	authRoutes := api.Group("/auth", publicLimiter.Middleware())
	authRoutes.POST("/signup", authHandler.SignUp)
	authRoutes.POST("/login", authHandler.Login)
	authRoutes.GET("/oauth/:provider", authHandler.StartOAuth)
	authRoutes.GET("/callback", authHandler.Callback)

	// Gateway callbacks are signed, not authenticated.
	api.GET("/payment/webhook", publicLimiter.Middleware(), paymentHandler.Webhook)
	api.POST("/payment/webhook", publicLimiter.Middleware(), paymentHandler.Webhook)

	api.POST("/credits/update", middleware.AdminOrUser(cfg), creditsHandler.UpdateCredits)
	api.POST("/task-notification", middleware.InternalOrUser(cfg), tasksHandler.PostNotification)

	user := api.Group("", middleware.AuthMiddleware(cfg))
	user.GET("/credits/get", creditsHandler.GetCredits)
	user.GET("/credits/history", creditsHandler.History)
	user.POST("/generate", tasksHandler.Generate)
	user.GET("/tasks", tasksHandler.ListTasks)
	user.GET("/tasks/:taskId", tasksHandler.GetTask)
	user.GET("/tasks/stream/:taskId", streamHandler.SSE)
	user.GET("/tasks/ws/:taskId", streamHandler.WebSocket)
	user.GET("/task-notification", tasksHandler.GetNotification)
	user.GET("/task-final-check/:taskId", tasksHandler.GetTask)
	user.POST("/task-final-check/:taskId", tasksHandler.CancelTask)
	user.GET("/payment/check", paymentHandler.Check)
	user.GET("/templates", templatesHandler.List)
	user.POST("/templates", templatesHandler.Create)
	user.GET("/templates/:id", templatesHandler.Get)
	user.PUT("/templates/:id", templatesHandler.Update)
	user.DELETE("/templates/:id", templatesHandler.Delete)

	admin := api.Group("", middleware.AdminAuth(cfg))
	admin.GET("/payment/fix", paymentHandler.Fix)
	admin.POST("/admin/payment/sync", paymentHandler.Sync)
	admin.POST("/admin/fix-stuck-tasks", adminHandler.FixStuckTasks)
	admin.POST("/admin/credits/reconcile", creditsHandler.Reconcile)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("server starting", zap.String("port", cfg.Port), zap.Bool("worker_enabled", cfg.WorkerEnabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("http shutdown failed", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Shutdown()
	}
	if workerServer != nil {
		workerServer.Shutdown()
	}
	if inline != nil {
		inline.Wait()
	}
}
