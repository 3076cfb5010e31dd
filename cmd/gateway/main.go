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
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/api"
	"github.com/cosialm/hermitta/internal/circuitbreaker"
	"github.com/cosialm/hermitta/internal/config"
	"github.com/cosialm/hermitta/internal/db"
	"github.com/cosialm/hermitta/internal/dispatch"
	"github.com/cosialm/hermitta/internal/events"
	"github.com/cosialm/hermitta/internal/metrics"
	"github.com/cosialm/hermitta/internal/observ"
	"github.com/cosialm/hermitta/internal/redis"
	"github.com/cosialm/hermitta/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting hermitta gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	leaseRepo := db.NewLeaseRepository(database, logger)
	ruleRepo := db.NewRuleRepository(database, logger)
	ledger := db.NewLedger(database, logger)
	notifRepo := db.NewNotificationRepository(database, logger)
	directory := db.NewDirectory(database, logger)

	// Redis is an optimization layer: reservations and rate limiting are
	// disabled when it is unreachable, the Postgres ledger still holds.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, reservations and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var dedupCache *redis.DedupCache
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		dedupCache = redis.NewDedupCache(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	gateway, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var publisher dispatch.OutcomePublisher
	if cfg.SQSQueueURL != "" {
		p, err := events.NewPublisher(ctx, events.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("outcome publisher unavailable, events will not be exported", zap.Error(err))
		} else {
			publisher = p
		}
	}

	worker := dispatch.NewWorker(notifRepo, ledger, directory, directory, gateway, publisher, dispatch.Config{
		PollInterval: cfg.DispatchPollInterval,
		BatchSize:    cfg.DispatchBatchSize,
		MaxRetries:   cfg.DispatchMaxRetries,
	}, logger)

	var schedulerReservations scheduler.Reservations
	if dedupCache != nil {
		schedulerReservations = dedupCache
	}
	sched := scheduler.New(ruleRepo, leaseRepo, ledger, schedulerReservations, notifRepo, directory, scheduler.Config{
		Interval:    cfg.TickInterval,
		Concurrency: cfg.TickConcurrency,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go worker.Start(workerCtx)
	go sched.Start(workerCtx)
	logger.Info("dispatch worker and reminder scheduler started",
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Duration("dispatch_poll_interval", cfg.DispatchPollInterval),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, leaseRepo, notifRepo, sched, database)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.LandlordKeyFunc))

		r.Post("/reminders/tick", handler.RunTick)
		r.Get("/leases/{id}/terms", handler.GetLeaseTerms)
		r.Post("/leases/{id}/amendments", handler.CreateAmendment)
		r.Patch("/amendments/{id}", handler.UpdateAmendment)
		r.Delete("/amendments/{id}", handler.DeleteAmendment)
		r.Post("/amendments/{id}/activate", handler.ActivateAmendment)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/delivery", handler.RecordDelivery)
	})

	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildGateway assembles the delivery gateways, each behind its own
// circuit breaker, routed by delivery method. In development everything
// falls back to the log gateway.
func buildGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dispatch.Gateway, error) {
	if cfg.Env == "development" {
		logger.Info("development mode, deliveries are logged instead of sent")
		return dispatch.NewLogGateway(logger), nil
	}

	sesGateway, err := dispatch.NewSESGateway(ctx, dispatch.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email gateway: %w", err)
	}

	gateways := []dispatch.Gateway{
		circuitbreaker.NewProtectedGateway(sesGateway,
			circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger),
	}

	snsGateway, err := dispatch.NewSNSGateway(ctx, dispatch.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS gateway unavailable, SMS reminders disabled", zap.Error(err))
	} else {
		gateways = append(gateways, circuitbreaker.NewProtectedGateway(snsGateway,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger))
	}

	webhookGateway := dispatch.NewWebhookGateway(logger, dispatch.WebhookConfig{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	})
	gateways = append(gateways, circuitbreaker.NewProtectedGateway(webhookGateway,
		circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), logger), logger))

	logger.Info("delivery gateways initialized",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", snsGateway != nil),
		zap.Bool("webhook_enabled", true),
	)
	return dispatch.NewMultiGateway(logger, gateways...), nil
}
