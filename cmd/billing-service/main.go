package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/docketspace/billing/internal/cache"
	"github.com/docketspace/billing/internal/config"
	"github.com/docketspace/billing/internal/logger"
	"github.com/docketspace/billing/internal/migration"
	"github.com/docketspace/billing/internal/notify"
	"github.com/docketspace/billing/internal/policy"
	"github.com/docketspace/billing/internal/provider"
	"github.com/docketspace/billing/internal/store"
	"github.com/docketspace/billing/internal/sweep"
	"github.com/docketspace/billing/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New("billing-service")

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal("failed to ensure schema", "error", err)
	}

	// Redis is optional; plan lookups fall back to the database.
	if redisClient, err := cache.NewRedisClient(cfg.RedisURL); err != nil {
		log.Warn("redis unavailable, plan cache disabled", "error", err)
	} else {
		db = db.WithPlanCache(redisClient)
		defer redisClient.Close()
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		log.Warn("policy config not loaded, using defaults", "error", err)
		pol = policy.Default()
	}
	log.Info("billing policy loaded", "grace_period_days", pol.GracePeriodDays, "max_retries", pol.MaxRetries)

	providerClient := provider.NewHTTPClient(cfg.ProviderURL, cfg.ProviderAPIKey, 30*time.Second)
	publisher := notify.NewPublisher(cfg.NotificationURL, log)

	sweeper := sweep.New(db, providerClient, pol, publisher, cfg.SweepBatchSize, log)
	scheduler := sweep.NewScheduler(sweeper, cfg.SweepInterval, log)
	reconciler := webhook.NewReconciler(db, pol, publisher, cfg.WebhookSecret, log)
	migrations := migration.NewService(db, providerClient, publisher, log)

	handler := NewHandler(db, sweeper, scheduler, reconciler, migrations, cfg.CronSecret, log)

	r := mux.NewRouter()
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	r.HandleFunc("/plans", handler.ListPlans).Methods("GET")
	r.HandleFunc("/subscriptions", handler.CreateSubscription).Methods("POST")
	r.HandleFunc("/subscriptions/{id}", handler.GetSubscription).Methods("GET")
	r.HandleFunc("/subscriptions/{id}/migrate", handler.MigratePlan).Methods("POST")
	r.HandleFunc("/webhooks/payments", handler.HandleWebhook).Methods("POST")
	r.HandleFunc("/internal/renewals/run", handler.RunRenewals).Methods("POST")
	r.HandleFunc("/scheduler/status", handler.GetSchedulerStatus).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// The in-process scheduler is for single-instance deployments;
	// multi-instance deployments drive renewals through the cron
	// endpoint instead so only one sweep runs at a time.
	if cfg.SweepEnabled {
		scheduler.Start()
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("server is shutting down")

		scheduler.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Fatal("could not gracefully shutdown the server", "error", err)
		}
		close(done)
	}()

	log.Info("billing service starting", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("could not start server", "port", cfg.Port, "error", err)
	}

	<-done
	log.Info("server stopped")
}
