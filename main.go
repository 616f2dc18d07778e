package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wer-inc/reservation-core/internal/availability"
	"github.com/wer-inc/reservation-core/internal/booking"
	"github.com/wer-inc/reservation-core/internal/config"
	"github.com/wer-inc/reservation-core/internal/database"
	"github.com/wer-inc/reservation-core/internal/idempotency"
	"github.com/wer-inc/reservation-core/internal/outbox"
	"github.com/wer-inc/reservation-core/internal/realtime"
	"github.com/wer-inc/reservation-core/internal/router"
	"github.com/wer-inc/reservation-core/internal/schedule"
	"github.com/wer-inc/reservation-core/internal/slotstore"
	"github.com/wer-inc/reservation-core/pkg/events"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"github.com/wer-inc/reservation-core/pkg/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(2)
	}
	if err := database.HealthCheck(db, nil); err != nil {
		log.Error("database unreachable at startup", "error", err)
		os.Exit(2)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("failed to run database migrations", "error", err)
	}

	redisClient, err := database.ConnectRedis(cfg.Redis)
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	natsConn := mustConnectNATS(cfg, log)
	var publisher *events.Publisher
	if natsConn != nil {
		defer natsConn.Close()
		publisher = events.NewPublisher(natsConn, log)
	} else {
		publisher = events.NewNullPublisher(log)
	}

	slots := slotstore.New(db)
	idem := idempotency.New(db, time.Duration(cfg.Idempotency.TTLSeconds)*time.Second)
	coordinator := booking.New(db, slots, idem, log)

	availabilityQuery := availability.New(db, redisClient, log, availability.MaxCacheTTL)
	coordinator.SetAvailabilityInvalidator(availabilityQuery)

	compiler := schedule.New(db, log, cfg.Schedule.HorizonDays)

	dispatcher := outbox.New(db, log, cfg.Outbox.Batch, cfg.Outbox.MaxAttempts, cfg.Outbox.LeaseMs, cfg.Outbox.HandlerTimeout)
	notificationClient := outbox.NewNotificationClient(cfg.Notification.ServiceURL)
	outboxHandlers := outbox.NewHandlers(db, publisher, notificationClient, log)
	outboxHandlers.RegisterAll(dispatcher)

	hub := realtime.NewHub(log)
	go hub.Run()
	dispatcher.SetTransitionNotifier(hub)

	cronScheduler := scheduler.New(compiler, dispatcher, log)
	cronScheduler.Start()
	defer cronScheduler.Stop()

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()
	go runOutboxPollLoop(pollCtx, dispatcher, cfg.Outbox.PollInterval, log)

	engine := router.SetupRouter(router.Config{
		DB:           db,
		Redis:        redisClient,
		NATS:         natsConn,
		Coordinator:  coordinator,
		Availability: availabilityQuery,
		Live:         hub,
		Config:       cfg,
		Logger:       log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting reservation core", "port", cfg.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down reservation core")
	cancelPoll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	if err := database.Close(db, redisClient); err != nil {
		log.Error("error closing database connections", "error", err)
	}

	log.Info("reservation core stopped")
}

// runOutboxPollLoop drives the Outbox Dispatcher's claim/dispatch cycle on a
// fixed interval; pkg/scheduler's cron only owns the daily recompile and the
// once-a-minute lease sweep, since the dispatcher needs to run far more
// often than either.
func runOutboxPollLoop(ctx context.Context, d *outbox.Dispatcher, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		interval = outbox.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.RunOnce(ctx); err != nil {
				log.Error("outbox dispatch run failed", "error", err)
			} else if n > 0 {
				log.Debug("outbox dispatch run completed", "processed", n)
			}
		}
	}
}

func mustConnectNATS(cfg *config.Config, log *logger.Logger) *nats.Conn {
	conn, err := events.Connect(cfg.NATS)
	if err != nil {
		if cfg.Environment == "development" {
			log.Warn("failed to connect to NATS, continuing without it", "error", err)
			return nil
		}
		log.Fatal("failed to connect to NATS", "error", err)
	}
	return conn
}
