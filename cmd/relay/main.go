package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/smshook/internal/config"
	"github.com/kursadbilgin/smshook/internal/deliverylog"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/handler"
	"github.com/kursadbilgin/smshook/internal/infra/postgresql"
	"github.com/kursadbilgin/smshook/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/smshook/internal/infra/redis"
	"github.com/kursadbilgin/smshook/internal/observability"
	"github.com/kursadbilgin/smshook/internal/queue"
	"github.com/kursadbilgin/smshook/internal/ratelimit"
	"github.com/kursadbilgin/smshook/internal/repository"
	"github.com/kursadbilgin/smshook/internal/scheduler"
	"github.com/kursadbilgin/smshook/internal/secrets"
	"github.com/kursadbilgin/smshook/internal/service"
	"github.com/kursadbilgin/smshook/internal/transport"
	"github.com/kursadbilgin/smshook/internal/ussd"
	"github.com/kursadbilgin/smshook/internal/webhook"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const (
	httpShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 15 * time.Second
	probeTimeout             = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("relay stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	mq, err := queue.NewBroker(ctx, cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer mq.Close()

	// Delivery log: Redis is the live store, the file backup seeds it after a
	// Redis flush.
	logStore, err := infraredis.NewLogStore(rdb, cfg.RedisKeyPrefix)
	if err != nil {
		return err
	}
	backup, err := deliverylog.NewFileBackup(cfg.BackupPath)
	if err != nil {
		return err
	}
	deliveries, err := deliverylog.New(ctx, logStore, backup, cfg.LogCapacity, logger)
	if err != nil {
		return fmt.Errorf("delivery log initialization failed: %w", err)
	}
	unsubscribe := deliveries.Subscribe(func(_ []domain.DeliveryRecord, stats domain.Stats) {
		metrics.SetDeliveryLogStats(stats)
	})
	defer unsubscribe()
	metrics.SetDeliveryLogStats(deliveries.Stats())

	snapshotter, err := deliverylog.NewSnapshotter(deliveries, cfg.BackupInterval(), logger)
	if err != nil {
		return err
	}

	sealer, err := secrets.NewSealer(cfg.SecretsKey)
	if err != nil {
		return fmt.Errorf("secrets initialization failed: %w", err)
	}
	destinations, err := service.NewDestinationService(
		repository.NewGormDestinationRepo(db),
		sealer,
		service.LegacyDestination{
			URL:      cfg.DefaultWebhookURL,
			Secret:   cfg.DefaultWebhookSecret,
			Priority: cfg.DefaultWebhookPriority,
		},
		logger,
	)
	if err != nil {
		return err
	}

	var limiter ratelimit.Chain
	if cfg.LocalRatePerSec > 0 {
		limiter = append(limiter, ratelimit.NewLocal(float64(cfg.LocalRatePerSec), cfg.LocalBurst))
	}
	if cfg.RateLimitPerSec > 0 {
		shared, err := infraredis.NewDestinationLimiter(rdb, cfg.RedisKeyPrefix, cfg.RateLimitPerSec, time.Second)
		if err != nil {
			return err
		}
		limiter = append(limiter, shared)
	}
	poster := webhook.NewClient(webhook.Config{
		Timeout:          cfg.WebhookTimeout(),
		BreakerThreshold: uint32(cfg.BreakerThreshold),
		BreakerCooldown:  cfg.BreakerCooldown(),
	}, limiter, logger)
	payloads := webhook.NewEnvelope(webhook.EnvelopeConfig{Vendor: cfg.Vendor, DeviceID: cfg.DeviceID})

	delivery, err := service.NewDeliveryService(deliveries, destinations, poster, payloads, logger)
	if err != nil {
		return err
	}
	delivery.SetMetrics(metrics)
	delivery.SetCircuitDelay(cfg.BreakerCooldown())

	tasks, err := infraredis.NewTaskQueue(rdb, cfg.RedisKeyPrefix, logger)
	if err != nil {
		return err
	}
	var connectivity scheduler.Connectivity = scheduler.AlwaysOnline{}
	if cfg.ConnectivityProbeURL != "" {
		connectivity = scheduler.NewHTTPProbe(cfg.ConnectivityProbeURL, probeTimeout, 0, logger)
	}
	sched, err := scheduler.New(tasks, delivery.Handle, connectivity, scheduler.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.PollInterval(),
		BaseDelay:    cfg.RetryBaseDelay(),
		MaxAttempts:  cfg.MaxAttempts,
	}, logger)
	if err != nil {
		return err
	}
	sched.SetMetrics(metrics)

	ingestor, err := service.NewIngestor(deliveries, sched, nil, service.IngestorConfig{
		ForwardingEnabled: cfg.ForwardingEnabled,
		DedupWindow:       cfg.DedupWindow(),
		DedupCapacity:     cfg.DedupCapacity,
		Rules: service.ForwardingRules{
			SenderContains: cfg.RuleSenderContains,
			BodyIncludes:   cfg.RuleBodyIncludes,
			BodyExcludes:   cfg.RuleBodyExcludes,
			OverrideURL:    cfg.RuleOverrideURL,
		},
		DefaultSlot: cfg.DefaultSlot,
	}, logger)
	if err != nil {
		return err
	}
	ingestor.SetMetrics(metrics)

	history, err := service.NewHistoryService(deliveries, sched, logger)
	if err != nil {
		return err
	}

	var jobs queue.MessageHandler
	if cfg.USSDEnabled() {
		jobs, err = newJobHandler(cfg, ingestor, metrics, logger)
		if err != nil {
			return err
		}
	}

	publisher := queue.NewJobPublisher(mq)

	app := fiber.New(fiber.Config{
		AppName:               "smshook",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	for _, h := range handler.RequestID() {
		app.Use(h)
	}
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.ReadinessCheck{Name: "rabbitmq", Ping: mq.Ping},
	)
	if err := handler.RegisterEventRoutes(app, ingestor); err != nil {
		return err
	}
	if err := handler.RegisterDeliveryRoutes(app, history); err != nil {
		return err
	}
	if err := handler.RegisterDestinationRoutes(app, destinations); err != nil {
		return err
	}
	if err := handler.RegisterJobRoutes(app, publisher, sched); err != nil {
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		snapshotter.Start(workerCtx)
	})
	lifecycle.Go(func() {
		if err := sched.Start(workerCtx); err != nil {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	})
	if jobs != nil {
		consumer := queue.NewJobConsumer(mq, cfg.USSDConsumerPrefetch, logger)
		lifecycle.Go(func() {
			if err := consumer.Consume(workerCtx, queue.JobQueueName, jobs); err != nil {
				logger.Error("ussd job consumer stopped", zap.Error(err))
			}
		})
	}

	serverErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("smshook relay started", zap.String("addr", addr), zap.Bool("ussd", jobs != nil))
		serverErr <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}

	if err := app.ShutdownWithTimeout(httpShutdownTimeout); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	stopWorkers()

	done := make(chan struct{})
	go func() {
		lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("workers stopped")
	case <-time.After(lifecycleShutdownTimeout):
		logger.Warn("timed out waiting for workers")
	}
	return nil
}

// newJobHandler runs one USSD job per queue message. Failed jobs are rejected
// to the dead-letter queue; the job API already retried the fetch.
func newJobHandler(cfg *config.Config, ingestor *service.Ingestor, metrics *observability.Metrics, logger *zap.Logger) (queue.MessageHandler, error) {
	api, err := ussd.NewClient(cfg.USSDAPIURL, cfg.WebhookTimeout(), logger)
	if err != nil {
		return nil, err
	}
	dialer, err := ussd.NewHTTPDialer(cfg.DialerURL, cfg.WebhookTimeout())
	if err != nil {
		return nil, err
	}
	runner, err := ussd.NewRunner(api, dialer, ingestor, ussd.RunnerConfig{ForwardResults: cfg.ForwardUSSDResults}, logger)
	if err != nil {
		return nil, err
	}
	runner.SetMetrics(metrics)

	return func(ctx context.Context, msg queue.JobMessage) error {
		if msg.CorrelationID != "" {
			ctx = observability.WithRequestID(ctx, msg.CorrelationID)
		}
		if _, err := runner.Run(ctx, msg.JobID); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("%w: %v", queue.ErrRejected, err)
		}
		return nil
	}, nil
}
