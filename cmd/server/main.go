package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sf7293/heartbeat-agent/configs"
	"github.com/sf7293/heartbeat-agent/internal/bus"
	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/heartbeat"
	"github.com/sf7293/heartbeat-agent/internal/logging"
	"github.com/sf7293/heartbeat-agent/internal/postgres"
	"github.com/sf7293/heartbeat-agent/internal/queue"
	"github.com/sf7293/heartbeat-agent/internal/rabbitmq"
	"github.com/sf7293/heartbeat-agent/internal/redis"
	"github.com/sf7293/heartbeat-agent/internal/reflection"
	"github.com/sf7293/heartbeat-agent/internal/server"
	"github.com/sf7293/heartbeat-agent/internal/sqlite"
	"github.com/sf7293/heartbeat-agent/pkg/maintain"
	"github.com/sf7293/heartbeat-agent/pkg/pipeline"
	"github.com/sf7293/heartbeat-agent/pkg/process"
	"github.com/sf7293/heartbeat-agent/pkg/remind"
)

var storageIsReady, rabbitIsReady bool

func main() {
	if err := run(); err != nil {
		slog.Error("heartbeat failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server exiting")
}

// run serves until a signal arrives or the scheduler stops on a fatal store error,
// which it returns.
func run() error {
	cfg := configs.InitConfig()

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connecting to infrastructure is limited to cfg.ServerTimeOutInSeconds seconds
	startupCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancel()

	storage, err := openStorage(startupCtx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			slog.Error("An error occurred while closing the task store", "error", err.Error())
		}
	}()
	storageIsReady = true
	slog.Info("Task store has been initialized successfully", "driver", cfg.StorageDriver)

	q, err := queue.New(storage, queue.WithLogger(logger.With("component", "queue")))
	if err != nil {
		log.Fatal(err)
	}
	if cfg.SeedInitialTasks {
		if _, err := q.SeedIfEmpty(startupCtx); err != nil {
			log.Fatal(err)
		}
	}

	var lock domain.DistributedLock
	if cfg.RedisConfig.Enabled() {
		redisClient, err := redis.NewClient(startupCtx, cfg.RedisConfig.ToRedisConnectionUri())
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				slog.Error("An error occurred while closing Redis connection", "error", err.Error())
			}
		}()
		lock = redisClient
		slog.Info("Redis tick lock has been initialized successfully")
	}

	eventBus := bus.New(q.Summary,
		bus.WithBufferSize(cfg.Events.BufferSize),
		bus.WithLogger(logger.With("component", "bus")),
	)

	var broker domain.Broker
	rabbitIsReady = true
	if cfg.RabbitMQ.Enabled() {
		rabbitClient, err := rabbitmq.NewRabbitMQClient(cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.GetMainQueueNames())
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := rabbitClient.Close(); err != nil {
				slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
			}
		}()
		broker = rabbitClient
		slog.Info("RabbitMQ has been initialized successfully")

		relay := rabbitmq.NewEventRelay(rabbitClient, cfg.RabbitMQ.EventsQueueName, logger)
		go func() {
			if err := relay.Run(ctx, eventBus); err != nil {
				slog.Error("event relay stopped", "error", err)
			}
		}()
	}

	registry, proposer, err := buildCapabilities(cfg, storage, q, lock, broker, logger)
	if err != nil {
		log.Fatal(err)
	}

	schedulerOpts := []heartbeat.Option{
		heartbeat.WithLogger(logger.With("component", "heartbeat")),
		heartbeat.WithReflector(reflection.NewGenerator(q, proposer, cfg.Heartbeat.MaxProposals, logger.With("component", "reflection"))),
	}
	if lock != nil {
		schedulerOpts = append(schedulerOpts, heartbeat.WithLock(lock))
	}
	scheduler := heartbeat.NewScheduler(schedulerConfig(cfg.Heartbeat), q, registry, eventBus, schedulerOpts...)

	router, err := setupHTTPServer(dependencies{
		storage:      storage,
		logic:        server.NewServerLogic(q),
		bus:          eventBus,
		scheduler:    scheduler,
		registry:     registry,
		lock:         lock,
		broker:       broker,
		pingInterval: cfg.Events.PingInterval(),
		retryMillis:  uint(cfg.Events.RetryMilliseconds),
	})
	if err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		slog.Info("Starting server", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen failed", "error", err)
			stop()
		}
	}()

	schedulerErr := make(chan error, 1)
	go func() { schedulerErr <- scheduler.Run(ctx) }()

	var fatal error
	select {
	case <-ctx.Done():
	case fatal = <-schedulerErr:
	}
	stop()

	slog.Info("Shutting down server...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	return fatal
}

func openStorage(ctx context.Context, cfg *configs.Config) (domain.Storage, error) {
	switch cfg.StorageDriver {
	case "sqlite":
		storage, err := sqlite.NewStorage(ctx, configs.ToSQLiteDSN(cfg.SQLitePath))
		if err != nil {
			return nil, err
		}
		return storage, nil
	case "postgres":
		if err := postgres.Migrate(cfg.Database.ToMigrationUri()); err != nil {
			return nil, err
		}
		slog.Info("Migrations ran successfully")

		storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
		if err != nil {
			return nil, err
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// buildCapabilities wires the executors behind every task type. Without a pipeline
// URL only remind and maintain can succeed.
func buildCapabilities(cfg *configs.Config, storage domain.Storage, q *queue.Queue, lock domain.DistributedLock, broker domain.Broker, logger *slog.Logger) (*process.Registry, domain.Proposer, error) {
	var remote interface {
		domain.Executor
		domain.Proposer
	} = pipeline.Disabled{}
	if cfg.Pipeline.Enabled() {
		remote = pipeline.NewClient(cfg.Pipeline.URL, cfg.Pipeline.Timeout(), pipeline.WithLogger(logger.With("component", "pipeline")))
	} else {
		slog.Warn("PIPELINE_URL is not set, only local task types will succeed")
	}

	checks := []maintain.Check{
		maintain.PingCheck("store_ping", storage.Ping),
		maintain.QueueCheck(q.Summary),
		maintain.RuntimeCheck(),
	}
	if lock != nil {
		checks = append(checks, maintain.PingCheck("redis_ping", lock.Ping))
	}
	if broker != nil {
		checks = append(checks, maintain.PingCheck("rabbit_health", func(context.Context) error {
			if !broker.IsHealthy() {
				return errors.New("rabbitmq is not healthy")
			}
			return nil
		}))
	}

	registry, err := process.NewDefaultRegistry(
		remote,
		remind.NewReminder(remind.LogNotify(logger.With("component", "remind"))),
		maintain.NewMaintainer(checks...),
	)
	if err != nil {
		return nil, nil, err
	}
	return registry, remote, nil
}

func schedulerConfig(h configs.HeartbeatConfig) heartbeat.Config {
	return heartbeat.Config{
		Interval:           h.Interval(),
		StartupDelay:       h.StartupDelay(),
		RetryCeiling:       h.RetryCeiling,
		RetryBackoff:       h.RetryBackoff(),
		RetryBackoffMax:    h.RetryBackoffMax(),
		ReflectionInterval: h.ReflectionInterval(),
		PauseCooldown:      h.PauseCooldown(),
		LockTTL:            h.LockTTL(),
	}
}
