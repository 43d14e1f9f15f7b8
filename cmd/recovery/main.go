package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/sf7293/heartbeat-agent/configs"
	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/logging"
	"github.com/sf7293/heartbeat-agent/internal/postgres"
	"github.com/sf7293/heartbeat-agent/internal/queue"
	"github.com/sf7293/heartbeat-agent/internal/sqlite"
)

// Usage: recovery <past_seconds> <limit>
//
// Returns tasks left running for longer than past_seconds to pending. Run it only
// while no server executes against the same store.
func main() {
	cfg := configs.InitConfig()
	slog.SetDefault(logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "recovery"))

	args := os.Args
	if len(args) < 3 {
		log.Fatal("Insufficient arguments are provided in calling the command, usage: recovery <past_seconds> <limit>")
		return
	}

	// Tasks whose updated_at has not changed during the past X seconds are considered stale
	pastSecondsStr := args[1]
	pastSeconds, err := strconv.ParseInt(pastSecondsStr, 10, 64)
	if err != nil || pastSeconds < 0 {
		log.Fatalf("Invalid input is given for the past_seconds arg, it must be a non-negative integer: %q", pastSecondsStr)
		return
	}

	// This argument defines maximum number of tasks to be fetched by query
	limitStr := args[2]
	limit, err := strconv.ParseInt(limitStr, 10, 32)
	if err != nil || limit <= 0 {
		log.Fatalf("Invalid input is given for the limit arg, it must be a positive integer: %q", limitStr)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancel()

	var storage domain.Storage
	switch cfg.StorageDriver {
	case "postgres":
		pg, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
		if err != nil {
			log.Fatal(err)
		}
		storage = pg
	default:
		lite, err := sqlite.NewStorage(ctx, configs.ToSQLiteDSN(cfg.SQLitePath))
		if err != nil {
			log.Fatal(err)
		}
		storage = lite
	}
	defer func() {
		if err := storage.Close(); err != nil {
			slog.Error("An error occurred while closing the task store", "error", err.Error())
		}
	}()
	slog.Info("Task store has been initialized successfully", "driver", cfg.StorageDriver)

	q, err := queue.New(storage)
	if err != nil {
		log.Fatal(err)
	}

	slog.Info("Requeueing stale running tasks", "past_seconds_threshold", pastSeconds, "limit", limit)
	requeued, err := q.RequeueStale(ctx, time.Duration(pastSeconds)*time.Second, int32(limit))
	if err != nil {
		slog.Error("Error occurred while requeueing stale tasks", "error", err.Error())
		return
	}
	slog.Info("Stale tasks have been requeued", "successful_requeued_count", requeued)
}
