package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sf7293/heartbeat-agent/internal/bus"
	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
	"github.com/sf7293/heartbeat-agent/internal/heartbeat"
	"github.com/sf7293/heartbeat-agent/internal/logging"
	"github.com/sf7293/heartbeat-agent/internal/queue"
	"github.com/sf7293/heartbeat-agent/internal/server"
	"github.com/sf7293/heartbeat-agent/pkg/process"
)

type dependencies struct {
	storage   domain.Storage
	logic     *server.ServerLogic
	bus       *bus.Bus
	scheduler *heartbeat.Scheduler
	registry  *process.Registry
	// lock and broker are nil when Redis or RabbitMQ is not configured.
	lock         domain.DistributedLock
	broker       domain.Broker
	pingInterval time.Duration
	retryMillis  uint
}

func setupHTTPServer(deps dependencies) (*gin.Engine, error) {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := queue.RegisterValidations(v); err != nil {
			return nil, err
		}
	}

	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware())

	tasks := r.Group("/tasks")
	tasks.POST("", func(c *gin.Context) {
		req := domain.RouterRequestAddTask{}
		// Request binding and validation
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			logging.FromContext(c.Request.Context()).Info("error occurred while binding request", "error", err)
			writeError(c, fmt.Errorf("%w: %s", errval.ErrValidation, err.Error()))
			return
		}

		task, err := deps.logic.AddTask(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, task)
	})

	tasks.GET("", func(c *gin.Context) {
		limit, err := intQuery(c, "limit")
		if err != nil {
			writeError(c, err)
			return
		}
		offset, err := intQuery(c, "offset")
		if err != nil {
			writeError(c, err)
			return
		}

		list, summary, err := deps.logic.ListTasks(c.Request.Context(), c.Query("status"), limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"tasks": list, "summary": summary})
	})

	tasks.GET("/summary", func(c *gin.Context) {
		summary, err := deps.logic.Summary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, summary)
	})

	tasks.GET("/:id", func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		task, err := deps.logic.GetTask(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, task)
	})

	tasks.GET("/:id/history", func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		history, err := deps.logic.GetTaskStatusHistory(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"history": history})
	})

	tasks.DELETE("/:id", func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}

		task, err := deps.logic.CancelTask(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": string(domain.Cancelled), "task": task})
	})

	r.GET("/task-types", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"task_types": deps.registry.Descriptors()})
	})

	r.GET("/events", func(c *gin.Context) {
		streamEvents(c, deps.bus, deps.pingInterval, deps.retryMillis)
	})

	r.POST("/activity", func(c *gin.Context) {
		req := domain.RouterRequestActivity{}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, fmt.Errorf("%w: %s", errval.ErrValidation, err.Error()))
			return
		}

		switch req.State {
		case "started":
			deps.scheduler.UserActive()
		case "finished":
			deps.scheduler.UserIdle()
		default:
			deps.scheduler.Touch()
		}

		c.JSON(http.StatusOK, deps.scheduler.Status())
	})

	r.GET("/heartbeat", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.scheduler.Status())
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/readiness", func(c *gin.Context) {
		if storageIsReady && rabbitIsReady {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		// Checking health of depending upon infra connections
		err := deps.storage.Ping(c.Request.Context())
		if err != nil {
			slog.Error("Task store seems not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		if deps.lock != nil {
			if err := deps.lock.Ping(c.Request.Context()); err != nil {
				slog.Error("Redis seems not to be pingable in liveness API", "error", err.Error())
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
				return
			}
		}

		if deps.broker != nil && !deps.broker.IsHealthy() {
			slog.Error("Rabbit is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	return r, nil
}

// streamEvents holds the connection open and writes one SSE message per bus event.
// The first message is the connected digest and carries the reconnect delay.
func streamEvents(c *gin.Context, b *bus.Bus, pingInterval time.Duration, retryMillis uint) {
	ctx := c.Request.Context()
	sub, err := b.Subscribe(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	defer b.Unsubscribe(sub)

	logger := logging.FromContext(ctx).With("subscription_id", sub.ID())
	logger.Info("events stream opened")
	defer func() {
		logger.Info("events stream closed", "dropped", sub.Dropped())
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ping.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		case event, ok := <-sub.Ch():
			if !ok {
				return false
			}
			msg := sse.Event{Data: event}
			if event.Type == domain.EventConnected {
				msg.Retry = retryMillis
			}
			if err := sse.Encode(w, msg); err != nil {
				logger.Warn("failed to write event", "error", err)
				return false
			}
			return true
		}
	})
}

func writeError(c *gin.Context, err error) {
	code := errval.Code(err)
	status := http.StatusInternalServerError
	message := errval.ErrInternal.Error()
	switch code {
	case "validation":
		status, message = http.StatusBadRequest, err.Error()
	case "invalid_transition", "conflict":
		status, message = http.StatusConflict, err.Error()
	case "not_found":
		status, message = http.StatusNotFound, err.Error()
	default:
		code = "internal"
	}

	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func idParam(c *gin.Context) (int64, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		logging.FromContext(c.Request.Context()).Info("Invalid id parameter, error occurred while casting id str to int", "error", err)
		writeError(c, fmt.Errorf("%w: invalid id %q", errval.ErrValidation, idStr))
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errval.ErrValidation, key)
	}
	return n, nil
}
