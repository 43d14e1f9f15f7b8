package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
	"github.com/sf7293/heartbeat-agent/internal/metrics"
	"github.com/sf7293/heartbeat-agent/internal/queue"
)

type State string

const (
	StateIdle       State = "idle"
	StateWorking    State = "working"
	StateReflecting State = "reflecting"
	StatePaused     State = "paused"
)

var allStates = []string{string(StateIdle), string(StateWorking), string(StateReflecting), string(StatePaused)}

// LockKey guards a tick against a second process sharing the same store.
const LockKey = "lock:heartbeat"

type Config struct {
	Interval           time.Duration
	StartupDelay       time.Duration
	RetryCeiling       int
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	ReflectionInterval time.Duration
	PauseCooldown      time.Duration
	LockTTL            time.Duration
}

type Publisher interface {
	Publish(event domain.Event)
}

type Reflector interface {
	Reflect(ctx context.Context) (int, error)
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	State          State      `json:"state"`
	CurrentTaskID  *int64     `json:"current_task_id"`
	LastTick       *time.Time `json:"last_tick"`
	LastReflection *time.Time `json:"last_reflection"`
	PauseLatched   bool       `json:"pause_latched"`
	UserActive     bool       `json:"user_active"`
}

// Scheduler is the autonomous control loop. Ticks are serialized, so at most one
// execution or reflection is outstanding at any time.
type Scheduler struct {
	cfg       Config
	queue     *queue.Queue
	executor  domain.Executor
	reflector Reflector
	publisher Publisher
	lock      domain.DistributedLock
	now       func() time.Time
	logger    *slog.Logger

	tickMu sync.Mutex

	mu             sync.Mutex
	state          State
	currentTaskID  *int64
	lastTick       time.Time
	lastReflection time.Time
	pauseLatched   bool
	userHold       bool
	lastActivity   time.Time

	activity chan struct{}
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithLock makes every tick take LockKey first and skip when another holder has it.
func WithLock(lock domain.DistributedLock) Option {
	return func(s *Scheduler) { s.lock = lock }
}

// WithReflector enables the reflecting phase.
func WithReflector(reflector Reflector) Option {
	return func(s *Scheduler) { s.reflector = reflector }
}

func NewScheduler(cfg Config, q *queue.Queue, executor domain.Executor, publisher Publisher, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}

	s := &Scheduler{
		cfg:       cfg,
		queue:     q,
		executor:  executor,
		publisher: publisher,
		now:       time.Now,
		logger:    slog.Default(),
		state:     StateIdle,
		activity:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.SetSchedulerState(string(StateIdle), allStates)
	return s
}

// UserActive records that an interactive session started. The scheduler stays paused
// until UserIdle is called and the cooldown has elapsed.
func (s *Scheduler) UserActive() {
	s.recordActivity(true, true)
}

// UserIdle records that the interactive session finished and starts the cooldown.
func (s *Scheduler) UserIdle() {
	s.recordActivity(true, false)
}

// Touch restarts the cooldown without changing the hold.
func (s *Scheduler) Touch() {
	s.recordActivity(false, false)
}

func (s *Scheduler) recordActivity(setHold, hold bool) {
	s.mu.Lock()
	if setHold {
		s.userHold = hold
	}
	s.lastActivity = s.now()
	if s.state == StateWorking || s.state == StateReflecting {
		s.pauseLatched = true
	}
	s.mu.Unlock()

	select {
	case s.activity <- struct{}{}:
	default:
	}
}

func (s *Scheduler) userActiveLocked(now time.Time) bool {
	if s.userHold {
		return true
	}
	return !s.lastActivity.IsZero() && now.Sub(s.lastActivity) < s.cfg.PauseCooldown
}

// resumeIn reports how long until a paused scheduler may resume, if it is waiting on the cooldown only.
func (s *Scheduler) resumeIn() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused || s.userHold {
		return 0, false
	}
	wait := s.lastActivity.Add(s.cfg.PauseCooldown).Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		State:        s.state,
		PauseLatched: s.pauseLatched,
		UserActive:   s.userActiveLocked(s.now()),
	}
	if s.currentTaskID != nil {
		id := *s.currentTaskID
		status.CurrentTaskID = &id
	}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		status.LastTick = &t
	}
	if !s.lastReflection.IsZero() {
		t := s.lastReflection
		status.LastReflection = &t
	}
	return status
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	if state != StateWorking {
		s.currentTaskID = nil
	}
	s.mu.Unlock()
	metrics.SetSchedulerState(string(state), allStates)
}

func (s *Scheduler) publish(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	s.publisher.Publish(event)
}

// reconcilePause applies user activity to an Idle or Paused scheduler and reports
// whether the current cycle must do no work.
func (s *Scheduler) reconcilePause() bool {
	s.mu.Lock()
	state := s.state
	active := s.userActiveLocked(s.now())
	s.mu.Unlock()

	switch state {
	case StatePaused:
		if active {
			return true
		}
		s.publish(domain.NewMessageEvent(domain.EventHeartbeatResuming, "User inactive, resuming background work"))
		s.setState(StateIdle)
		s.logger.Info("heartbeat resumed")
		return true
	case StateIdle:
		if active {
			s.setState(StatePaused)
			s.publish(domain.NewMessageEvent(domain.EventHeartbeatPaused, "User active, background work paused"))
			s.logger.Info("heartbeat paused for user activity")
			return true
		}
	}
	return false
}

// Tick runs one heartbeat cycle. It returns only errors that are not part of the task
// taxonomy, which mean the store can no longer be trusted.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	s.lastTick = s.now().UTC()
	s.mu.Unlock()

	if s.reconcilePause() {
		metrics.TicksTotal.WithLabelValues("paused").Inc()
		return nil
	}

	if s.lock != nil {
		acquired, err := s.lock.Lock(ctx, LockKey, s.cfg.LockTTL)
		if err != nil {
			s.logger.WarnContext(ctx, "could not take heartbeat lock, skipping tick", "error", err)
			metrics.TicksTotal.WithLabelValues("skipped").Inc()
			return nil
		}
		if !acquired {
			s.logger.InfoContext(ctx, "heartbeat lock held elsewhere, skipping tick")
			metrics.TicksTotal.WithLabelValues("skipped").Inc()
			return nil
		}
		stop := s.keepLock(ctx)
		defer func() {
			stop()
			s.unlock(ctx)
		}()
	}

	err := s.cycle(ctx)

	if s.takeLatch() {
		s.setState(StatePaused)
		s.publish(domain.NewMessageEvent(domain.EventHeartbeatPaused, "User active, background work paused"))
		s.logger.InfoContext(ctx, "latched pause applied")
	} else {
		s.setState(StateIdle)
	}

	return err
}

func (s *Scheduler) unlock(ctx context.Context) {
	if err := s.lock.Unlock(context.WithoutCancel(ctx), LockKey); err != nil {
		s.logger.WarnContext(ctx, "could not release heartbeat lock", "error", err)
	}
}

// keepLock refreshes LockKey every third of LockTTL until stop is called, so an
// execution that outlives the TTL keeps it.
func (s *Scheduler) keepLock(ctx context.Context) (stop func()) {
	interval := s.cfg.LockTTL / 3
	if interval <= 0 {
		interval = s.cfg.LockTTL
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := s.lock.Refresh(ctx, LockKey, s.cfg.LockTTL)
				if err != nil {
					s.logger.WarnContext(ctx, "could not refresh heartbeat lock", "error", err)
					continue
				}
				if !held {
					s.logger.ErrorContext(ctx, "heartbeat lock lost during tick")
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

func (s *Scheduler) takeLatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	latched := s.pauseLatched
	s.pauseLatched = false
	return latched
}

func (s *Scheduler) cycle(ctx context.Context) error {
	task, err := s.queue.NextRunnable(ctx)
	if err != nil {
		return err
	}
	if task != nil {
		metrics.TicksTotal.WithLabelValues("worked").Inc()
		return s.work(ctx, task)
	}

	pending, err := s.queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		metrics.TicksTotal.WithLabelValues("idle").Inc()
		s.publish(domain.NewMessageEvent(domain.EventHeartbeatIdle, fmt.Sprintf("%d tasks scheduled for later", pending)))
		return nil
	}

	if s.reflector == nil || !s.reflectionDue() {
		metrics.TicksTotal.WithLabelValues("idle").Inc()
		s.publish(domain.NewMessageEvent(domain.EventHeartbeatIdle, "Nothing to do"))
		return nil
	}

	metrics.TicksTotal.WithLabelValues("reflected").Inc()
	return s.reflect(ctx)
}

func (s *Scheduler) reflectionDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReflection.IsZero() || s.now().Sub(s.lastReflection) >= s.cfg.ReflectionInterval
}

// enter moves the scheduler into a busy state unless the user became active after
// the cycle started. In that case the pause is latched and nothing begins.
func (s *Scheduler) enter(state State) bool {
	s.mu.Lock()
	if s.userActiveLocked(s.now()) {
		s.pauseLatched = true
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.mu.Unlock()
	metrics.SetSchedulerState(string(state), allStates)
	return true
}

func (s *Scheduler) reflect(ctx context.Context) error {
	if !s.enter(StateReflecting) {
		s.logger.InfoContext(ctx, "user became active, reflection not started")
		return nil
	}
	s.publish(domain.NewMessageEvent(domain.EventHeartbeatReflecting, "Queue empty, reflecting on what to do next"))

	added, err := s.reflector.Reflect(ctx)

	s.mu.Lock()
	s.lastReflection = s.now().UTC()
	s.mu.Unlock()

	if err != nil {
		if !errval.IsDomain(err) {
			return err
		}
		s.logger.WarnContext(ctx, "reflection failed", "error", err)
		s.publish(domain.NewTasksGeneratedEvent(added, "Reflection failed: "+domain.Truncate(err.Error(), 80)))
		return nil
	}

	s.logger.InfoContext(ctx, "reflection finished", "tasks_added", added)
	s.publish(domain.NewTasksGeneratedEvent(added, fmt.Sprintf("Added %d new tasks", added)))
	return nil
}

func (s *Scheduler) work(ctx context.Context, task *domain.Task) error {
	if !s.enter(StateWorking) {
		s.logger.InfoContext(ctx, "user became active, task left pending", "task_id", task.ID)
		return nil
	}

	running, err := s.queue.MarkRunning(ctx, task.ID)
	if err != nil {
		if errval.IsDomain(err) {
			// Cancelled between the peek and the transition.
			s.logger.WarnContext(ctx, "task left pending before it could start", "task_id", task.ID, "error", err)
			return nil
		}
		return err
	}

	s.mu.Lock()
	id := running.ID
	s.currentTaskID = &id
	s.mu.Unlock()

	s.publish(domain.NewTaskEvent(domain.EventHeartbeatWorking, running, "Working on: "+running.Title))
	logger := s.logger.With("task_id", running.ID, "task_type", running.Type)
	logger.InfoContext(ctx, "executing task", "attempt", running.Attempts)

	start := s.now()
	result, execErr := s.execute(ctx, running)
	metrics.ExecutionDurationSeconds.WithLabelValues(string(running.Type)).Observe(s.now().Sub(start).Seconds())

	if ctx.Err() != nil {
		// Shutting down: the task stays running and is recovered on the next start.
		return ctx.Err()
	}

	if execErr == nil && result != nil && result.Success {
		return s.complete(ctx, logger, running, result)
	}

	reason := "execution reported failure"
	switch {
	case execErr != nil:
		reason = execErr.Error()
	case result != nil && result.Summary != "":
		reason = result.Summary
	}
	return s.fail(ctx, logger, running, reason)
}

func (s *Scheduler) execute(ctx context.Context, task *domain.Task) (result *domain.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: executor panicked: %v", errval.ErrExecutionFailure, r)
		}
	}()

	report := func(message string) {
		s.publish(domain.NewTaskEvent(domain.EventHeartbeatSkillCall, task, message))
	}
	return s.executor.Execute(ctx, task, report)
}

func (s *Scheduler) complete(ctx context.Context, logger *slog.Logger, task *domain.Task, result *domain.ExecutionResult) error {
	summary := result.Summary
	if summary == "" {
		summary = "Task complete."
	}

	done, err := s.queue.MarkDone(ctx, task.ID, summary)
	if err != nil {
		return s.contain(ctx, logger, err)
	}
	metrics.TasksTotal.WithLabelValues("done", string(task.Type)).Inc()
	logger.InfoContext(ctx, "task done")
	s.publish(domain.NewTaskDoneEvent(done, "Completed: "+done.Title, summary))

	added := 0
	for _, followUp := range result.FollowUps {
		draft := followUp.WithDefaults()
		parentID := done.ID
		draft.ParentID = &parentID

		if _, err := s.queue.Enqueue(ctx, draft); err != nil {
			if errval.IsDomain(err) {
				logger.WarnContext(ctx, "skipping invalid follow-up", "title", draft.Title, "error", err)
				continue
			}
			return err
		}
		added++
		metrics.TasksEnqueuedTotal.WithLabelValues("follow_up").Inc()
	}
	if added > 0 {
		s.publish(domain.NewTasksGeneratedEvent(added, fmt.Sprintf("Added %d follow-up tasks", added)))
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, logger *slog.Logger, task *domain.Task, reason string) error {
	if task.Attempts < s.cfg.RetryCeiling {
		delay := s.retryDelay(task.Attempts)
		retryAt := s.now().Add(delay)
		detail := fmt.Sprintf("attempt %d failed, retry in %s: %s", task.Attempts, delay, domain.Truncate(reason, 120))

		requeued, err := s.queue.Requeue(ctx, task.ID, retryAt, detail)
		if err != nil {
			return s.contain(ctx, logger, err)
		}
		metrics.TasksTotal.WithLabelValues("retried", string(task.Type)).Inc()
		logger.WarnContext(ctx, "task failed, retry scheduled", "attempt", task.Attempts, "retry_at", retryAt, "error", reason)
		s.publish(domain.NewTaskEvent(domain.EventHeartbeatIdle, requeued, fmt.Sprintf("Retry scheduled for %s in %s", requeued.Title, delay)))
		return nil
	}

	failed, err := s.queue.MarkFailed(ctx, task.ID, "FAILED: "+reason)
	if err != nil {
		return s.contain(ctx, logger, err)
	}
	metrics.TasksTotal.WithLabelValues("failed", string(task.Type)).Inc()
	logger.ErrorContext(ctx, "task failed", "attempts", failed.Attempts, "error", reason)
	s.publish(domain.NewTaskEvent(domain.EventHeartbeatTaskFailed, failed, fmt.Sprintf("Failed: %s: %s", failed.Title, domain.Truncate(reason, 80))))
	return nil
}

// contain logs taxonomy errors and passes everything else up as fatal.
func (s *Scheduler) contain(ctx context.Context, logger *slog.Logger, err error) error {
	if errval.IsDomain(err) {
		logger.WarnContext(ctx, "task transition rejected", "error", err)
		return nil
	}
	return err
}

// recoverInterrupted requeues tasks a previous process left running. With a lock
// configured it runs only while holding LockKey, because a running task may still
// belong to a peer that is mid-tick.
func (s *Scheduler) recoverInterrupted(ctx context.Context) error {
	if s.lock != nil {
		acquired, err := s.lock.Lock(ctx, LockKey, s.cfg.LockTTL)
		if err != nil {
			s.logger.WarnContext(ctx, "could not take heartbeat lock, skipping recovery", "error", err)
			return nil
		}
		if !acquired {
			s.logger.InfoContext(ctx, "heartbeat lock held elsewhere, skipping recovery")
			return nil
		}
		defer s.unlock(ctx)
	}

	recovered, err := s.queue.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered interrupted tasks", "count", recovered)
	}
	return nil
}

// Run recovers interrupted tasks, waits for the startup delay, then ticks every
// interval until ctx is done. It returns nil on cancellation and the first fatal error otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverInterrupted(ctx); err != nil {
		return err
	}

	if s.cfg.StartupDelay > 0 {
		delay := time.NewTimer(s.cfg.StartupDelay)
		select {
		case <-ctx.Done():
			delay.Stop()
			return nil
		case <-delay.C:
		}
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var resumeTimer *time.Timer
	var resumeC <-chan time.Time
	rearm := func() {
		if resumeTimer != nil {
			resumeTimer.Stop()
			resumeTimer, resumeC = nil, nil
		}
		if wait, ok := s.resumeIn(); ok {
			resumeTimer = time.NewTimer(wait)
			resumeC = resumeTimer.C
		}
	}
	defer func() {
		if resumeTimer != nil {
			resumeTimer.Stop()
		}
	}()

	tick := func() error {
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.ErrorContext(ctx, "heartbeat stopped on storage failure", "error", err)
			return err
		}
		return nil
	}

	s.logger.InfoContext(ctx, "heartbeat started", "interval", s.cfg.Interval)
	if err := tick(); err != nil {
		return err
	}
	rearm()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("heartbeat stopped")
			return nil
		case <-s.activity:
			s.handleSignal()
		case <-resumeC:
			resumeTimer, resumeC = nil, nil
			s.handleSignal()
		case <-ticker.C:
			if err := tick(); err != nil {
				return err
			}
		}
		rearm()
	}
}

func (s *Scheduler) handleSignal() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.reconcilePause()
}
