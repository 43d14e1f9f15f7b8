package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/metrics"
)

const DefaultBufferSize = 50

// SummaryFunc computes the queue digest carried by the connected event.
type SummaryFunc func(ctx context.Context) (domain.QueueSummary, error)

// Subscription is one observer's bounded delivery queue.
type Subscription struct {
	id      string
	mu      sync.Mutex
	closed  bool
	ready   bool
	pending []domain.Event
	ch      chan domain.Event
	dropped atomic.Int64
}

func (s *Subscription) ID() string {
	return s.id
}

// Ch returns the channel to receive events on. It is closed on Unsubscribe.
func (s *Subscription) Ch() <-chan domain.Event {
	return s.ch
}

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// deliver never blocks: a full buffer drops the new event for this subscriber only.
// It reports false only for a drop.
func (s *Subscription) deliver(event domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if !s.ready {
		// Held back until connected is queued. One slot stays free for it.
		if len(s.pending) >= cap(s.ch)-1 {
			s.dropped.Add(1)
			return false
		}
		s.pending = append(s.pending, event)
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// start queues connected ahead of anything published while the digest was computed.
func (s *Subscription) start(connected domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch <- connected
	for _, event := range s.pending {
		s.ch <- event
	}
	s.pending = nil
	s.ready = true
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Bus is an in-process fan-out of lifecycle events to live subscribers.
type Bus struct {
	subs       sync.Map
	count      atomic.Int64
	bufferSize int
	summary    SummaryFunc
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Bus)

func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

func New(summary SummaryFunc, opts ...Option) *Bus {
	b := &Bus{
		bufferSize: DefaultBufferSize,
		summary:    summary,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers an observer whose first event is connected with the current digest.
// The observer is registered before the digest is computed, so events published in
// between follow connected. Earlier events are never replayed.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan domain.Event, b.bufferSize),
	}
	b.subs.Store(sub.id, sub)

	summary, err := b.summary(ctx)
	if err != nil {
		b.subs.Delete(sub.id)
		sub.close()
		return nil, err
	}

	connected := domain.NewConnectedEvent(summary)
	connected.Timestamp = b.now().UTC()
	sub.start(connected)

	metrics.SubscribersGauge.Set(float64(b.count.Add(1)))
	b.logger.DebugContext(ctx, "subscriber connected", "subscription_id", sub.id)
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if _, ok := b.subs.LoadAndDelete(sub.id); !ok {
		return
	}
	if sub.close() {
		metrics.SubscribersGauge.Set(float64(b.count.Add(-1)))
		b.logger.Debug("subscriber disconnected", "subscription_id", sub.id, "dropped", sub.Dropped())
	}
}

// Publish delivers event to every registered subscriber without blocking.
func (b *Bus) Publish(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	b.subs.Range(func(_, value any) bool {
		sub := value.(*Subscription)
		if !sub.deliver(event) {
			metrics.EventsDroppedTotal.Inc()
		}
		return true
	})
}

func (b *Bus) SubscriberCount() int {
	return int(b.count.Load())
}
