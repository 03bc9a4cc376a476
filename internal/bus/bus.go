package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/yanun0323/logs"
)

var (
	ErrBusClosed    = errors.New("event bus closed")
	ErrDrainTimeout = errors.New("event bus drain timed out")
)

const (
	defaultCapacity     = 4096
	defaultRetryBackoff = 5 * time.Millisecond
)

// Handler consumes one event. A returned error is logged and never stops delivery.
type Handler func(ctx context.Context, e Event) error

// ErrorHook is notified of every handler failure.
type ErrorHook func(eventType schema.EventType, name string, err error)

type subscriber struct {
	name    string
	handler Handler
}

type lane struct {
	queue *queue
	subs  []subscriber
}

// Bus fans out events to subscribers, one ordered lane per event type.
// Events of one type are delivered in publish order; lanes run independently.
type Bus struct {
	mu       sync.RWMutex
	lanes    map[schema.EventType]*lane
	started  bool
	closed   bool
	capacity int

	seq     uint64
	trace   *obs.Traces
	metrics *obs.Metrics
	onError ErrorHook

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity sets the per-lane queue capacity.
func WithCapacity(capacity int) Option {
	return func(b *Bus) { b.capacity = capacity }
}

// WithMetrics records delivery counters.
func WithMetrics(m *obs.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithErrorHook installs a hook called on handler failures.
func WithErrorHook(hook ErrorHook) Option {
	return func(b *Bus) { b.onError = hook }
}

// New creates a bus with a lane for every known event type.
func New(opts ...Option) *Bus {
	b := &Bus{
		lanes:    make(map[schema.EventType]*lane, len(schema.EventTypes)),
		capacity: defaultCapacity,
		trace:    obs.NewTraces(time.Now()),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, t := range schema.EventTypes {
		b.lanes[t] = &lane{queue: newQueue(b.capacity)}
	}
	return b
}

// SetErrorHook replaces the handler failure hook.
func (b *Bus) SetErrorHook(hook ErrorHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = hook
}

// Subscribe registers a handler for an event type. Handlers of one type run
// sequentially in subscription order. A handler added after Start sees the
// events its lane dispatches from then on.
func (b *Bus) Subscribe(eventType schema.EventType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.lanes[eventType]
	if !ok {
		logs.Warnf("bus: subscribe to unknown event type %d by %s", eventType, name)
		return
	}
	l.subs = append(l.subs, subscriber{name: name, handler: h})
}

// Start launches one delivery goroutine per lane. ctx is handed to handlers.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	for _, l := range b.lanes {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			l.queue.drain(runCtx, func(e Event) {
				b.dispatch(runCtx, l, e)
			})
		}()
	}
}

// Publish enqueues an event for asynchronous delivery without blocking.
func (b *Bus) Publish(eventType schema.EventType, payload any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.metrics.IncQueueClosed()
		return ErrBusClosed
	}
	l, ok := b.lanes[eventType]
	if !ok {
		return fmt.Errorf("publish unknown event type %d", eventType)
	}

	now := time.Now().UnixNano()
	header := schema.NewHeader(eventType, atomic.AddUint64(&b.seq, 1), now, now)
	header.TraceID = b.trace.Next()
	if err := l.queue.push(Event{Header: header, Payload: payload}); err != nil {
		if errors.Is(err, ErrQueueFull) {
			b.metrics.IncQueueDrop()
		}
		return err
	}
	return nil
}

// PublishWait retries a full lane until the event is queued, the bus closes, or ctx ends.
func (b *Bus) PublishWait(ctx context.Context, eventType schema.EventType, payload any) error {
	for {
		err := b.Publish(eventType, payload)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultRetryBackoff):
		}
	}
}

// Len returns the number of queued, undelivered events.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, l := range b.lanes {
		total += l.queue.len()
	}
	return total
}

// HighWater reports the deepest backlog each lane has reached.
func (b *Bus) HighWater() map[schema.EventType]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[schema.EventType]int, len(b.lanes))
	for t, l := range b.lanes {
		if n := l.queue.highWater(); n != 0 {
			out[t] = n
		}
	}
	return out
}

// Close stops accepting events and waits up to timeout for queued events to be
// delivered. Events still queued after the timeout are abandoned.
func (b *Bus) Close(timeout time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, l := range b.lanes {
		l.queue.close()
	}
	started := b.started
	cancel := b.cancel
	b.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		return nil
	case <-time.After(timeout):
		cancel()
		remaining := b.Len()
		logs.Warnf("bus: drain timed out after %s, %d events abandoned", timeout, remaining)
		return fmt.Errorf("%w, remaining: %d", ErrDrainTimeout, remaining)
	}
}

func (b *Bus) dispatch(ctx context.Context, l *lane, e Event) {
	b.metrics.ObserveEvent(e.Header, time.Now())

	b.mu.RLock()
	subs, onError := l.subs, b.onError
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.invoke(ctx, s, e); err != nil {
			b.metrics.IncHandlerFailure()
			logs.Errorf("bus: handler %s failed on %s event seq=%d, err: %+v", s.name, e.Header.Type, e.Header.Seq, err)
			if onError != nil {
				onError(e.Header.Type, s.name, err)
			}
		}
	}
}

func (b *Bus) invoke(ctx context.Context, s subscriber, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, e)
}
