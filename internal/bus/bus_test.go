package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

func TestBusPreservesOrderPerType(t *testing.T) {
	b := New()
	var (
		mu  sync.Mutex
		got []int
	)
	b.Subscribe(schema.EventFill, "recorder", func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Payload.(int))
		return nil
	})
	b.Start(t.Context())

	for i := 0; i < 500; i++ {
		require.NoError(t, b.Publish(schema.EventFill, i))
	}
	require.NoError(t, b.Close(time.Second))

	require.Len(t, got, 500)
	for i, v := range got {
		if v != i {
			t.Fatalf("order mismatch! should be %d but got %d", i, v)
		}
	}
}

func TestBusIsolatesHandlerFailures(t *testing.T) {
	metrics := obs.NewMetrics()
	var hooked []string
	b := New(WithMetrics(metrics), WithErrorHook(func(_ schema.EventType, name string, _ error) {
		hooked = append(hooked, name)
	}))

	var delivered []int
	b.Subscribe(schema.EventSignal, "panicker", func(_ context.Context, e Event) error {
		if e.Payload.(int) == 1 {
			panic("boom")
		}
		return nil
	})
	b.Subscribe(schema.EventSignal, "failer", func(_ context.Context, e Event) error {
		if e.Payload.(int) == 2 {
			return errors.New("handler failed")
		}
		return nil
	})
	b.Subscribe(schema.EventSignal, "recorder", func(_ context.Context, e Event) error {
		delivered = append(delivered, e.Payload.(int))
		return nil
	})
	b.Start(t.Context())

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(schema.EventSignal, i))
	}
	require.NoError(t, b.Close(time.Second))

	assert.Equal(t, []int{0, 1, 2, 3}, delivered)
	assert.Equal(t, []string{"panicker", "failer"}, hooked)
	assert.Equal(t, uint64(2), metrics.Snapshot().HandlerFailures)
}

func TestBusCloseDrainsThenRejects(t *testing.T) {
	b := New()
	var count int
	b.Subscribe(schema.EventCandleClosed, "slow", func(_ context.Context, _ Event) error {
		time.Sleep(time.Millisecond)
		count++
		return nil
	})
	b.Start(t.Context())

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(schema.EventCandleClosed, i))
	}
	require.NoError(t, b.Close(time.Second))
	assert.Equal(t, 20, count)

	err := b.Publish(schema.EventCandleClosed, 21)
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestBusCloseTimeout(t *testing.T) {
	b := New()
	release := make(chan struct{})
	b.Subscribe(schema.EventError, "stuck", func(_ context.Context, _ Event) error {
		<-release
		return nil
	})
	b.Start(t.Context())
	defer close(release)

	require.NoError(t, b.Publish(schema.EventError, 1))
	require.NoError(t, b.Publish(schema.EventError, 2))

	err := b.Close(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrDrainTimeout)
}

func TestBusFullLane(t *testing.T) {
	metrics := obs.NewMetrics()
	b := New(WithCapacity(1), WithMetrics(metrics))

	require.NoError(t, b.Publish(schema.EventTick, 1))
	err := b.Publish(schema.EventTick, 2)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), metrics.Snapshot().QueueDrops)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err = b.PublishWait(ctx, schema.EventTick, 3)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBusLanesAreIndependent(t *testing.T) {
	b := New()
	block := make(chan struct{})
	fills := make(chan struct{}, 1)
	b.Subscribe(schema.EventCandleClosed, "blocked", func(_ context.Context, _ Event) error {
		<-block
		return nil
	})
	b.Subscribe(schema.EventFill, "fast", func(_ context.Context, _ Event) error {
		fills <- struct{}{}
		return nil
	})
	b.Start(t.Context())

	require.NoError(t, b.Publish(schema.EventCandleClosed, 1))
	require.NoError(t, b.Publish(schema.EventFill, 1))

	select {
	case <-fills:
	case <-time.After(time.Second):
		t.Fatal("fill lane blocked by candle lane")
	}
	close(block)
	require.NoError(t, b.Close(time.Second))
}

func TestBusHighWaterAndTraceIDs(t *testing.T) {
	b := New()
	var (
		mu     sync.Mutex
		traces []uint64
	)
	b.Subscribe(schema.EventSignal, "tracer", func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		traces = append(traces, e.Header.TraceID)
		return nil
	})

	for i := range 3 {
		require.NoError(t, b.Publish(schema.EventSignal, i))
	}
	assert.Equal(t, map[schema.EventType]int{schema.EventSignal: 3}, b.HighWater())

	b.Start(t.Context())
	require.NoError(t, b.Close(time.Second))

	require.Len(t, traces, 3)
	assert.Less(t, traces[0], traces[1])
	assert.Less(t, traces[1], traces[2])
	assert.Equal(t, map[schema.EventType]int{schema.EventSignal: 3}, b.HighWater())
}

func TestBusSubscribeAfterStart(t *testing.T) {
	b := New()
	var (
		mu          sync.Mutex
		early, late int
	)
	b.Subscribe(schema.EventTick, "early", func(context.Context, Event) error {
		mu.Lock()
		early++
		mu.Unlock()
		return nil
	})
	b.Start(t.Context())

	stop := make(chan struct{})
	published := make(chan int, 1)
	go func() {
		n := 0
		for {
			select {
			case <-stop:
				published <- n
				return
			default:
			}
			if b.Publish(schema.EventTick, n) == nil {
				n++
			}
		}
	}()

	b.Subscribe(schema.EventTick, "late", func(context.Context, Event) error {
		mu.Lock()
		late++
		mu.Unlock()
		return nil
	})
	require.NoError(t, b.PublishWait(t.Context(), schema.EventTick, -1))
	close(stop)
	total := <-published
	require.NoError(t, b.Close(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total+1, early)
	assert.NotZero(t, late)
	assert.LessOrEqual(t, late, early)
}
