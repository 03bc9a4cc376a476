package universe

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	set *Set
}

func (f *fakeSubscriber) Subscribe(_ context.Context, symbols []string) error {
	_, err := f.set.Add(symbols, nil)
	return err
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, symbols []string) error {
	_, err := f.set.Remove(symbols, nil)
	return err
}

type flakyProvider struct {
	symbols []string
	err     error
}

func (p *flakyProvider) Symbols(context.Context) ([]string, error) {
	return slices.Clone(p.symbols), p.err
}

func TestRefreshDiffsAndCaches(t *testing.T) {
	now := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	provider := &flakyProvider{symbols: []string{"005930", "000660", "005930", ""}}
	sub := &fakeSubscriber{set: NewSet()}
	svc := NewService(provider, sub, Config{Size: 5, CacheDuration: time.Hour, Clock: func() time.Time { return now }})
	ctx := t.Context()

	added, removed, err := svc.Refresh(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"000660", "005930"}, added)
	assert.Empty(t, removed)
	assert.Equal(t, []string{"005930", "000660"}, svc.Symbols())

	provider.symbols = []string{"005930", "035420"}
	added, _, err = svc.Refresh(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, added, "cache still valid")

	added, removed, err = svc.Refresh(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"035420"}, added)
	assert.Equal(t, []string{"000660"}, removed)
	assert.Equal(t, []string{"005930", "035420"}, sub.set.Symbols())

	provider.err = errors.New("down")
	_, _, err = svc.Refresh(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930", "035420"}, svc.Symbols())
}

func TestRefreshFallsBackToBlueChips(t *testing.T) {
	svc := NewService(&flakyProvider{err: errors.New("down")}, &fakeSubscriber{set: NewSet()}, Config{Size: 3})
	_, _, err := svc.Refresh(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, KOSPIBlueChips[:3], svc.Symbols())
}

func TestSetAddFailureLeavesSetUnchanged(t *testing.T) {
	s := NewSet()
	_, err := s.Add([]string{"A"}, func([]string) error { return errors.New("nope") })
	require.Error(t, err)
	assert.False(t, s.Contains("A"))

	added, err := s.Add([]string{"A", "A", "B"}, func([]string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, added)
	assert.Equal(t, 2, s.Len())
}

func TestSetDeliverIsAtomicWithChanges(t *testing.T) {
	s := NewSet()
	_, _ = s.Add([]string{"A"}, nil)

	var inFlight, overlap atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Deliver("A", func() {
					inFlight.Add(1)
					inFlight.Add(-1)
				})
			}
		}()
	}
	for j := 0; j < 100; j++ {
		_, _ = s.Remove([]string{"A"}, func([]string) error {
			if inFlight.Load() != 0 {
				overlap.Add(1)
			}
			return nil
		})
		_, _ = s.Add([]string{"A"}, func([]string) error {
			if inFlight.Load() != 0 {
				overlap.Add(1)
			}
			return nil
		})
	}
	wg.Wait()
	assert.Zero(t, overlap.Load())
	assert.False(t, s.Deliver("B", func() { t.Fatal("B is not a member") }))
}
