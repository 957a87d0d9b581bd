package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termin-notifier/pkg/termin"
)

type fakeFetcher struct {
	fn    func(ctx context.Context, typ termin.AppointmentType, call int32) ([]termin.AppointmentData, error)
	mu    sync.Mutex
	calls map[int]int32
	total atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, typ termin.AppointmentType) ([]termin.AppointmentData, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[int]int32)
	}
	f.calls[typ.ID]++
	n := f.calls[typ.ID]
	f.mu.Unlock()
	f.total.Add(1)
	return f.fn(ctx, typ, n)
}

func (f *fakeFetcher) callsFor(id int) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func listing(timestamps ...int64) []termin.AppointmentData {
	slots := make([]termin.Slot, len(timestamps))
	for i, ts := range timestamps {
		slots[i] = termin.Slot{Index: i, LocationID: 4, Timestamp: termin.Timestamp(ts)}
	}
	return []termin.AppointmentData{{ConcernID: 187, Name: "Wohnung", Locations: slots}}
}

func testCatalog(t *testing.T) *termin.Catalog {
	t.Helper()
	c, err := termin.NewCatalog([]termin.AppointmentType{
		{ID: 1, Name: "one", ConcernIDs: []int{1}},
		{ID: 2, Name: "two", ConcernIDs: []int{2}},
		{ID: 3, Name: "three", ConcernIDs: []int{3}},
	})
	require.NoError(t, err)
	return c
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, f Fetcher, clk *clock) *Manager {
	t.Helper()
	cfg := &Config{
		Fetcher:  f,
		Catalog:  testCatalog(t),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Interval: time.Hour,
	}
	if clk != nil {
		cfg.Now = clk.Now
	}
	m := New(cfg)
	t.Cleanup(m.Close)
	return m
}

func collect(m *Manager) chan ChangeEvent {
	ch := make(chan ChangeEvent, 64)
	m.OnChange(func(_ context.Context, ev ChangeEvent) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}

func timestamps(slots []termin.Slot) []int64 {
	out := make([]int64, len(slots))
	for i, s := range slots {
		out[i] = int64(s.Timestamp)
	}
	return out
}

func TestFreshSnapshotFetchesWhenNothingCached(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100), nil
	}}
	m := newTestManager(t, f, nil)

	data, err := m.FreshSnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, termin.Flatten(data), 1)
	assert.Equal(t, int32(1), f.total.Load())
}

func TestFreshSnapshotReusesRecentFetch(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100), nil
	}}
	m := newTestManager(t, f, clk)
	ctx := context.Background()

	_, err := m.FreshSnapshot(ctx, 1)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	_, err = m.FreshSnapshot(ctx, 1)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	_, err = m.FreshSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.total.Load())

	clk.Advance(2 * time.Second)
	_, err = m.FreshSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.total.Load())
}

func TestDeltaAcrossCycles(t *testing.T) {
	f := &fakeFetcher{fn: func(_ context.Context, _ termin.AppointmentType, call int32) ([]termin.AppointmentData, error) {
		if call == 1 {
			return listing(100, 200), nil
		}
		return listing(100, 200, 300), nil
	}}
	m := newTestManager(t, f, nil)
	events := collect(m)
	ctx := context.Background()

	_, err := m.FreshSnapshot(ctx, 1)
	require.NoError(t, err)
	first := waitEvent(t, events)
	assert.Equal(t, 1, first.TypeID)
	assert.Equal(t, []int64{100, 200}, timestamps(first.New))
	assert.Equal(t, int64(200), m.LatestTimestamp(1))

	require.NoError(t, m.StartMonitoring(ctx, 1))
	require.NoError(t, m.Tick(ctx))
	second := waitEvent(t, events)
	assert.Equal(t, []int64{300}, timestamps(second.New))
	assert.Len(t, second.All, 3)
	assert.Equal(t, int64(300), m.LatestTimestamp(1))
	assert.Equal(t, int32(2), f.total.Load())
}

func TestEventWithoutNewSlots(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100, 0), nil
	}}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, f, clk)
	events := collect(m)
	ctx := context.Background()

	_, err := m.FreshSnapshot(ctx, 1)
	require.NoError(t, err)
	ev := waitEvent(t, events)
	assert.Equal(t, []int64{100}, timestamps(ev.New))
	assert.Len(t, ev.All, 2)

	clk.Advance(time.Minute)
	_, err = m.FreshSnapshot(ctx, 1)
	require.NoError(t, err)
	ev = waitEvent(t, events)
	assert.Empty(t, ev.New)
	assert.Equal(t, int64(100), m.LatestTimestamp(1))
}

func TestStopMonitoringDiscardsInFlightFetch(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	f := &fakeFetcher{fn: func(_ context.Context, _ termin.AppointmentType, call int32) ([]termin.AppointmentData, error) {
		if call == 1 {
			return listing(100), nil
		}
		started <- struct{}{}
		<-gate
		return listing(100, 500), nil
	}}
	m := newTestManager(t, f, clk)
	events := collect(m)
	ctx := context.Background()

	_, err := m.FreshSnapshot(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.StartMonitoring(ctx, 1))
	waitEvent(t, events)

	clk.Advance(time.Minute)
	returned := make(chan []termin.AppointmentData)
	go func() {
		data, err := m.FreshSnapshot(ctx, 1)
		assert.NoError(t, err)
		returned <- data
	}()
	<-started

	m.StopMonitoring(1)
	close(gate)
	data := <-returned

	assert.Len(t, termin.Flatten(data), 2, "caller still receives the fetched data")
	assert.Nil(t, m.CachedSnapshot(1))
	assert.Equal(t, int64(0), m.LatestTimestamp(1))
	assert.Never(t, func() bool { return len(events) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRestartMonitoringDuringInFlightFetch(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	f := &fakeFetcher{fn: func(_ context.Context, _ termin.AppointmentType, call int32) ([]termin.AppointmentData, error) {
		if call == 1 {
			started <- struct{}{}
			<-gate
			return listing(100), nil
		}
		return listing(100, 500), nil
	}}
	m := newTestManager(t, f, nil)
	m.Stop()
	events := collect(m)
	ctx := context.Background()

	require.NoError(t, m.StartMonitoring(ctx, 1))
	<-started
	m.StopMonitoring(1)
	require.NoError(t, m.StartMonitoring(ctx, 1))

	ev := waitEvent(t, events)
	close(gate)

	assert.Equal(t, int32(2), f.callsFor(1))
	assert.Equal(t, []int64{100, 500}, timestamps(ev.New))
	assert.Len(t, termin.Flatten(m.CachedSnapshot(1)), 2)
	assert.Equal(t, int64(500), m.LatestTimestamp(1))
	assert.Never(t, func() bool { return len(events) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	f := &fakeFetcher{fn: func(ctx context.Context, _ termin.AppointmentType, _ int32) ([]termin.AppointmentData, error) {
		started <- struct{}{}
		<-gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return listing(100), nil
	}}
	m := newTestManager(t, f, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	requestErr := make(chan error, 1)
	go func() {
		_, err := m.FreshSnapshot(reqCtx, 1)
		requestErr <- err
	}()
	<-started

	type result struct {
		data []termin.AppointmentData
		err  error
	}
	background := make(chan result, 1)
	go func() {
		data, err := m.refresh(context.Background(), 1)
		background <- result{data, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-requestErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(gate)
	res := <-background
	require.NoError(t, res.err)
	assert.Len(t, termin.Flatten(res.data), 1)
	assert.Equal(t, int32(1), f.total.Load())
	assert.Equal(t, int64(100), m.LatestTimestamp(1))
}

func TestFetchTimeoutBoundsSharedFetch(t *testing.T) {
	f := &fakeFetcher{fn: func(ctx context.Context, _ termin.AppointmentType, _ int32) ([]termin.AppointmentData, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := New(&Config{
		Fetcher:      f,
		Catalog:      testCatalog(t),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		FetchTimeout: 20 * time.Millisecond,
	})
	t.Cleanup(m.Close)

	_, err := m.FreshSnapshot(context.Background(), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, m.CachedSnapshot(1))
}

func TestConcurrentFreshSnapshotsShareOneFetch(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		started <- struct{}{}
		<-gate
		return listing(100), nil
	}}
	m := newTestManager(t, f, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]termin.AppointmentData, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := m.FreshSnapshot(ctx, 1)
			assert.NoError(t, err)
			results[i] = data
		}()
		if i == 0 {
			<-started
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.total.Load())
	assert.Len(t, termin.Flatten(results[0]), 1)
	assert.Len(t, termin.Flatten(results[1]), 1)

	results[0][0].Locations[0].Timestamp = 999
	assert.Equal(t, termin.Timestamp(100), results[1][0].Locations[0].Timestamp)
}

func TestFetchFailureLeavesCacheUntouched(t *testing.T) {
	boom := errors.New("upstream down")
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFetcher{fn: func(_ context.Context, _ termin.AppointmentType, call int32) ([]termin.AppointmentData, error) {
		if call == 1 {
			return listing(100), nil
		}
		return nil, boom
	}}
	m := newTestManager(t, f, clk)
	ctx := context.Background()

	_, err := m.FreshSnapshot(ctx, 1)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = m.FreshSnapshot(ctx, 1)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, termin.Flatten(m.CachedSnapshot(1)), 1)
	assert.Equal(t, int64(100), m.LatestTimestamp(1))
}

func TestListenersRunInOrderAndSurvivePanics(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100), nil
	}}
	m := newTestManager(t, f, nil)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	m.OnChange(func(context.Context, ChangeEvent) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	m.OnChange(func(context.Context, ChangeEvent) { panic("listener bug") })
	m.OnChange(func(context.Context, ChangeEvent) {
		mu.Lock()
		order = append(order, "third")
		mu.Unlock()
		close(done)
	})

	_, err := m.FreshSnapshot(context.Background(), 1)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("third listener never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestUnsubscribe(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100), nil
	}}
	m := newTestManager(t, f, clk)

	var removedCalls atomic.Int32
	unsubscribe := m.OnChange(func(context.Context, ChangeEvent) { removedCalls.Add(1) })
	events := collect(m)
	unsubscribe()
	unsubscribe()

	_, err := m.FreshSnapshot(context.Background(), 1)
	require.NoError(t, err)
	waitEvent(t, events)
	assert.Equal(t, int32(0), removedCalls.Load())
}

func TestListenerMayCallBackIntoManager(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100), nil
	}}
	m := newTestManager(t, f, nil)

	done := make(chan int)
	m.OnChange(func(ctx context.Context, ev ChangeEvent) {
		data, err := m.FreshSnapshot(ctx, ev.TypeID)
		assert.NoError(t, err)
		done <- len(termin.Flatten(data)) + len(m.CachedSlots(ev.TypeID))
	})

	_, err := m.FreshSnapshot(context.Background(), 1)
	require.NoError(t, err)

	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("listener deadlocked")
	}
	assert.Equal(t, int32(1), f.total.Load())
}

func TestTickContinuesPastFailingType(t *testing.T) {
	f := &fakeFetcher{fn: func(_ context.Context, typ termin.AppointmentType, call int32) ([]termin.AppointmentData, error) {
		if typ.ID == 2 && call > 1 {
			return nil, errors.New("type 2 broken")
		}
		return listing(int64(typ.ID*100) + int64(call)), nil
	}}
	m := newTestManager(t, f, nil)
	ctx := context.Background()

	for _, id := range []int{1, 2, 3} {
		_, err := m.FreshSnapshot(ctx, id)
		require.NoError(t, err)
		require.NoError(t, m.StartMonitoring(ctx, id))
	}

	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, int32(2), f.callsFor(1))
	assert.Equal(t, int32(2), f.callsFor(2))
	assert.Equal(t, int32(2), f.callsFor(3))
	assert.Equal(t, []int{1, 2, 3}, m.ActiveTypes())
	assert.Equal(t, int64(201), m.LatestTimestamp(2), "failed refresh keeps previous entry")
	assert.Equal(t, int64(302), m.LatestTimestamp(3))
}

func TestTickStopsOnCancelledContext(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100), nil
	}}
	m := newTestManager(t, f, nil)
	_, err := m.FreshSnapshot(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, m.StartMonitoring(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Tick(ctx), context.Canceled)
	assert.Equal(t, int32(1), f.total.Load())
}

func TestMonitoringRefcountDrivesTimer(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100), nil
	}}
	m := newTestManager(t, f, nil)
	ctx := context.Background()

	assert.False(t, m.IsPolling())

	require.NoError(t, m.StartMonitoring(ctx, 1))
	require.NoError(t, m.StartMonitoring(ctx, 1))
	assert.True(t, m.IsPolling())
	assert.Eventually(t, func() bool { return m.CachedSnapshot(1) != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), f.total.Load(), "second registration does not refetch")

	m.StopMonitoring(1)
	assert.True(t, m.IsPolling())
	assert.NotNil(t, m.CachedSnapshot(1))

	m.StopMonitoring(1)
	assert.False(t, m.IsPolling())
	assert.Nil(t, m.CachedSnapshot(1))
	assert.Empty(t, m.ActiveTypes())

	m.StopMonitoring(1)
	assert.Empty(t, m.ActiveTypes())
}

func TestStopAndStartPolling(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100), nil
	}}
	m := newTestManager(t, f, nil)

	m.Stop()
	require.NoError(t, m.StartMonitoring(context.Background(), 1))
	assert.False(t, m.IsPolling())
	assert.Equal(t, []int{1}, m.ActiveTypes())

	m.Start()
	assert.True(t, m.IsPolling())
}

func TestSetPollFrequency(t *testing.T) {
	m := newTestManager(t, &fakeFetcher{}, nil)

	assert.Error(t, m.SetPollFrequency(0))
	require.NoError(t, m.SetPollFrequency(200*time.Millisecond))
	assert.Equal(t, time.Second, m.PollFrequency())
	require.NoError(t, m.SetPollFrequency(30*time.Second))
	assert.Equal(t, 30*time.Second, m.PollFrequency())
}

func TestTimerRefreshesActiveTypes(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(100), nil
	}}
	m := newTestManager(t, f, nil)
	require.NoError(t, m.SetPollFrequency(time.Second))
	require.NoError(t, m.StartMonitoring(context.Background(), 1))

	assert.Eventually(t, func() bool { return f.total.Load() >= 3 }, 5*time.Second, 50*time.Millisecond)
}

func TestUnknownType(t *testing.T) {
	m := newTestManager(t, &fakeFetcher{}, nil)

	assert.ErrorIs(t, m.StartMonitoring(context.Background(), 99), ErrUnknownType)
	_, err := m.FreshSnapshot(context.Background(), 99)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Empty(t, m.ActiveTypes())
}

func TestCachedSlotsSorted(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, termin.AppointmentType, int32) ([]termin.AppointmentData, error) {
		return listing(300, 0, 100, 200), nil
	}}
	m := newTestManager(t, f, nil)

	_, err := m.FreshSnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200, 300}, timestamps(m.CachedSlots(1)))
	assert.Nil(t, m.CachedSlots(2))
}

func TestCloseRejectsNewWork(t *testing.T) {
	m := New(&Config{
		Fetcher: &fakeFetcher{},
		Catalog: testCatalog(t),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	m.Close()
	m.Close()
	assert.ErrorIs(t, m.StartMonitoring(context.Background(), 1), ErrClosed)
	assert.False(t, m.IsPolling())
}
