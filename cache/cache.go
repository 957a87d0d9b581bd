// Package cache keeps one shared, periodically refreshed listing per appointment
// type and tells listeners which slots are new since the previous refresh.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"termin-notifier/metrics"
	"termin-notifier/pkg/termin"
)

const (
	DefaultInterval  = 15 * time.Second
	DefaultFreshness = 5 * time.Second
	// DefaultFetchTimeout bounds one shared upstream call including retries.
	DefaultFetchTimeout = 2 * time.Minute
)

var (
	// ErrUnknownType is returned for ids missing from the catalog.
	ErrUnknownType = errors.New("unknown appointment type")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache manager closed")
)

// Fetcher retrieves the current listing for one appointment type.
type Fetcher interface {
	Fetch(ctx context.Context, typ termin.AppointmentType) ([]termin.AppointmentData, error)
}

// Catalog resolves appointment type ids.
type Catalog interface {
	Lookup(id int) (termin.AppointmentType, bool)
}

// ChangeEvent describes one successful refresh.
type ChangeEvent struct {
	Data   []termin.AppointmentData
	All    []termin.Slot
	New    []termin.Slot
	TypeID int
}

// Listener receives change events on the dispatch goroutine.
type Listener func(ctx context.Context, ev ChangeEvent)

type entry struct {
	fetchedAt time.Time
	data      []termin.AppointmentData
	high      int64
}

type listenerSlot struct {
	fn Listener
	id uint64
}

// Config holds manager configuration.
type Config struct {
	Fetcher   Fetcher
	Catalog   Catalog
	Logger    *slog.Logger
	Now       func() time.Time
	Interval  time.Duration
	Freshness time.Duration
	// FetchTimeout bounds a shared fetch. Zero means DefaultFetchTimeout.
	FetchTimeout time.Duration
}

// Manager owns the cache, the refresh timer and listener dispatch.
type Manager struct {
	fetcher Fetcher
	catalog Catalog
	logger  *slog.Logger
	now     func() time.Time
	cron    *cron.Cron
	group   singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	mu           sync.Mutex
	entries      map[int]*entry
	refs         map[int]int
	epochs       map[int]uint64
	order        []int
	listeners    []listenerSlot
	queue        []ChangeEvent
	nextListener uint64
	jobID        cron.EntryID
	interval     time.Duration
	freshness    time.Duration
	fetchTimeout time.Duration
	running      bool
	closed       bool
}

// New creates a manager and starts its dispatch goroutine. Polling is enabled
// but the timer only runs while at least one type is monitored.
func New(cfg *Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		fetcher:   cfg.Fetcher,
		catalog:   cfg.Catalog,
		logger:    cfg.Logger,
		now:       cfg.Now,
		baseCtx:   ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		entries:   make(map[int]*entry),
		refs:      make(map[int]int),
		epochs:    make(map[int]uint64),
		interval:  normalizeInterval(cfg.Interval),
		freshness: cfg.Freshness,
		running:   true,
	}
	m.fetchTimeout = cfg.FetchTimeout
	if m.fetchTimeout <= 0 {
		m.fetchTimeout = DefaultFetchTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	if cfg.Interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.freshness <= 0 {
		m.freshness = DefaultFreshness
	}

	cl := cronLogger{logger: m.logger}
	m.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	m.cron.Start()

	m.wg.Add(1)
	go m.dispatch()
	return m
}

func normalizeInterval(d time.Duration) time.Duration {
	if d > 0 && d < time.Second {
		return time.Second
	}
	return d
}

// OnChange registers l and returns a function that unregisters it.
// Listeners are invoked in registration order.
func (m *Manager) OnChange(l Listener) func() {
	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, listenerSlot{id: id, fn: l})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.listeners = slices.DeleteFunc(m.listeners, func(s listenerSlot) bool { return s.id == id })
		})
	}
}

// StartMonitoring registers one more consumer of typeID. The first
// registration of a type without cached data triggers a background fetch.
func (m *Manager) StartMonitoring(ctx context.Context, typeID int) error {
	if _, ok := m.catalog.Lookup(typeID); !ok {
		return fmt.Errorf("start monitoring %d: %w", typeID, ErrUnknownType)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.refs[typeID]++
	first := m.refs[typeID] == 1
	if first {
		m.order = append(m.order, typeID)
	}
	needFetch := first && m.entries[typeID] == nil
	m.reschedule()
	active := len(m.refs)
	if needFetch {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	metrics.ActiveTypes.Set(float64(active))
	m.logger.Info("Monitoring started", "type_id", typeID, "first", first, "active_types", active)

	if needFetch {
		go func() {
			defer m.wg.Done()
			if _, err := m.refresh(m.baseCtx, typeID); err != nil {
				m.logger.Warn("Initial fetch failed", "type_id", typeID, "error", err)
			}
		}()
	}
	return nil
}

// StopMonitoring releases one registration of typeID. When the last one is
// released the cached entry is discarded and any in-flight result for the
// type is ignored.
func (m *Manager) StopMonitoring(typeID int) {
	m.mu.Lock()
	n := m.refs[typeID]
	if n == 0 {
		m.mu.Unlock()
		return
	}
	if n > 1 {
		m.refs[typeID] = n - 1
		m.mu.Unlock()
		return
	}

	delete(m.refs, typeID)
	delete(m.entries, typeID)
	m.epochs[typeID]++
	m.order = slices.DeleteFunc(m.order, func(id int) bool { return id == typeID })
	m.reschedule()
	active := len(m.refs)
	m.mu.Unlock()

	metrics.ActiveTypes.Set(float64(active))
	m.logger.Info("Monitoring stopped", "type_id", typeID, "active_types", active)
}

// CachedSnapshot returns the last listing for typeID without fetching.
func (m *Manager) CachedSnapshot(typeID int) []termin.AppointmentData {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[typeID]; e != nil {
		return termin.CloneData(e.data)
	}
	return nil
}

// CachedSlots returns the cached dated slots for typeID sorted by time.
func (m *Manager) CachedSlots(typeID int) []termin.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[typeID]; e != nil {
		return termin.Dated(termin.Flatten(e.data))
	}
	return nil
}

// LatestTimestamp returns the high-water mark for typeID, or zero.
func (m *Manager) LatestTimestamp(typeID int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[typeID]; e != nil {
		return e.high
	}
	return 0
}

// ActiveTypes returns monitored type ids in activation order.
func (m *Manager) ActiveTypes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// FreshSnapshot returns cached data if it is younger than the freshness
// window, otherwise fetches synchronously. Concurrent callers for the same
// type share one upstream call.
func (m *Manager) FreshSnapshot(ctx context.Context, typeID int) ([]termin.AppointmentData, error) {
	if _, ok := m.catalog.Lookup(typeID); !ok {
		return nil, fmt.Errorf("fresh snapshot %d: %w", typeID, ErrUnknownType)
	}

	m.mu.Lock()
	if e := m.entries[typeID]; e != nil && m.now().Sub(e.fetchedAt) < m.freshness {
		data := termin.CloneData(e.data)
		m.mu.Unlock()
		return data, nil
	}
	m.mu.Unlock()

	return m.refresh(ctx, typeID)
}

// Tick refreshes every active type once. Failures are logged per type and do
// not stop the cycle.
func (m *Manager) Tick(ctx context.Context) error {
	ids := m.ActiveTypes()
	m.logger.Debug("Refresh cycle starting", "active_types", len(ids))

	var failed int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.refresh(ctx, id); err != nil {
			failed++
			m.logger.Warn("Refresh failed", "type_id", id, "error", err)
		}
	}

	m.logger.Debug("Refresh cycle completed", "active_types", len(ids), "failed", failed)
	return nil
}

// SetPollFrequency changes the timer period. Sub-second values are raised to
// one second. The change applies from the next cycle.
func (m *Manager) SetPollFrequency(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("poll frequency must be positive, got %s", d)
	}
	d = normalizeInterval(d)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interval == d {
		return nil
	}
	m.interval = d
	if m.jobID != 0 {
		m.cron.Remove(m.jobID)
		m.jobID = 0
		m.reschedule()
	}
	m.logger.Info("Poll frequency changed", "interval", d.String())
	return nil
}

// PollFrequency returns the current timer period.
func (m *Manager) PollFrequency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Start enables the timer. It runs whenever at least one type is monitored.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.reschedule()
}

// Stop disables the timer. Cached data and registrations are kept.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.reschedule()
}

// IsPolling reports whether the timer is currently scheduled.
func (m *Manager) IsPolling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobID != 0
}

// Close stops the timer, cancels in-flight work and stops listener dispatch.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.reschedule()
	m.mu.Unlock()

	m.cancel()
	<-m.cron.Stop().Done()
	close(m.done)
	m.wg.Wait()
	m.logger.Info("Cache manager closed")
}

// reschedule adds or removes the timer entry. Callers hold m.mu.
func (m *Manager) reschedule() {
	want := m.running && !m.closed && len(m.refs) > 0
	switch {
	case want && m.jobID == 0:
		m.jobID = m.cron.Schedule(cron.Every(m.interval), cron.FuncJob(m.tick))
		m.logger.Info("Polling started", "interval", m.interval.String())
	case !want && m.jobID != 0:
		m.cron.Remove(m.jobID)
		m.jobID = 0
		m.logger.Info("Polling suspended")
	}
}

func (m *Manager) tick() {
	if err := m.Tick(m.baseCtx); err != nil {
		m.logger.Debug("Refresh cycle interrupted", "error", err)
	}
}

// refresh fetches typeID, merges the result and enqueues a change event.
// Callers of the same type and registration epoch share one upstream call.
// The call runs detached from ctx so an abandoned caller does not fail the
// others; ctx only bounds how long this caller waits.
func (m *Manager) refresh(ctx context.Context, typeID int) ([]termin.AppointmentData, error) {
	typ, ok := m.catalog.Lookup(typeID)
	if !ok {
		return nil, fmt.Errorf("refresh %d: %w", typeID, ErrUnknownType)
	}

	m.mu.Lock()
	epoch := m.epochs[typeID]
	m.mu.Unlock()

	key := strconv.Itoa(typeID) + "@" + strconv.FormatUint(epoch, 10)
	ch := m.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(m.baseCtx, m.fetchTimeout)
		defer cancel()

		data, err := m.fetcher.Fetch(fetchCtx, typ)
		if err != nil {
			return nil, err
		}
		m.merge(typeID, epoch, data)
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			m.logger.Debug("Joined in-flight fetch", "type_id", typeID)
		}
		return termin.CloneData(res.Val.([]termin.AppointmentData)), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("refresh %d: %w", typeID, ctx.Err())
	}
}

// merge stores data unless the type was deregistered while the fetch was in flight.
func (m *Manager) merge(typeID int, epoch uint64, data []termin.AppointmentData) {
	m.mu.Lock()
	if m.closed || m.epochs[typeID] != epoch {
		m.mu.Unlock()
		m.logger.Debug("Discarding stale fetch result", "type_id", typeID)
		return
	}

	var prev int64
	if e := m.entries[typeID]; e != nil {
		prev = e.high
	}
	all := termin.Flatten(data)
	fresh := termin.Newer(all, prev)
	high := max(prev, termin.MaxTimestamp(all))

	m.entries[typeID] = &entry{
		data:      termin.CloneData(data),
		high:      high,
		fetchedAt: m.now(),
	}
	m.queue = append(m.queue, ChangeEvent{
		TypeID: typeID,
		Data:   termin.CloneData(data),
		All:    all,
		New:    fresh,
	})
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	label := strconv.Itoa(typeID)
	metrics.NewSlots.WithLabelValues(label).Add(float64(len(fresh)))
	m.logger.Info("Cache updated",
		"type_id", typeID,
		"slots", len(all),
		"new_slots", len(fresh),
		"previous_high", prev,
		"high", high)
}

// dispatch drains queued events and invokes listeners outside the fetch path.
func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.wake:
		case <-m.done:
			return
		}

		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, ev := range batch {
			m.mu.Lock()
			listeners := slices.Clone(m.listeners)
			m.mu.Unlock()

			metrics.ChangeEvents.WithLabelValues(strconv.Itoa(ev.TypeID)).Inc()
			for _, l := range listeners {
				m.invoke(l.fn, ev)
			}
		}
	}
}

func (m *Manager) invoke(fn Listener, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Change listener panicked", "type_id", ev.TypeID, "panic", fmt.Sprint(r))
		}
	}()
	fn(m.baseCtx, ev)
}

// cronLogger routes scheduler logs through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug("Scheduler "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error("Scheduler "+msg, append(keysAndValues, "error", err)...)
}
