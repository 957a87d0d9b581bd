// Package poll connects cache change events to subscriptions and notifications.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"termin-notifier/cache"
	"termin-notifier/filter"
	"termin-notifier/pkg/termin"
	"termin-notifier/settings"
)

// ErrUnknownType is returned for appointment type ids missing from the catalog.
var ErrUnknownType = errors.New("unknown appointment type")

// Cache interface for the shared appointment cache.
type Cache interface {
	OnChange(l cache.Listener) func()
	StartMonitoring(ctx context.Context, typeID int) error
	StopMonitoring(typeID int)
	Tick(ctx context.Context) error
	SetPollFrequency(d time.Duration) error
	Start()
	Stop()
}

// Registry interface for subscription persistence.
type Registry interface {
	Create(ctx context.Context, typeID int, criteria termin.FilterCriteria) (*termin.Subscription, error)
	Delete(ctx context.Context, id string) (*termin.Subscription, error)
	List() []*termin.Subscription
	ListByType(typeID int) []*termin.Subscription
}

// Dispatcher interface for showing notifications.
type Dispatcher interface {
	DeliverFiltered(ctx context.Context, sub *termin.Subscription, typ termin.AppointmentType, slots []termin.Slot) int
	AnnounceAppointment(ctx context.Context, typ termin.AppointmentType, slot termin.Slot) error
	AnnounceSubscription(ctx context.Context, typ termin.AppointmentType) error
}

// Settings interface for persisted preferences.
type Settings interface {
	Current() settings.Preferences
	Update(ctx context.Context, patch settings.Patch) (settings.Preferences, error)
}

// Catalog resolves appointment type ids.
type Catalog interface {
	Lookup(id int) (termin.AppointmentType, bool)
}

// Config holds monitor dependencies.
type Config struct {
	Cache      Cache
	Registry   Registry
	Dispatcher Dispatcher
	Settings   Settings
	Catalog    Catalog
	Logger     *slog.Logger
	Location   *time.Location
}

// Monitor keeps one cache registration per subscription and per selected
// type, and turns change events into notifications.
type Monitor struct {
	cache      Cache
	registry   Registry
	dispatcher Dispatcher
	settings   Settings
	catalog    Catalog
	logger     *slog.Logger
	loc        *time.Location

	mu          sync.Mutex
	selected    []int
	unsubscribe func()
}

// New creates a monitor. Call Start to attach it to the cache.
func New(cfg *Config) *Monitor {
	m := &Monitor{
		cache:      cfg.Cache,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		settings:   cfg.Settings,
		catalog:    cfg.Catalog,
		logger:     cfg.Logger,
		loc:        cfg.Location,
	}
	if m.loc == nil {
		m.loc = time.Local
	}
	return m
}

// Start registers the change listener, resumes monitoring for stored
// subscriptions and selected types, and applies the stored polling settings.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return nil
	}
	m.unsubscribe = m.cache.OnChange(m.HandleChange)

	subs := m.registry.List()
	for _, sub := range subs {
		if err := m.cache.StartMonitoring(ctx, sub.AppointmentTypeID); err != nil {
			m.logger.Warn("Cannot resume subscription", "subscription_id", sub.ID, "type_id", sub.AppointmentTypeID, "error", err)
		}
	}

	prefs := m.settings.Current()
	for _, id := range prefs.SelectedTypes {
		if slices.Contains(m.selected, id) {
			continue
		}
		if err := m.cache.StartMonitoring(ctx, id); err != nil {
			m.logger.Warn("Cannot resume selected type", "type_id", id, "error", err)
			continue
		}
		m.selected = append(m.selected, id)
	}

	if err := m.applyPolling(prefs); err != nil {
		return err
	}

	m.logger.Info("Monitor started",
		"subscriptions", len(subs),
		"selected_types", len(m.selected),
		"poll_interval", prefs.PollInterval().String(),
		"polling_active", prefs.PollingActive)
	return nil
}

// Stop detaches the change listener.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// HandleChange notifies every enabled subscription of the event's type about
// matching slots newer than its watermark, then announces new slots of a
// selected type.
func (m *Monitor) HandleChange(ctx context.Context, ev cache.ChangeEvent) {
	typ, ok := m.catalog.Lookup(ev.TypeID)
	if !ok {
		return
	}

	dated := termin.Dated(ev.All)
	for _, sub := range m.registry.ListByType(ev.TypeID) {
		if !sub.Filters.Enabled {
			continue
		}
		candidates := termin.Newer(dated, sub.Watermark)
		if len(candidates) == 0 {
			continue
		}
		matched := filter.Apply(candidates, sub.Filters, m.loc)
		m.logger.Debug("Subscription evaluated",
			"subscription_id", sub.ID,
			"type_id", ev.TypeID,
			"candidates", len(candidates),
			"matched", len(matched),
			"watermark", sub.Watermark)
		if len(matched) == 0 {
			continue
		}
		m.dispatcher.DeliverFiltered(ctx, sub, typ, matched)
	}

	if len(ev.New) == 0 || !m.isSelected(ev.TypeID) {
		return
	}
	for _, slot := range ev.New {
		if err := m.dispatcher.AnnounceAppointment(ctx, typ, slot); err != nil {
			m.logger.Warn("Failed to announce appointment", "type_id", ev.TypeID, "slot", slot.Key(), "error", err)
		}
	}
}

// Subscribe creates a subscription, starts monitoring its type and sends a
// confirmation.
func (m *Monitor) Subscribe(ctx context.Context, typeID int, criteria termin.FilterCriteria) (*termin.Subscription, error) {
	typ, ok := m.catalog.Lookup(typeID)
	if !ok {
		return nil, fmt.Errorf("subscribe to %d: %w", typeID, ErrUnknownType)
	}

	sub, err := m.registry.Create(ctx, typeID, criteria)
	if err != nil {
		return nil, err
	}
	if err := m.cache.StartMonitoring(ctx, typeID); err != nil {
		if _, delErr := m.registry.Delete(ctx, sub.ID); delErr != nil {
			m.logger.Error("Failed to roll back subscription", "subscription_id", sub.ID, "error", delErr)
		}
		return nil, fmt.Errorf("start monitoring %d: %w", typeID, err)
	}

	if err := m.dispatcher.AnnounceSubscription(ctx, typ); err != nil {
		m.logger.Warn("Failed to confirm subscription", "subscription_id", sub.ID, "error", err)
	}
	return sub, nil
}

// Unsubscribe deletes a subscription and releases its cache registration.
func (m *Monitor) Unsubscribe(ctx context.Context, id string) error {
	sub, err := m.registry.Delete(ctx, id)
	if err != nil {
		return err
	}
	m.cache.StopMonitoring(sub.AppointmentTypeID)
	return nil
}

// SelectType starts unfiltered announcements for typeID. Selecting a type
// twice is a no-op.
func (m *Monitor) SelectType(ctx context.Context, typeID int) error {
	if _, ok := m.catalog.Lookup(typeID); !ok {
		return fmt.Errorf("select %d: %w", typeID, ErrUnknownType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.selected, typeID) {
		return nil
	}
	if err := m.cache.StartMonitoring(ctx, typeID); err != nil {
		return fmt.Errorf("select %d: %w", typeID, err)
	}
	m.selected = append(m.selected, typeID)
	m.persistSelection(ctx)

	m.logger.Info("Appointment type selected", "type_id", typeID)
	return nil
}

// DeselectType stops announcements for typeID.
func (m *Monitor) DeselectType(ctx context.Context, typeID int) error {
	if _, ok := m.catalog.Lookup(typeID); !ok {
		return fmt.Errorf("deselect %d: %w", typeID, ErrUnknownType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.selected, typeID) {
		return nil
	}
	m.selected = slices.DeleteFunc(m.selected, func(id int) bool { return id == typeID })
	m.cache.StopMonitoring(typeID)
	m.persistSelection(ctx)

	m.logger.Info("Appointment type deselected", "type_id", typeID)
	return nil
}

// SelectedTypes returns the selected type ids in selection order.
func (m *Monitor) SelectedTypes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.selected)
}

// UpdateSettings persists patch and applies polling and selection changes.
func (m *Monitor) UpdateSettings(ctx context.Context, patch settings.Patch) (settings.Preferences, error) {
	if patch.SelectedTypes != nil {
		var ids []int
		for _, id := range *patch.SelectedTypes {
			if _, ok := m.catalog.Lookup(id); !ok {
				return settings.Preferences{}, fmt.Errorf("select %d: %w", id, ErrUnknownType)
			}
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		patch.SelectedTypes = &ids
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prefs, err := m.settings.Update(ctx, patch)
	if err != nil {
		return settings.Preferences{}, err
	}
	if patch.SelectedTypes != nil {
		m.reconcileSelection(ctx, *patch.SelectedTypes)
	}
	if err := m.applyPolling(prefs); err != nil {
		return settings.Preferences{}, err
	}
	return prefs, nil
}

// CheckAll refreshes every monitored type now.
func (m *Monitor) CheckAll(ctx context.Context) error {
	start := time.Now()
	if err := m.cache.Tick(ctx); err != nil {
		return fmt.Errorf("check all: %w", err)
	}
	m.logger.Info("Manual check completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (m *Monitor) isSelected(typeID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.selected, typeID)
}

// reconcileSelection starts and stops registrations so the selection equals
// want. Callers hold m.mu.
func (m *Monitor) reconcileSelection(ctx context.Context, want []int) {
	for _, id := range m.selected {
		if !slices.Contains(want, id) {
			m.cache.StopMonitoring(id)
		}
	}
	next := make([]int, 0, len(want))
	for _, id := range want {
		if slices.Contains(m.selected, id) {
			next = append(next, id)
			continue
		}
		if err := m.cache.StartMonitoring(ctx, id); err != nil {
			m.logger.Warn("Cannot select type", "type_id", id, "error", err)
			continue
		}
		next = append(next, id)
	}
	m.selected = next
}

// persistSelection writes the selection. Callers hold m.mu.
func (m *Monitor) persistSelection(ctx context.Context) {
	ids := slices.Clone(m.selected)
	if _, err := m.settings.Update(ctx, settings.Patch{SelectedTypes: &ids}); err != nil {
		m.logger.Warn("Failed to persist selected types", "error", err)
	}
}

func (m *Monitor) applyPolling(prefs settings.Preferences) error {
	if err := m.cache.SetPollFrequency(prefs.PollInterval()); err != nil {
		return fmt.Errorf("apply poll frequency: %w", err)
	}
	if prefs.PollingActive {
		m.cache.Start()
	} else {
		m.cache.Stop()
	}
	return nil
}
