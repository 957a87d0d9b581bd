// Package registry stores subscriptions and persists them as one snapshot.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"termin-notifier/kv"
	"termin-notifier/pkg/termin"
)

// StorageKey is the key holding the JSON array of all subscriptions.
const StorageKey = "nbg-appointment-subscriptions"

// BackupKey names the copy of an undecodable snapshot taken at t.
func BackupKey(t time.Time) string {
	return StorageKey + ".corrupt-" + t.UTC().Format("20060102T150405")
}

// Watermarks above this are millisecond values written by older clients.
const millisecondWatermark = 1_000_000_000_000

var (
	// ErrNotFound is returned for unknown subscription ids.
	ErrNotFound = errors.New("subscription not found")
	// ErrUnknownType is returned when creating a subscription for a type missing from the catalog.
	ErrUnknownType = errors.New("unknown appointment type")
)

// Catalog resolves appointment type ids.
type Catalog interface {
	Lookup(id int) (termin.AppointmentType, bool)
}

// Registry is the in-memory authoritative set of subscriptions.
type Registry struct {
	store   kv.Store
	catalog Catalog
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu    sync.Mutex
	subs  map[string]*termin.Subscription
	order []string
}

// New creates an empty registry. Call Load to restore persisted state.
func New(store kv.Store, catalog Catalog, logger *slog.Logger) *Registry {
	return &Registry{
		store:   store,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		subs:    make(map[string]*termin.Subscription),
	}
}

// Load replaces in-memory state with the persisted snapshot. A missing
// snapshot is an empty registry. A snapshot that cannot be decoded is copied
// to a backup key before the registry starts empty, so later writes do not
// destroy it. Millisecond watermarks are reset to zero and the repair is
// persisted.
func (r *Registry) Load(ctx context.Context) error {
	data, err := r.store.Get(ctx, StorageKey)
	if err != nil {
		if kv.IsNotFound(err) {
			r.logger.Info("No stored subscriptions")
			return nil
		}
		return fmt.Errorf("load subscriptions: %w", err)
	}

	var stored []*termin.Subscription
	if err := json.Unmarshal(data, &stored); err != nil {
		backup := BackupKey(r.now())
		if putErr := r.store.Put(ctx, backup, data); putErr != nil {
			return fmt.Errorf("back up undecodable subscriptions: %w", putErr)
		}
		r.logger.Error("Stored subscriptions are corrupt, starting empty",
			"error", err, "backup_key", backup, "bytes", len(data))
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[string]*termin.Subscription, len(stored))
	r.order = r.order[:0]
	repaired := 0
	for _, sub := range stored {
		if sub == nil || sub.ID == "" {
			continue
		}
		if _, dup := r.subs[sub.ID]; dup {
			r.logger.Warn("Skipping duplicate subscription", "subscription_id", sub.ID)
			continue
		}
		if sub.Watermark > millisecondWatermark {
			r.logger.Info("Resetting millisecond watermark", "subscription_id", sub.ID, "watermark", sub.Watermark)
			sub.Watermark = 0
			repaired++
		}
		r.subs[sub.ID] = sub
		r.order = append(r.order, sub.ID)
	}

	r.logger.Info("Subscriptions loaded", "count", len(r.order), "repaired", repaired)
	if repaired > 0 {
		r.persistLocked(ctx)
	}
	return nil
}

// Create registers a new subscription with a zero watermark.
func (r *Registry) Create(ctx context.Context, typeID int, criteria termin.FilterCriteria) (*termin.Subscription, error) {
	if _, ok := r.catalog.Lookup(typeID); !ok {
		return nil, fmt.Errorf("create subscription for type %d: %w", typeID, ErrUnknownType)
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	criteria = criteria.Clone()
	criteria.AppointmentTypeID = typeID
	sub := &termin.Subscription{
		ID:                r.newID(),
		AppointmentTypeID: typeID,
		Filters:           criteria,
		CreatedAt:         r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	r.order = append(r.order, sub.ID)
	r.persistLocked(ctx)

	r.logger.Info("Subscription created", "subscription_id", sub.ID, "type_id", typeID, "enabled", criteria.Enabled)
	return sub.Clone(), nil
}

// Get returns a copy of one subscription.
func (r *Registry) Get(id string) (*termin.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return sub.Clone(), nil
}

// List returns copies of all subscriptions in creation order.
func (r *Registry) List() []*termin.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*termin.Subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id].Clone())
	}
	return out
}

// ListByType returns copies of the subscriptions for one appointment type.
func (r *Registry) ListByType(typeID int) []*termin.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*termin.Subscription
	for _, id := range r.order {
		if sub := r.subs[id]; sub.AppointmentTypeID == typeID {
			out = append(out, sub.Clone())
		}
	}
	return out
}

// Update merges patch into a subscription's filters.
func (r *Registry) Update(ctx context.Context, id string, patch termin.CriteriaPatch) (*termin.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	merged := sub.Filters.Merge(patch)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	sub.Filters = merged
	r.persistLocked(ctx)

	r.logger.Info("Subscription updated", "subscription_id", id, "enabled", merged.Enabled)
	return sub.Clone(), nil
}

// Delete removes a subscription and returns what was removed.
func (r *Registry) Delete(ctx context.Context, id string) (*termin.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(r.subs, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	r.persistLocked(ctx)

	r.logger.Info("Subscription deleted", "subscription_id", id, "type_id", sub.AppointmentTypeID)
	return sub, nil
}

// ResetWatermark sets a subscription's watermark back to zero.
func (r *Registry) ResetWatermark(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("reset %s: %w", id, ErrNotFound)
	}
	sub.Watermark = 0
	r.persistLocked(ctx)

	r.logger.Info("Watermark reset", "subscription_id", id)
	return nil
}

// AdvanceWatermark raises a subscription's watermark to ts. Lower values are
// ignored. It reports whether the watermark moved.
func (r *Registry) AdvanceWatermark(ctx context.Context, id string, ts int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false, fmt.Errorf("advance %s: %w", id, ErrNotFound)
	}
	if ts <= sub.Watermark {
		return false, nil
	}
	prev := sub.Watermark
	sub.Watermark = ts
	r.persistLocked(ctx)

	r.logger.Debug("Watermark advanced", "subscription_id", id, "previous", prev, "watermark", ts)
	return true, nil
}

// persistLocked writes the full snapshot. Failures are logged; memory stays
// authoritative. Callers hold r.mu.
func (r *Registry) persistLocked(ctx context.Context) {
	snapshot := make([]*termin.Subscription, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.subs[id])
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		r.logger.Error("Failed to marshal subscriptions", "error", err)
		return
	}
	if err := r.store.Put(ctx, StorageKey, data); err != nil {
		r.logger.Warn("Failed to persist subscriptions", "count", len(snapshot), "error", err)
	}
}
