// Package notify turns matching appointment slots into user-facing notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"termin-notifier/filter"
	"termin-notifier/metrics"
	"termin-notifier/pkg/termin"
)

// Permission mirrors the three states of a notification permission prompt.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Kind labels notifications in logs and metrics.
type Kind string

const (
	KindFiltered     Kind = "filtered"
	KindAppointment  Kind = "appointment"
	KindSubscription Kind = "subscription"
)

// Auto-dismiss delays per kind.
const (
	FilteredDismiss     = 15 * time.Second
	AppointmentDismiss  = 10 * time.Second
	SubscriptionDismiss = 5 * time.Second
)

// ErrUnsupported is returned by presenters that cannot show anything.
var ErrUnsupported = errors.New("notifications not supported")

// Notification is one message handed to a presenter.
type Notification struct {
	Title              string
	Body               string
	Icon               string
	Tag                string
	URL                string
	Kind               Kind
	AutoDismiss        time.Duration
	RequireInteraction bool
}

// Presenter displays notifications on some channel.
type Presenter interface {
	Supported() bool
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context, tag string) error
}

// Watermarks advances a subscription's last notified timestamp.
type Watermarks interface {
	AdvanceWatermark(ctx context.Context, id string, ts int64) (bool, error)
}

type timer interface {
	Stop() bool
}

// Config holds dispatcher configuration.
type Config struct {
	Presenter  Presenter
	Watermarks Watermarks
	Logger     *slog.Logger
	Now        func() time.Time
	IconURL    string
}

// Dispatcher shows notifications, collapses repeats of visible tags and
// dismisses them when their delay runs out.
type Dispatcher struct {
	presenter  Presenter
	watermarks Watermarks
	logger     *slog.Logger
	now        func() time.Time
	icon       string
	afterFunc  func(time.Duration, func()) timer

	mu      sync.Mutex
	visible map[string]timer
	closed  bool
}

// New creates a dispatcher.
func New(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		presenter:  cfg.Presenter,
		watermarks: cfg.Watermarks,
		logger:     cfg.Logger,
		now:        cfg.Now,
		icon:       cfg.IconURL,
		afterFunc: func(delay time.Duration, f func()) timer {
			return time.AfterFunc(delay, f)
		},
		visible: make(map[string]timer),
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.icon == "" {
		d.icon = "/favicon.ico"
	}
	return d
}

// DeliverFiltered shows one notification per slot and then advances the
// subscription's watermark once, to the highest delivered timestamp.
// It returns how many slots were delivered.
func (d *Dispatcher) DeliverFiltered(ctx context.Context, sub *termin.Subscription, typ termin.AppointmentType, slots []termin.Slot) int {
	if len(slots) == 0 {
		return 0
	}
	desc := filter.Describe(sub.Filters)

	delivered := 0
	var high int64
	for _, slot := range slots {
		body := fmt.Sprintf("%s\n📍 %s\n📅 %s", typ.Name, slot.DisplayName(), slot.Date)
		if desc != "" {
			body += "\n🔍 " + desc
		}
		n := Notification{
			Title:              "🎯 Gefilterte Termin-Benachrichtigung",
			Body:               body,
			Tag:                "filtered-" + slot.Key(),
			URL:                slot.ReservationLink,
			Kind:               KindFiltered,
			AutoDismiss:        FilteredDismiss,
			RequireInteraction: true,
		}
		ok, err := d.show(ctx, n)
		if err != nil {
			d.logger.Warn("Failed to deliver notification",
				"subscription_id", sub.ID,
				"type_id", typ.ID,
				"slot", slot.Key(),
				"error", err)
			continue
		}
		if !ok {
			continue
		}
		delivered++
		if ts := int64(slot.Timestamp); ts > high {
			high = ts
		}
	}

	if delivered == 0 || high == 0 {
		return delivered
	}

	moved, err := d.watermarks.AdvanceWatermark(ctx, sub.ID, high)
	if err != nil {
		d.logger.Error("Failed to advance watermark", "subscription_id", sub.ID, "watermark", high, "error", err)
		return delivered
	}
	if moved {
		metrics.WatermarkAdvances.Inc()
	}
	d.logger.Info("Filtered notifications delivered",
		"subscription_id", sub.ID,
		"type_id", typ.ID,
		"delivered", delivered,
		"candidates", len(slots),
		"watermark", high)
	return delivered
}

// AnnounceAppointment shows an unfiltered notification for a new slot of a
// selected appointment type.
func (d *Dispatcher) AnnounceAppointment(ctx context.Context, typ termin.AppointmentType, slot termin.Slot) error {
	_, err := d.show(ctx, Notification{
		Title:              "Neuer Termin verfügbar: " + typ.Name,
		Body:               fmt.Sprintf("%s\n%s", slot.DisplayName(), slot.Date),
		Tag:                "appointment-" + slot.Key(),
		URL:                slot.ReservationLink,
		Kind:               KindAppointment,
		AutoDismiss:        AppointmentDismiss,
		RequireInteraction: true,
	})
	return err
}

// AnnounceSubscription confirms that monitoring started for typ.
func (d *Dispatcher) AnnounceSubscription(ctx context.Context, typ termin.AppointmentType) error {
	_, err := d.show(ctx, Notification{
		Title:       "🔔 Termin-Überwachung aktiviert",
		Body:        "Sie erhalten Benachrichtigungen für neue Termine: " + typ.Name,
		Tag:         fmt.Sprintf("subscription-%d", d.now().UnixMilli()),
		Kind:        KindSubscription,
		AutoDismiss: SubscriptionDismiss,
	})
	return err
}

// Permission reports the presenter's current permission.
func (d *Dispatcher) Permission() Permission {
	if !d.presenter.Supported() {
		return PermissionDenied
	}
	return d.presenter.Permission()
}

// RequestPermission asks the presenter for permission if it has not been decided.
func (d *Dispatcher) RequestPermission(ctx context.Context) (Permission, error) {
	if !d.presenter.Supported() {
		return PermissionDenied, ErrUnsupported
	}
	if p := d.presenter.Permission(); p != PermissionDefault {
		return p, nil
	}
	return d.presenter.RequestPermission(ctx)
}

// Visible returns the number of notifications not yet dismissed.
func (d *Dispatcher) Visible() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visible)
}

// Close stops pending auto-dismiss timers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for tag, t := range d.visible {
		if t != nil {
			t.Stop()
		}
		delete(d.visible, tag)
	}
}

// show reports whether n counts as delivered. A notification skipped for
// lack of permission is not delivered and not an error.
func (d *Dispatcher) show(ctx context.Context, n Notification) (bool, error) {
	kind := string(n.Kind)
	if !d.permitted(ctx, n) {
		metrics.Notifications.WithLabelValues(kind, "skipped").Inc()
		return false, nil
	}
	if n.Icon == "" {
		n.Icon = d.icon
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false, errors.New("dispatcher closed")
	}
	if _, ok := d.visible[n.Tag]; ok {
		d.mu.Unlock()
		d.logger.Debug("Notification already visible", "tag", n.Tag)
		metrics.Notifications.WithLabelValues(kind, "collapsed").Inc()
		return true, nil
	}
	// Reserve the tag so a concurrent show of the same tag collapses.
	d.visible[n.Tag] = nil
	d.mu.Unlock()

	if err := d.presenter.Show(ctx, n); err != nil {
		d.mu.Lock()
		delete(d.visible, n.Tag)
		d.mu.Unlock()
		metrics.Notifications.WithLabelValues(kind, "error").Inc()
		return false, fmt.Errorf("show %s: %w", n.Tag, err)
	}

	d.mu.Lock()
	if _, ok := d.visible[n.Tag]; ok && !d.closed {
		d.visible[n.Tag] = d.afterFunc(n.AutoDismiss, func() { d.expire(n.Tag) })
	}
	d.mu.Unlock()

	metrics.Notifications.WithLabelValues(kind, "shown").Inc()
	return true, nil
}

func (d *Dispatcher) permitted(ctx context.Context, n Notification) bool {
	if !d.presenter.Supported() {
		d.logger.Debug("Notifications not supported, skipping", "tag", n.Tag)
		return false
	}
	p := d.presenter.Permission()
	if p == PermissionDefault {
		var err error
		if p, err = d.presenter.RequestPermission(ctx); err != nil {
			d.logger.Warn("Notification permission request failed", "tag", n.Tag, "error", err)
			return false
		}
	}
	if p != PermissionGranted {
		d.logger.Debug("Notification permission not granted", "tag", n.Tag, "permission", p)
		return false
	}
	return true
}

func (d *Dispatcher) expire(tag string) {
	d.mu.Lock()
	if _, ok := d.visible[tag]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.visible, tag)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.presenter.Dismiss(ctx, tag); err != nil {
		d.logger.Warn("Failed to dismiss notification", "tag", tag, "error", err)
	}
}

// LogPresenter writes notifications to the structured log. It is always granted.
type LogPresenter struct {
	logger *slog.Logger
}

// NewLogPresenter creates a log-only presenter.
func NewLogPresenter(logger *slog.Logger) *LogPresenter {
	return &LogPresenter{logger: logger}
}

func (*LogPresenter) Supported() bool { return true }

func (*LogPresenter) Permission() Permission { return PermissionGranted }

func (*LogPresenter) RequestPermission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

// Show logs the notification.
func (l *LogPresenter) Show(_ context.Context, n Notification) error {
	l.logger.Info("NOTIFICATION",
		"kind", n.Kind,
		"title", n.Title,
		"body", strings.ReplaceAll(n.Body, "\n", " | "),
		"tag", n.Tag,
		"url", n.URL)
	return nil
}

// Dismiss logs the dismissal.
func (l *LogPresenter) Dismiss(_ context.Context, tag string) error {
	l.logger.Debug("Notification dismissed", "tag", tag)
	return nil
}
