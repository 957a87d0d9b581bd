// Package settings persists user preferences one key per value.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"termin-notifier/kv"
)

// Storage keys.
const (
	KeySelectedTypes    = "selectedAppointmentTypes"
	KeyPollingFrequency = "pollingFrequency"
	KeyPollingActive    = "pollingActive"
	KeyBackgroundImage  = "backgroundImage"
	KeyAnalyticsConsent = "analyticsConsent"
	KeyLocale           = "locale"
)

// Defaults applied when a key was never written.
const (
	DefaultPollingFrequency = 30000
	DefaultLocale           = "de"
	minPollingFrequency     = 1000
)

// Consent values.
const (
	ConsentAccepted = "accepted"
	ConsentDeclined = "declined"
)

// ErrInvalid is returned for patches with out-of-range values.
var ErrInvalid = errors.New("invalid settings")

var locales = []string{"de", "en", "fr", "nl", "ru"}

// Preferences is the full set of persisted settings.
type Preferences struct {
	SelectedTypes    []int  `json:"selectedAppointmentTypes"`
	PollingFrequency int64  `json:"pollingFrequency"`
	PollingActive    bool   `json:"pollingActive"`
	BackgroundImage  string `json:"backgroundImage"`
	AnalyticsConsent string `json:"analyticsConsent"`
	Locale           string `json:"locale"`
}

// PollInterval returns PollingFrequency as a duration.
func (p Preferences) PollInterval() time.Duration {
	return time.Duration(p.PollingFrequency) * time.Millisecond
}

func (p Preferences) clone() Preferences {
	p.SelectedTypes = slices.Clone(p.SelectedTypes)
	return p
}

// Defaults returns the preferences of a fresh install.
func Defaults() Preferences {
	return Preferences{
		SelectedTypes:    []int{},
		PollingFrequency: DefaultPollingFrequency,
		PollingActive:    true,
		Locale:           DefaultLocale,
	}
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	SelectedTypes    *[]int  `json:"selectedAppointmentTypes,omitempty"`
	PollingFrequency *int64  `json:"pollingFrequency,omitempty"`
	PollingActive    *bool   `json:"pollingActive,omitempty"`
	BackgroundImage  *string `json:"backgroundImage,omitempty"`
	AnalyticsConsent *string `json:"analyticsConsent,omitempty"`
	Locale           *string `json:"locale,omitempty"`
}

// Validate checks value ranges.
func (p Patch) Validate() error {
	if p.PollingFrequency != nil && *p.PollingFrequency < minPollingFrequency {
		return fmt.Errorf("%w: pollingFrequency %d below %d ms", ErrInvalid, *p.PollingFrequency, minPollingFrequency)
	}
	if p.AnalyticsConsent != nil {
		switch *p.AnalyticsConsent {
		case "", ConsentAccepted, ConsentDeclined:
		default:
			return fmt.Errorf("%w: analyticsConsent %q", ErrInvalid, *p.AnalyticsConsent)
		}
	}
	if p.Locale != nil && !slices.Contains(locales, *p.Locale) {
		return fmt.Errorf("%w: locale %q", ErrInvalid, *p.Locale)
	}
	if p.SelectedTypes != nil {
		for _, id := range *p.SelectedTypes {
			if id <= 0 {
				return fmt.Errorf("%w: appointment type %d", ErrInvalid, id)
			}
		}
	}
	return nil
}

// Store keeps the current preferences in memory and writes changed keys through.
type Store struct {
	kv     kv.Store
	logger *slog.Logger

	mu      sync.Mutex
	current Preferences
}

// New creates a store holding the defaults. Call Load to read persisted values.
func New(store kv.Store, logger *slog.Logger) *Store {
	return &Store{kv: store, logger: logger, current: Defaults()}
}

// Load reads every key, keeping the default for missing or unreadable ones.
func (s *Store) Load(ctx context.Context) Preferences {
	p := Defaults()
	s.read(ctx, KeySelectedTypes, &p.SelectedTypes)
	s.read(ctx, KeyPollingFrequency, &p.PollingFrequency)
	s.read(ctx, KeyPollingActive, &p.PollingActive)
	s.read(ctx, KeyBackgroundImage, &p.BackgroundImage)
	s.read(ctx, KeyAnalyticsConsent, &p.AnalyticsConsent)
	s.read(ctx, KeyLocale, &p.Locale)

	if p.PollingFrequency < minPollingFrequency {
		s.logger.Warn("Stored polling frequency too low, using default", "stored_ms", p.PollingFrequency)
		p.PollingFrequency = DefaultPollingFrequency
	}
	if p.SelectedTypes == nil {
		p.SelectedTypes = []int{}
	}

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()

	s.logger.Info("Settings loaded",
		"selected_types", len(p.SelectedTypes),
		"polling_ms", p.PollingFrequency,
		"polling_active", p.PollingActive,
		"locale", p.Locale)
	return p.clone()
}

func (s *Store) read(ctx context.Context, key string, dst any) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if !kv.IsNotFound(err) {
			s.logger.Warn("Failed to read setting", "key", key, "error", err)
		}
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("Ignoring corrupt setting", "key", key, "error", err)
	}
}

// Current returns the in-memory preferences.
func (s *Store) Current() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Update applies patch and persists only the keys whose value changed.
// Write failures are logged; the in-memory value is kept.
func (s *Store) Update(ctx context.Context, patch Patch) (Preferences, error) {
	if err := patch.Validate(); err != nil {
		return Preferences{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	var changed []string
	if patch.SelectedTypes != nil && !slices.Equal(next.SelectedTypes, *patch.SelectedTypes) {
		next.SelectedTypes = slices.Clone(*patch.SelectedTypes)
		changed = append(changed, KeySelectedTypes)
	}
	if patch.PollingFrequency != nil && next.PollingFrequency != *patch.PollingFrequency {
		next.PollingFrequency = *patch.PollingFrequency
		changed = append(changed, KeyPollingFrequency)
	}
	if patch.PollingActive != nil && next.PollingActive != *patch.PollingActive {
		next.PollingActive = *patch.PollingActive
		changed = append(changed, KeyPollingActive)
	}
	if patch.BackgroundImage != nil && next.BackgroundImage != *patch.BackgroundImage {
		next.BackgroundImage = *patch.BackgroundImage
		changed = append(changed, KeyBackgroundImage)
	}
	if patch.AnalyticsConsent != nil && next.AnalyticsConsent != *patch.AnalyticsConsent {
		next.AnalyticsConsent = *patch.AnalyticsConsent
		changed = append(changed, KeyAnalyticsConsent)
	}
	if patch.Locale != nil && next.Locale != *patch.Locale {
		next.Locale = *patch.Locale
		changed = append(changed, KeyLocale)
	}
	s.current = next

	for _, key := range changed {
		s.write(ctx, key, next)
	}
	if len(changed) > 0 {
		s.logger.Info("Settings updated", "keys", changed)
	}
	return next.clone(), nil
}

func (s *Store) write(ctx context.Context, key string, p Preferences) {
	var value any
	switch key {
	case KeySelectedTypes:
		value = p.SelectedTypes
	case KeyPollingFrequency:
		value = p.PollingFrequency
	case KeyPollingActive:
		value = p.PollingActive
	case KeyBackgroundImage:
		// An empty image removes the key.
		if p.BackgroundImage == "" {
			if err := s.kv.Delete(ctx, key); err != nil {
				s.logger.Warn("Failed to delete setting", "key", key, "error", err)
			}
			return
		}
		value = p.BackgroundImage
	case KeyAnalyticsConsent:
		value = p.AnalyticsConsent
	case KeyLocale:
		value = p.Locale
	}

	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to marshal setting", "key", key, "error", err)
		return
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		s.logger.Warn("Failed to persist setting", "key", key, "error", err)
	}
}
