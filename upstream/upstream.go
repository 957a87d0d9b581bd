// Package upstream fetches appointment listings from the municipal booking API.
package upstream

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/xeipuuv/gojsonschema"

	"termin-notifier/metrics"
	"termin-notifier/pkg/termin"
)

// DefaultURL is the Nürnberg TEVIS dates endpoint.
const DefaultURL = "https://microservices.nuernberg.de/behoerdenwegweiser/tevis/dates"

const maxResponseBytes = 10 << 20

//go:embed response.schema.json
var responseSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(responseSchema)

// Kind classifies an upstream failure.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindStatus       Kind = "status"
	KindUnsuccessful Kind = "unsuccessful"
	KindInvalid      Kind = "invalid"
)

// Error is returned for every failed fetch.
type Error struct {
	Err        error
	Kind       Kind
	StatusCode int
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("upstream HTTP %d", e.StatusCode)
	case KindUnsuccessful:
		return "upstream reported success != 1"
	default:
		if e.Err != nil {
			return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
		}
		return "upstream " + string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFailure checks if an error came from the upstream client.
func IsFailure(err error) bool {
	var ue *Error
	return errors.As(err, &ue)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	var ue *Error
	if !errors.As(err, &ue) {
		return false
	}
	switch ue.Kind {
	case KindNetwork:
		return true
	case KindStatus:
		return ue.StatusCode >= 500 || ue.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// Config holds client configuration.
type Config struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	URL        string
	Attempts   uint
	RetryDelay time.Duration
}

// Client fetches listings for one appointment type at a time.
type Client struct {
	http     *http.Client
	logger   *slog.Logger
	url      string
	attempts uint
	delay    time.Duration
}

// New creates a new upstream client.
func New(cfg *Config) *Client {
	c := &Client{
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
		url:      cfg.URL,
		attempts: cfg.Attempts,
		delay:    cfg.RetryDelay,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.url == "" {
		c.url = DefaultURL
	}
	if c.attempts == 0 {
		c.attempts = 3
	}
	if c.delay <= 0 {
		c.delay = time.Second
	}
	return c
}

type request struct {
	ConcernIDs []int                  `json:"concernIds"`
	Locations  []termin.LocationGroup `json:"locations"`
}

type response struct {
	Data    []termin.AppointmentData `json:"data"`
	Success int                      `json:"success"`
}

// Fetch returns the current listing for typ.
func (c *Client) Fetch(ctx context.Context, typ termin.AppointmentType) ([]termin.AppointmentData, error) {
	body, err := json.Marshal(request{ConcernIDs: typ.ConcernIDs, Locations: typ.Locations})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	typeLabel := strconv.Itoa(typ.ID)

	var data []termin.AppointmentData
	var lastErr error
	start := time.Now()

	err = retry.Do(
		func() error {
			data, lastErr = c.fetchOnce(ctx, typ, body)
			return lastErr
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying upstream fetch after error", "type_id", typ.ID, "attempt", n, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	metrics.UpstreamDuration.WithLabelValues(typeLabel).Observe(time.Since(start).Seconds())

	if err != nil {
		if lastErr == nil {
			lastErr = &Error{Kind: KindNetwork, Err: err}
		}
		metrics.UpstreamFetches.WithLabelValues(typeLabel, "error").Inc()
		return nil, fmt.Errorf("fetch appointment type %d: %w", typ.ID, lastErr)
	}

	metrics.UpstreamFetches.WithLabelValues(typeLabel, "ok").Inc()
	return data, nil
}

func (c *Client) fetchOnce(ctx context.Context, typ termin.AppointmentType, body []byte) ([]termin.AppointmentData, error) {
	c.logger.Debug("HTTP request starting", "method", http.MethodPost, "url", c.url, "type_id", typ.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	req.Header.Set("Origin", "https://www.nuernberg.de")
	req.Header.Set("Referer", "https://www.nuernberg.de/")

	startTime := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed", "type_id", typ.ID, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"type_id", typ.ID,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &Error{Kind: KindStatus, StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("read body: %w", err)}
	}

	data, err := decode(raw)
	if err != nil {
		c.logger.Warn("Upstream response rejected", "type_id", typ.ID, "error", err)
		return nil, err
	}

	c.logger.Info("Appointments fetched",
		"type_id", typ.ID,
		"groups", len(data),
		"slots", len(termin.Flatten(data)),
		"duration_ms", duration.Milliseconds())
	return data, nil
}

// decode validates raw against the response schema and extracts the listing.
func decode(raw []byte) ([]termin.AppointmentData, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Err: fmt.Errorf("parse response: %w", err)}
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			msgs[i] = desc.String()
		}
		return nil, &Error{Kind: KindInvalid, Err: errors.New(strings.Join(msgs, "; "))}
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &Error{Kind: KindInvalid, Err: fmt.Errorf("decode response: %w", err)}
	}
	if r.Success != 1 {
		return nil, &Error{Kind: KindUnsuccessful}
	}

	for i := range r.Data {
		d := &r.Data[i]
		d.Name = cleanText(d.Name)
		if d.AlternativeTitle != nil {
			title := cleanText(*d.AlternativeTitle)
			d.AlternativeTitle = &title
		}
		for j := range d.Locations {
			s := &d.Locations[j]
			s.Place = cleanText(s.Place)
			s.Place2 = cleanText(s.Place2)
			s.Date = termin.Label(cleanText(string(s.Date)))
		}
	}
	return r.Data, nil
}

// cleanText strips markup and entities that upstream sometimes embeds in labels.
func cleanText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
