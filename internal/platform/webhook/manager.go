package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hrq/hrq/internal/domain/riskscore"
	"github.com/hrq/hrq/internal/platform/events"
)

const listBatch = 100

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithTimeout sets the per-request timeout of the delivery client.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.client.Timeout = d }
}

// WithValidator checks every relayed event before it is signed.
func WithValidator(v events.PayloadValidator) Option {
	return func(m *Manager) { m.validator = v }
}

// WithRetryDelays sets the wait before each automatic redelivery. An
// endpoint gets len(delays) retries after the first attempt.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(m *Manager) { m.retryDelays = delays }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns endpoint registration and delivery. It is the "webhook"
// events.Handler.
type Manager struct {
	store       Store
	client      *http.Client
	validator   events.PayloadValidator
	logger      zerolog.Logger
	now         func() time.Time
	retryDelays []time.Duration
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: zerolog.Nop(),
		now:    time.Now,

		retryDelays: []time.Duration{30 * time.Second, 5 * time.Minute, 30 * time.Minute},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Registration describes a new endpoint. An empty Secret is generated and
// an empty MinBand means every band.
type Registration struct {
	URL         string             `json:"url"`
	Secret      string             `json:"secret"`
	MinBand     riskscore.RiskBand `json:"minBand"`
	Description string             `json:"description"`
}

// Changes is a partial endpoint update; nil fields are left alone.
type Changes struct {
	URL         *string             `json:"url"`
	MinBand     *riskscore.RiskBand `json:"minBand"`
	Status      *string             `json:"status"`
	Description *string             `json:"description"`
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute", ErrInvalid)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrInvalid)
	}
	return nil
}

func checkBand(b riskscore.RiskBand) error {
	if !b.Valid() {
		return fmt.Errorf("%w: unknown risk band %q", ErrInvalid, b)
	}
	return nil
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (m *Manager) Register(ctx context.Context, r Registration) (*Endpoint, error) {
	if err := checkURL(r.URL); err != nil {
		return nil, err
	}
	if r.MinBand == "" {
		r.MinBand = riskscore.BandLow
	}
	if err := checkBand(r.MinBand); err != nil {
		return nil, err
	}
	if r.Secret == "" {
		s, err := newSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		r.Secret = s
	}
	ep := &Endpoint{
		ID:          uuid.NewString(),
		URL:         r.URL,
		Secret:      r.Secret,
		MinBand:     r.MinBand,
		Description: r.Description,
		Status:      StatusActive,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	return ep, nil
}

func (m *Manager) Endpoint(ctx context.Context, id string) (*Endpoint, error) {
	return m.store.GetEndpoint(ctx, id)
}

func (m *Manager) Endpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error) {
	return m.store.ListEndpoints(ctx, limit, offset)
}

func (m *Manager) Update(ctx context.Context, id string, ch Changes) (*Endpoint, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.URL != nil {
		if err := checkURL(*ch.URL); err != nil {
			return nil, err
		}
		ep.URL = *ch.URL
	}
	if ch.MinBand != nil {
		if err := checkBand(*ch.MinBand); err != nil {
			return nil, err
		}
		ep.MinBand = *ch.MinBand
	}
	if ch.Status != nil {
		if *ch.Status != StatusActive && *ch.Status != StatusPaused {
			return nil, fmt.Errorf("%w: status must be %s or %s", ErrInvalid, StatusActive, StatusPaused)
		}
		ep.Status = *ch.Status
	}
	if ch.Description != nil {
		ep.Description = *ch.Description
	}
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.store.DeleteEndpoint(ctx, id)
}

func (m *Manager) Deliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	if _, err := m.store.GetEndpoint(ctx, endpointID); err != nil {
		return nil, 0, err
	}
	return m.store.ListDeliveries(ctx, endpointID, limit, offset)
}

func (m *Manager) Name() string { return "webhook" }

// Handle implements events.Handler. Each subscribed endpoint gets one
// attempt; a failed attempt is recorded in the delivery log and retried by
// RetryDue, so an unreachable endpoint never fails the event for the other
// consumers. Endpoints that already have a delivery for the event are
// skipped. Handle fails only when the event itself is unusable or the store
// is.
func (m *Manager) Handle(ctx context.Context, evt events.QuestionnaireSubmitted) error {
	if m.validator != nil {
		if err := m.validator.ValidatePayload(evt); err != nil {
			return err
		}
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	env := Envelope{
		ID:        evt.EventID.String(),
		Type:      events.TypeQuestionnaireSubmitted,
		CreatedAt: evt.Timestamp,
		Data:      data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	band := riskscore.RiskBand(evt.RiskBand)
	for offset := 0; ; offset += listBatch {
		eps, total, err := m.store.ListEndpoints(ctx, listBatch, offset)
		if err != nil {
			return fmt.Errorf("list endpoints: %w", err)
		}
		for _, ep := range eps {
			if !ep.wants(band) {
				continue
			}
			last, err := m.store.LastDelivery(ctx, ep.ID, env.ID)
			if err != nil {
				return fmt.Errorf("delivery lookup: %w", err)
			}
			if last != nil {
				continue
			}
			m.send(ctx, ep, env.ID, env.Type, body, 1)
		}
		if offset+listBatch >= total {
			break
		}
	}
	return nil
}

// RetryDue redelivers every failed event delivery whose retry delay has
// passed and returns how many attempts it made. Pings, paused or removed
// endpoints and deliveries out of retries are left to the operator.
func (m *Manager) RetryDue(ctx context.Context) (int, error) {
	failed, err := m.store.FailedDeliveries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list failed deliveries: %w", err)
	}
	now := m.now()
	n := 0
	for _, d := range failed {
		if d.EventType == EventTypePing || d.Attempt > len(m.retryDelays) {
			continue
		}
		if now.Before(d.At.Add(m.retryDelays[d.Attempt-1])) {
			continue
		}
		ep, err := m.store.GetEndpoint(ctx, d.EndpointID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if ep.Status != StatusActive {
			continue
		}
		m.send(ctx, ep, d.EventID, d.EventType, d.Body, d.Attempt+1)
		n++
	}
	return n, nil
}

// RunRetries calls RetryDue every interval until ctx ends.
func (m *Manager) RunRetries(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RetryDue(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("webhook retry sweep failed")
			}
		}
	}
}

// Ping sends a synthetic event so operators can check connectivity.
func (m *Manager) Ping(ctx context.Context, endpointID string) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      EventTypePing,
		CreatedAt: m.now().UTC(),
		Data:      json.RawMessage(`{"ping":true}`),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, ep, env.ID, env.Type, body, 1), nil
}

// Retry resends the body of a failed delivery as the next attempt.
func (m *Manager) Retry(ctx context.Context, deliveryID string) (*Delivery, error) {
	prev, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if prev.Succeeded {
		return nil, ErrNothingToRetry
	}
	ep, err := m.store.GetEndpoint(ctx, prev.EndpointID)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, ep, prev.EventID, prev.EventType, prev.Body, prev.Attempt+1), nil
}

func (m *Manager) send(ctx context.Context, ep *Endpoint, eventID, eventType string, body []byte, attempt int) *Delivery {
	sentAt := m.now().UTC()
	d := &Delivery{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		EventID:    eventID,
		EventType:  eventType,
		Attempt:    attempt,
		At:         sentAt,
		Body:       body,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, Sign(ep.Secret, sentAt.Unix(), body))
		req.Header.Set(TimestampHeader, strconv.FormatInt(sentAt.Unix(), 10))
		req.Header.Set(EventIDHeader, eventID)
		req.Header.Set(EventTypeHeader, eventType)

		start := time.Now()
		var resp *http.Response
		resp, err = m.client.Do(req)
		d.Latency = time.Since(start)
		if err == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			d.StatusCode = resp.StatusCode
			d.Succeeded = resp.StatusCode >= 200 && resp.StatusCode < 300
			if !d.Succeeded {
				d.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
			}
		}
	}
	if err != nil {
		d.Error = err.Error()
	}

	if err := m.store.RecordDelivery(ctx, d); err != nil {
		m.logger.Error().Err(err).Str("endpoint_id", ep.ID).Msg("record webhook delivery")
	}
	if !d.Succeeded {
		m.logger.Warn().
			Str("endpoint_id", ep.ID).
			Str("event_id", eventID).
			Int("attempt", attempt).
			Int("status_code", d.StatusCode).
			Msg("webhook delivery failed")
	}
	return d
}

// ParseEndpoints parses WEBHOOK_ENDPOINTS: "url|secret|band,...". Secret
// and band are optional.
func ParseEndpoints(spec string) ([]Registration, error) {
	var out []Registration
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "|", 3)
		r := Registration{URL: parts[0], MinBand: riskscore.BandLow}
		if len(parts) > 1 {
			r.Secret = parts[1]
		}
		if len(parts) > 2 && parts[2] != "" {
			r.MinBand = riskscore.RiskBand(parts[2])
		}
		if err := checkURL(r.URL); err != nil {
			return nil, err
		}
		if err := checkBand(r.MinBand); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Seed registers the configured endpoints.
func (m *Manager) Seed(ctx context.Context, spec string) error {
	regs, err := ParseEndpoints(spec)
	if err != nil {
		return err
	}
	for _, r := range regs {
		r.Description = "configured"
		if _, err := m.Register(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
