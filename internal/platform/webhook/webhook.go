// Package webhook forwards relayed questionnaire events to subscriber
// endpoints. Each endpoint names the lowest risk band it wants to hear
// about. Requests are signed with HMAC-SHA256 over "<unix-ts>.<body>" so
// receivers can reject both tampered and replayed deliveries.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hrq/hrq/internal/domain/riskscore"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"

	SignatureHeader = "X-HRQ-Signature"
	TimestampHeader = "X-HRQ-Timestamp"
	EventIDHeader   = "X-HRQ-Event-ID"
	EventTypeHeader = "X-HRQ-Event-Type"

	EventTypePing = "webhook.ping"
)

var (
	ErrNotFound       = errors.New("webhook: not found")
	ErrInvalid        = errors.New("webhook: invalid endpoint")
	ErrNothingToRetry = errors.New("webhook: delivery already succeeded")
	ErrBadSignature   = errors.New("webhook: signature mismatch")
	ErrStaleTimestamp = errors.New("webhook: timestamp outside tolerance")
)

// Endpoint is a subscriber. Secret is never serialized; the API returns it
// once, on creation.
type Endpoint struct {
	ID          string             `json:"id"`
	URL         string             `json:"url"`
	Secret      string             `json:"-"`
	MinBand     riskscore.RiskBand `json:"minBand"`
	Description string             `json:"description,omitempty"`
	Status      string             `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
}

func (e *Endpoint) wants(band riskscore.RiskBand) bool {
	return e.Status == StatusActive && band.AtLeast(e.MinBand)
}

// Delivery is one POST to one endpoint. Body is kept for retries and is
// already de-identified.
type Delivery struct {
	ID         string        `json:"id"`
	EndpointID string        `json:"endpointId"`
	EventID    string        `json:"eventId"`
	EventType  string        `json:"eventType"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"statusCode,omitempty"`
	Succeeded  bool          `json:"succeeded"`
	Error      string        `json:"error,omitempty"`
	Latency    time.Duration `json:"latencyNs"`
	At         time.Time     `json:"at"`
	Body       []byte        `json:"-"`
}

// Envelope is the JSON body POSTed to endpoints. ID is the source event id,
// so receivers can drop redeliveries.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// Store persists endpoints and the delivery log. Lookups of unknown ids
// return ErrNotFound.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error

	RecordDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error)
	// LastDelivery is the newest attempt of eventID to endpointID, or nil.
	LastDelivery(ctx context.Context, endpointID, eventID string) (*Delivery, error)
	// FailedDeliveries returns the newest attempt of every endpoint/event
	// pair that has not succeeded yet, oldest first.
	FailedDeliveries(ctx context.Context) ([]*Delivery, error)
}

// Sign returns the signature header value for body sent at ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery. Receivers call it with the raw
// TimestampHeader and SignatureHeader values.
func Verify(secret, timestamp string, body []byte, signature string, now time.Time, tolerance time.Duration) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrBadSignature)
	}
	if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
		return ErrStaleTimestamp
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
