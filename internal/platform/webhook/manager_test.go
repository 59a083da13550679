package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrq/hrq/internal/domain/riskscore"
	"github.com/hrq/hrq/internal/platform/events"
)

var fixedNow = time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)

func newManager(opts ...Option) *Manager {
	return NewManager(NewMemoryStore(), append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

// receiver is a subscriber that verifies signatures and counts hits.
type receiver struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32

	mu       sync.Mutex
	lastBody []byte
	lastHdr  http.Header
}

func newReceiver(t *testing.T) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(http.StatusOK)
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.lastBody, r.lastHdr = body, req.Header.Clone()
		r.mu.Unlock()
		r.hits.Add(1)
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) last() ([]byte, http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBody, r.lastHdr
}

func submitted(band riskscore.RiskBand) events.QuestionnaireSubmitted {
	return events.QuestionnaireSubmitted{
		EventID:         uuid.New(),
		QuestionnaireID: uuid.New(),
		ActorHash:       strings.Repeat("cd", 32),
		TemplateVersion: 2,
		RiskBand:        string(band),
		ScoreRedacted:   75,
		AnswerCount:     19,
		Timestamp:       fixedNow,
	}
}

func register(t *testing.T, m *Manager, url string, band riskscore.RiskBand) *Endpoint {
	t.Helper()
	ep, err := m.Register(context.Background(), Registration{URL: url, Secret: "s3cret", MinBand: band})
	require.NoError(t, err)
	return ep
}

// ---------------------------------------------------------------------------
// signing
// ---------------------------------------------------------------------------

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"e1"}`)
	ts := fixedNow.Unix()
	sig := Sign("k", ts, body)
	require.True(t, strings.HasPrefix(sig, "sha256="))

	tests := []struct {
		name    string
		secret  string
		ts      string
		body    []byte
		sig     string
		wantErr error
	}{
		{"valid", "k", "1780306200", body, sig, nil},
		{"tampered body", "k", "1780306200", []byte(`{"id":"e2"}`), sig, ErrBadSignature},
		{"wrong secret", "other", "1780306200", body, sig, ErrBadSignature},
		{"replayed later", "k", "1780305000", body, Sign("k", 1780305000, body), ErrStaleTimestamp},
		{"malformed timestamp", "k", "yesterday", body, sig, ErrBadSignature},
		{"missing scheme", "k", "1780306200", body, strings.TrimPrefix(sig, "sha256="), ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.secret, tt.ts, tt.body, tt.sig, fixedNow, 5*time.Minute)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// registration
// ---------------------------------------------------------------------------

func TestManager_RegisterDefaults(t *testing.T) {
	m := newManager()
	ep, err := m.Register(context.Background(), Registration{URL: "https://hooks.example/hrq"})
	require.NoError(t, err)

	assert.Len(t, ep.Secret, 64)
	assert.Equal(t, riskscore.BandLow, ep.MinBand)
	assert.Equal(t, StatusActive, ep.Status)
	assert.Equal(t, fixedNow, ep.CreatedAt)

	raw, err := json.Marshal(ep)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), ep.Secret)
}

func TestManager_RegisterRejects(t *testing.T) {
	m := newManager()
	for _, r := range []Registration{
		{URL: ""},
		{URL: "ftp://hooks.example"},
		{URL: "/relative/path"},
		{URL: "https://hooks.example", MinBand: "severe"},
	} {
		_, err := m.Register(context.Background(), r)
		assert.ErrorIs(t, err, ErrInvalid, "registration %+v", r)
	}
}

func TestParseEndpoints(t *testing.T) {
	regs, err := ParseEndpoints(" https://a.example|s1 , http://b.example||high,,")
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, Registration{URL: "https://a.example", Secret: "s1", MinBand: riskscore.BandLow}, regs[0])
	assert.Equal(t, Registration{URL: "http://b.example", MinBand: riskscore.BandHigh}, regs[1])

	_, err = ParseEndpoints("https://a.example|s|extreme")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = ParseEndpoints("mailto:ops@example.com")
	assert.ErrorIs(t, err, ErrInvalid)

	regs, err = ParseEndpoints("")
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestManager_Seed(t *testing.T) {
	m := newManager()
	require.NoError(t, m.Seed(context.Background(), "https://a.example|s1,https://b.example"))

	eps, total, err := m.Endpoints(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "configured", eps[0].Description)
	assert.Equal(t, "s1", eps[0].Secret)
}

func TestManager_Update(t *testing.T) {
	m := newManager()
	ep := register(t, m, "https://a.example", riskscore.BandLow)
	ctx := context.Background()

	paused, high := StatusPaused, riskscore.BandHigh
	got, err := m.Update(ctx, ep.ID, Changes{Status: &paused, MinBand: &high})
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Equal(t, riskscore.BandHigh, got.MinBand)

	deleted := "deleted"
	_, err = m.Update(ctx, ep.ID, Changes{Status: &deleted})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = m.Update(ctx, "missing", Changes{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// ---------------------------------------------------------------------------
// delivery
// ---------------------------------------------------------------------------

func TestManager_HandleRoutesByBand(t *testing.T) {
	m := newManager()
	everything := newReceiver(t)
	severeOnly := newReceiver(t)
	ep := register(t, m, everything.URL, riskscore.BandLow)
	register(t, m, severeOnly.URL, riskscore.BandHigh)

	evt := submitted(riskscore.BandModerate)
	require.NoError(t, m.Handle(context.Background(), evt))

	assert.Equal(t, int32(1), everything.hits.Load())
	assert.Equal(t, int32(0), severeOnly.hits.Load())

	body, hdr := everything.last()
	assert.NoError(t, Verify("s3cret", hdr.Get(TimestampHeader), body, hdr.Get(SignatureHeader), fixedNow, time.Minute))
	assert.Equal(t, evt.EventID.String(), hdr.Get(EventIDHeader))
	assert.Equal(t, events.TypeQuestionnaireSubmitted, hdr.Get(EventTypeHeader))

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, evt.EventID.String(), env.ID)

	logs, total, err := m.Deliveries(context.Background(), ep.ID, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.True(t, logs[0].Succeeded)
	assert.Equal(t, http.StatusOK, logs[0].StatusCode)
}

func TestManager_HandleSkipsPausedEndpoints(t *testing.T) {
	m := newManager()
	r := newReceiver(t)
	ep := register(t, m, r.URL, riskscore.BandLow)
	paused := StatusPaused
	_, err := m.Update(context.Background(), ep.ID, Changes{Status: &paused})
	require.NoError(t, err)

	require.NoError(t, m.Handle(context.Background(), submitted(riskscore.BandCritical)))
	assert.Equal(t, int32(0), r.hits.Load())
}

func TestManager_HandleFailureDoesNotFailEvent(t *testing.T) {
	m := newManager()
	healthy := newReceiver(t)
	flaky := newReceiver(t)
	flaky.status.Store(http.StatusBadGateway)
	register(t, m, healthy.URL, riskscore.BandLow)
	bad := register(t, m, flaky.URL, riskscore.BandLow)

	evt := submitted(riskscore.BandHigh)
	require.NoError(t, m.Handle(context.Background(), evt))
	require.NoError(t, m.Handle(context.Background(), evt), "redelivered events are not resent")

	assert.Equal(t, int32(1), healthy.hits.Load())
	assert.Equal(t, int32(1), flaky.hits.Load(), "retries belong to RetryDue")

	logs, _, err := m.Deliveries(context.Background(), bad.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "unexpected status 502", logs[0].Error)
}

func TestManager_RetryDue(t *testing.T) {
	now := fixedNow
	m := NewManager(NewMemoryStore(),
		WithClock(func() time.Time { return now }),
		WithRetryDelays(time.Minute, 10*time.Minute),
	)
	healthy := newReceiver(t)
	flaky := newReceiver(t)
	flaky.status.Store(http.StatusServiceUnavailable)
	register(t, m, healthy.URL, riskscore.BandLow)
	ep := register(t, m, flaky.URL, riskscore.BandLow)
	ctx := context.Background()

	_, err := m.Ping(ctx, ep.ID)
	require.NoError(t, err)
	require.NoError(t, m.Handle(ctx, submitted(riskscore.BandModerate)))
	require.Equal(t, int32(2), flaky.hits.Load())

	n, err := m.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "first retry waits for its delay")

	now = now.Add(time.Minute)
	n, err = m.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "pings are not retried automatically")

	now = now.Add(10 * time.Minute)
	n, err = m.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = now.Add(time.Hour)
	n, err = m.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retries are exhausted")
	assert.Equal(t, int32(1), healthy.hits.Load())

	logs, total, err := m.Deliveries(ctx, ep.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 3, logs[3].Attempt)
}

func TestManager_RetryDueRecovers(t *testing.T) {
	now := fixedNow
	m := NewManager(NewMemoryStore(), WithClock(func() time.Time { return now }), WithRetryDelays(time.Second))
	r := newReceiver(t)
	r.status.Store(http.StatusBadGateway)
	ep := register(t, m, r.URL, riskscore.BandLow)
	ctx := context.Background()

	require.NoError(t, m.Handle(ctx, submitted(riskscore.BandLow)))
	r.status.Store(http.StatusOK)
	now = now.Add(time.Second)
	n, err := m.RetryDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = m.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a succeeded delivery is not retried")

	paused := StatusPaused
	r.status.Store(http.StatusBadGateway)
	require.NoError(t, m.Handle(ctx, submitted(riskscore.BandLow)))
	_, err = m.Update(ctx, ep.ID, Changes{Status: &paused})
	require.NoError(t, err)
	now = now.Add(time.Second)
	n, err = m.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "paused endpoints are skipped")
}

type rejectAll struct{}

func (rejectAll) ValidatePayload(any) error { return errors.New("phi detected") }

func TestManager_HandleValidatesPayload(t *testing.T) {
	m := newManager(WithValidator(rejectAll{}))
	r := newReceiver(t)
	register(t, m, r.URL, riskscore.BandLow)

	assert.Error(t, m.Handle(context.Background(), submitted(riskscore.BandLow)))
	assert.Equal(t, int32(0), r.hits.Load())
}

func TestManager_HandleUnreachableEndpoint(t *testing.T) {
	m := newManager(WithTimeout(200 * time.Millisecond))
	ep := register(t, m, "http://127.0.0.1:1/hook", riskscore.BandLow)

	require.NoError(t, m.Handle(context.Background(), submitted(riskscore.BandLow)))
	logs, _, err := m.Deliveries(context.Background(), ep.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Succeeded)
	assert.NotEmpty(t, logs[0].Error)
}

func TestManager_Retry(t *testing.T) {
	r := newReceiver(t)
	m := newManager(WithHTTPClient(r.Client()))
	r.status.Store(http.StatusInternalServerError)
	ep := register(t, m, r.URL, riskscore.BandLow)
	ctx := context.Background()

	first, err := m.Ping(ctx, ep.ID)
	require.NoError(t, err)
	require.False(t, first.Succeeded)

	r.status.Store(http.StatusOK)
	second, err := m.Retry(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, second.Succeeded)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, first.EventID, second.EventID)

	pingBody, _ := r.last()
	var env Envelope
	require.NoError(t, json.Unmarshal(pingBody, &env))
	assert.Equal(t, EventTypePing, env.Type)

	_, err = m.Retry(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNothingToRetry)
	_, err = m.Retry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ConcurrentHandle(t *testing.T) {
	m := newManager()
	r := newReceiver(t)
	register(t, m, r.URL, riskscore.BandLow)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Handle(context.Background(), submitted(riskscore.BandLow)))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), r.hits.Load())
}

// ---------------------------------------------------------------------------
// store
// ---------------------------------------------------------------------------

func TestMemoryStore_PagingAndCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateEndpoint(ctx, &Endpoint{ID: id, Status: StatusActive}))
	}

	eps, total, err := s.ListEndpoints(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, eps, 2)
	assert.Equal(t, "b", eps[0].ID)

	eps, _, _ = s.ListEndpoints(ctx, 2, 10)
	assert.Empty(t, eps)

	got, err := s.GetEndpoint(ctx, "a")
	require.NoError(t, err)
	got.Status = StatusPaused
	again, _ := s.GetEndpoint(ctx, "a")
	assert.Equal(t, StatusActive, again.Status, "callers must not mutate stored endpoints")

	require.NoError(t, s.DeleteEndpoint(ctx, "b"))
	assert.ErrorIs(t, s.DeleteEndpoint(ctx, "b"), ErrNotFound)
	_, err = s.GetDelivery(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func serveAdmin(t *testing.T, m *Manager, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	NewHandler(m).RegisterRoutes(e.Group("/webhooks"))
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateShowsSecretOnce(t *testing.T) {
	m := newManager()
	rec := serveAdmin(t, m, http.MethodPost, "/webhooks", `{"url":"https://a.example","secret":"s3cret","minBand":"high"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"secret":"s3cret"`)
	assert.Contains(t, rec.Body.String(), `"minBand":"high"`)

	rec = serveAdmin(t, m, http.MethodGet, "/webhooks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret")
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestHandler_ErrorMapping(t *testing.T) {
	m := newManager()
	ep := register(t, m, "https://a.example", riskscore.BandLow)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"bad url", http.MethodPost, "/webhooks", `{"url":"ftp://x"}`, http.StatusBadRequest},
		{"unknown status", http.MethodPatch, "/webhooks/" + ep.ID, `{"status":"deleted"}`, http.StatusBadRequest},
		{"pause", http.MethodPatch, "/webhooks/" + ep.ID, `{"status":"paused"}`, http.StatusOK},
		{"unknown endpoint", http.MethodGet, "/webhooks/missing", "", http.StatusNotFound},
		{"deliveries of unknown endpoint", http.MethodGet, "/webhooks/missing/deliveries", "", http.StatusNotFound},
		{"retry unknown delivery", http.MethodPost, "/webhooks/deliveries/missing/retry", "", http.StatusNotFound},
		{"delete", http.MethodDelete, "/webhooks/" + ep.ID, "", http.StatusNoContent},
		{"delete again", http.MethodDelete, "/webhooks/" + ep.ID, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveAdmin(t, m, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHandler_PingAndDeliveries(t *testing.T) {
	m := newManager()
	r := newReceiver(t)
	ep := register(t, m, r.URL, riskscore.BandLow)

	rec := serveAdmin(t, m, http.MethodPost, "/webhooks/"+ep.ID+"/ping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"succeeded":true`)
	assert.NotContains(t, rec.Body.String(), `"Body"`)

	rec = serveAdmin(t, m, http.MethodGet, "/webhooks/"+ep.ID+"/deliveries?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}
