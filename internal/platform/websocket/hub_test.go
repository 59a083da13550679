package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hrq/hrq/internal/platform/events"
)

func newClient(topics ...string) *Client {
	return &Client{ID: uuid.NewString(), Topics: topics, Send: make(chan []byte, 8)}
}

func submitted(band string) events.QuestionnaireSubmitted {
	return events.QuestionnaireSubmitted{
		EventID:         uuid.New(),
		QuestionnaireID: uuid.New(),
		ActorHash:       strings.Repeat("ab", 32),
		TemplateVersion: 3,
		RiskBand:        band,
		ScoreRedacted:   60,
		AnswerCount:     19,
		Timestamp:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := newClient(TopicAll)

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount(TopicAll) != 1 {
		t.Fatalf("expected one registered client, got %d/%d", hub.ClientCount(), hub.TopicCount(TopicAll))
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(TopicAll) != 0 {
		t.Fatalf("expected no clients, got %d/%d", hub.ClientCount(), hub.TopicCount(TopicAll))
	}
	if _, open := <-client.Send; open {
		t.Error("expected Send to be closed")
	}
}

func TestHub_SubscribeIgnoresUnknownTopics(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := newClient()
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"band:high", "Patient/1", "band:", "band:high"}})
	if len(client.Topics) != 1 || client.Topics[0] != "band:high" {
		t.Fatalf("unexpected topics %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"band:high"}})
	if len(client.Topics) != 0 || hub.TopicCount("band:high") != 0 {
		t.Fatalf("expected unsubscribed, got %v", client.Topics)
	}
}

func TestHub_HandleRoutesByBand(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	everything := newClient(TopicAll)
	critical := newClient(BandTopic("critical"))
	low := newClient(BandTopic("low"))
	for _, c := range []*Client{everything, critical, low} {
		hub.Register(c)
	}

	evt := submitted("critical")
	if err := hub.Handle(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := receive(t, everything); got.Topic != TopicAll || got.EventID != evt.EventID {
		t.Errorf("unexpected event on all: %+v", got)
	}
	if got := receive(t, critical); got.Topic != "band:critical" || got.RiskBand != "critical" {
		t.Errorf("unexpected event on band topic: %+v", got)
	}
	select {
	case <-low.Send:
		t.Error("low band subscriber should not receive a critical event")
	default:
	}
}

func TestHub_HandleOmitsIdentifiers(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := newClient(TopicAll)
	hub.Register(client)

	evt := submitted("high")
	if err := hub.Handle(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}

	raw := string(<-client.Send)
	if strings.Contains(raw, evt.ActorHash) || strings.Contains(raw, evt.QuestionnaireID.String()) {
		t.Errorf("live event leaked identifiers: %s", raw)
	}
}

type rejectAll struct{}

func (rejectAll) ValidatePayload(any) error { return errors.New("rejected") }

func TestHub_HandleRejectedPayloadNotBroadcast(t *testing.T) {
	hub := NewHub(rejectAll{}, zerolog.Nop())
	client := newClient(TopicAll)
	hub.Register(client)

	if err := hub.Handle(context.Background(), submitted("low")); err == nil {
		t.Fatal("expected validation error")
	}
	select {
	case <-client.Send:
		t.Error("rejected payload must not be broadcast")
	default:
	}
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{TopicAll}, Send: make(chan []byte, 1)}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = hub.Handle(context.Background(), submitted("low"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
}

// ---------------------------------------------------------------------------
// WebSocketHandler
// ---------------------------------------------------------------------------

func newFeedServer(t *testing.T, origins []string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, zerolog.Nop())
	e := echo.New()
	NewWebSocketHandler(hub, origins).RegisterRoutes(e.Group("/analytics"))
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return hub, server
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketHandler_StreamsSubscribedBand(t *testing.T) {
	hub, server := newFeedServer(t, []string{"http://dashboard.example"})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/analytics/questionnaires/live?topics=band:critical"
	header := http.Header{"Origin": []string{"http://dashboard.example"}}
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	waitFor(t, func() bool { return hub.TopicCount("band:critical") == 1 })

	evt := submitted("critical")
	if err := hub.Handle(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.EventID != evt.EventID || got.Topic != "band:critical" {
		t.Errorf("unexpected event %+v", got)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestWebSocketHandler_RejectsForeignOrigin(t *testing.T) {
	_, server := newFeedServer(t, []string{"http://dashboard.example"})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/analytics/questionnaires/live"
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}
