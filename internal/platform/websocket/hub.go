// Package websocket pushes de-identified submission events to connected
// dashboard clients. Clients subscribe to topics ("all" or "band:<risk band>")
// and receive every relayed event published to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hrq/hrq/internal/platform/events"
)

const (
	TopicAll        = "all"
	bandTopicPrefix = "band:"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// BandTopic returns the topic carrying events of one risk band.
func BandTopic(band string) string { return bandTopicPrefix + band }

// Event is what dashboard clients receive. It carries no actor and no
// response id, only what the analytics pipeline may see.
type Event struct {
	Type            string    `json:"type"`
	Topic           string    `json:"topic"`
	EventID         uuid.UUID `json:"eventId"`
	TemplateVersion int       `json:"templateVersion"`
	RiskBand        string    `json:"riskBand"`
	ScoreRedacted   int       `json:"scoreRedacted"`
	AnswerCount     int       `json:"answerCount"`
	Timestamp       time.Time `json:"timestamp"`
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connected dashboard.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{} // topic -> clients
	all       map[*Client]struct{}
	validator events.PayloadValidator
	logger    zerolog.Logger
}

// NewHub returns a hub. Every event is checked by validator before any
// client sees it; a nil validator is only suitable for tests.
func NewHub(validator events.PayloadValidator, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		all:       make(map[*Client]struct{}),
		validator: validator,
		logger:    logger.With().Str("component", "livefeed").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes client from every topic and closes its Send channel.
// Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if !validTopic(topic) || hasTopic(client.Topics, topic) {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if hasTopic(topics, t) {
			h.removeLocked(t, client)
			continue
		}
		remaining = append(remaining, t)
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

func hasTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func validTopic(topic string) bool {
	return topic == TopicAll || (strings.HasPrefix(topic, bandTopicPrefix) && len(topic) > len(bandTopicPrefix))
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends event to the subscribers of topic. Slow clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(topic string, event Event) {
	event.Topic = topic
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode live event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
		}
	}
}

// Name implements events.Handler.
func (h *Hub) Name() string { return "livefeed" }

// Handle implements events.Handler. Delivery to browsers is best effort, so
// only a payload rejected by the validator fails the event.
func (h *Hub) Handle(_ context.Context, evt events.QuestionnaireSubmitted) error {
	live := Event{
		Type:            events.TypeQuestionnaireSubmitted,
		EventID:         evt.EventID,
		TemplateVersion: evt.TemplateVersion,
		RiskBand:        evt.RiskBand,
		ScoreRedacted:   evt.ScoreRedacted,
		AnswerCount:     evt.AnswerCount,
		Timestamp:       evt.Timestamp,
	}
	if h.validator != nil {
		if err := h.validator.ValidatePayload(live); err != nil {
			return fmt.Errorf("live event %s: %w", evt.EventID, err)
		}
	}
	h.Broadcast(TopicAll, live)
	h.Broadcast(BandTopic(evt.RiskBand), live)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// WebSocketHandler upgrades dashboard connections and pumps hub messages.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler accepts browser connections only from allowedOrigins
// ("*" allows any). Requests without an Origin header are not browsers and
// are accepted.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, o := range allowedOrigins {
					if o == "*" || strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

// RegisterRoutes registers the feed endpoint on g, normally the admin-only
// "/analytics" group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/questionnaires/live", wsh.HandleConnect)
}

// HandleConnect upgrades the request and subscribes the client to the topics
// in the "topics" query parameter, or to "all".
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		return nil
	}

	client := &Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, sendBuffer),
	}
	topics := []string{TopicAll}
	if q := c.QueryParam("topics"); q != "" {
		topics = strings.Split(q, ",")
	}

	wsh.hub.Register(client)
	wsh.hub.Subscribe(client, topics)
	wsh.hub.logger.Info().Str("client", client.ID).Strs("topics", client.Topics).Msg("live feed client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
