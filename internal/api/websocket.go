package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-agent/internal/operation"
	"github.com/nerrad567/gray-logic-agent/internal/workflow"
)

const (
	commandChannelPrefix = "command."
	// wildcardChannel subscribes to every channel.
	wildcardChannel = "*"
)

// CommandEvent is the payload of a command state event.
type CommandEvent struct {
	Topic     string         `json:"topic"`
	Entity    string         `json:"entity"`
	Operation string         `json:"operation"`
	CmdID     string         `json:"cmd_id"`
	Status    string         `json:"status,omitempty"`
	Cleared   bool           `json:"cleared,omitempty"`
	State     map[string]any `json:"state,omitempty"`
}

// CommandChannel returns the WebSocket channel of the command states of an
// operation, e.g. "command.firmware_update".
func CommandChannel(operation string) string {
	return commandChannelPrefix + operation
}

func validChannel(ch string) bool {
	if ch == wildcardChannel {
		return true
	}
	op, ok := strings.CutPrefix(ch, commandChannelPrefix)
	return ok && op != "" && !strings.ContainsAny(op, "/+#")
}

// Hub relays the command states seen on the bus to WebSocket clients.
//
// It keeps the last state of every live command, like the broker keeps
// the retained states, so a client subscribing mid-operation is sent the
// commands in flight before any new event.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	// live maps command topics to their last uncleared state.
	live map[string]CommandEvent
}

// NewHub creates a hub. It relays nothing until commands are observed.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
		live:    make(map[string]CommandEvent),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ObserveCommand records a command state seen on the bus and relays it to
// the clients subscribed to its operation. It is called from the MQTT
// dispatcher and never blocks.
func (h *Hub) ObserveCommand(msg operation.Message) {
	ct, ok := entity.ParseCommandTopic(msg.Topic)
	if !ok {
		return
	}
	state, err := workflow.FromMessage(msg.Topic, msg.Payload)
	if err != nil {
		h.logger.Debug("ignoring malformed command state", "topic", msg.Topic, "error", err)
		return
	}
	ev := CommandEvent{
		Topic:     msg.Topic,
		Entity:    ct.Target.String(),
		Operation: ct.Operation,
		CmdID:     ct.CmdID,
		Status:    state.Status,
		Cleared:   state.IsCleared(),
		State:     state.Payload,
	}

	h.mu.Lock()
	if ev.Cleared {
		delete(h.live, ev.Topic)
	} else {
		h.live[ev.Topic] = ev
	}
	clients := h.snapshotLocked()
	h.mu.Unlock()

	data, err := encodeEvent(ev)
	if err != nil {
		h.logger.Error("encoding command event", "topic", ev.Topic, "error", err)
		return
	}
	channel := CommandChannel(ev.Operation)
	sent := 0
	for _, c := range clients {
		if c.isSubscribed(channel) {
			c.trySend(data)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("command event sent", "topic", ev.Topic, "recipients", sent)
	}
}

// LiveCommands returns the number of commands not cleared yet.
func (h *Hub) LiveCommands() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.live)
}

// replay sends c the live commands of the given channels, oldest topic
// first.
func (h *Hub) replay(c *WSClient, channels []string) {
	want := make(map[string]bool, len(channels))
	for _, ch := range channels {
		want[ch] = true
	}

	h.mu.RLock()
	events := make([]CommandEvent, 0, len(h.live))
	for _, ev := range h.live {
		if want[wildcardChannel] || want[CommandChannel(ev.Operation)] {
			events = append(events, ev)
		}
	}
	h.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Topic < events[j].Topic })
	for _, ev := range events {
		data, err := encodeEvent(ev)
		if err != nil {
			continue
		}
		c.trySend(data)
	}
}

func encodeEvent(ev CommandEvent) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: CommandChannel(ev.Operation),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   ev,
	})
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "subject", c.subject)
}

// unregister removes c. Only the caller that removes it from the map
// closes its send channel.
func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n, "subject", c.subject)
}

func (h *Hub) snapshotLocked() []*WSClient {
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// upgrader leaves origin checks to the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection. The auth middleware has already
// checked the caller's token.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	if claims := claimsFrom(r.Context()); claims != nil {
		c.subject = claims.Subject
		c.role = claims.Role
	}
	s.hub.register(c)

	go c.writePump(s.wsCfg)
	go c.readPump(s.wsCfg)
}

func unknownChannelError(ch string) string {
	return fmt.Sprintf("unknown channel: %q, expected %q or %q", ch, wildcardChannel, commandChannelPrefix+"<operation>")
}
