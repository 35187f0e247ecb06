package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mabuchilab/instrumental/internal/infrastructure/config"
	"github.com/mabuchilab/instrumental/internal/infrastructure/logging"
	"github.com/mabuchilab/instrumental/internal/telemetry"
)

// Request types sent by WebSocket clients.
const (
	WSTypeWatch   = "watch"   // start receiving an instrument's facet changes
	WSTypeUnwatch = "unwatch" // stop watching an instrument
	WSTypeSet     = "set"     // write a facet
	WSTypePing    = "ping"
)

// Message types sent to WebSocket clients.
const (
	WSTypeFacet  = "facet"  // a facet changed; payload is the telemetry event
	WSTypeOpened = "opened" // an instrument was opened; payload is its view
	WSTypeClosed = "closed" // an instrument was closed
	WSTypeAck    = "ack"
	WSTypeError  = "error"
	WSTypePong   = "pong"
)

// WatchAll in a watch request's instrument field watches every instrument.
const WatchAll = "*"

// wsSendBufferSize is the per-client outbound queue. A client that falls
// this far behind misses messages rather than stalling the hub.
const wsSendBufferSize = 256

// WSRequest is a message from a client.
//
//	{"type":"watch","id":"1","instrument":"lockin","facets":["frequency"]}
//	{"type":"set","id":"2","instrument":"lockin","facet":"frequency","value":"2 kHz"}
//
// An empty facets list watches every facet. Instrument names an alias or
// an instance id.
type WSRequest struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
	Facets     []string        `json:"facets,omitempty"`
	Facet      string          `json:"facet,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// WSMessage is a message to a client. Instrument is the alias, or the
// instance id of an instrument opened without one.
type WSMessage struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Instrument string `json:"instrument,omitempty"`
	Timestamp  string `json:"timestamp"`
	Payload    any    `json:"payload,omitempty"`
}

// facetApplier writes a facet from a raw command value; it is
// Server.ApplyFacetCommand.
type facetApplier func(key, facet string, value []byte) error

// Hub tracks WebSocket clients and routes facet changes and instrument
// lifecycle events to the clients watching them. It is also the
// telemetry sink that feeds them.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	apply   facetApplier
}

// WSClient is one connected WebSocket.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu sync.RWMutex
	// watches maps an instrument key (or WatchAll) to the watched facets;
	// a nil set means every facet.
	watches map[string]map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Run must be started for Shutdown on cancel.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) setApplier(apply facetApplier) {
	h.mu.Lock()
	h.apply = apply
	h.mu.Unlock()
}

func (h *Hub) applier() facetApplier {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.apply
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client. Only the call that removes it closes its
// send channel, so a concurrent closeAll cannot close it twice.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
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
			c.conn.Close() //nolint:errcheck // Shutting down
		}
		delete(h.clients, c)
	}
}

// deliver sends msg to every client for which wants returns true. The
// client list is copied so no client lock is taken under the hub lock.
func (h *Hub) deliver(msg WSMessage, wants func(*WSClient) bool) int {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding websocket message", "type", msg.Type, "error", err)
		return 0
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if wants(c) {
			c.trySend(data)
			sent++
		}
	}
	return sent
}

// PublishLifecycle tells the clients watching an instrument that it was
// opened (WSTypeOpened) or closed (WSTypeClosed).
func (h *Hub) PublishLifecycle(kind string, view InstrumentView) {
	keys := instrumentKeys(view.Alias, view.ID)
	n := h.deliver(WSMessage{Type: kind, Instrument: keys[0], Payload: view}, func(c *WSClient) bool {
		return c.watching(keys, "")
	})
	if n > 0 {
		h.logger.Debug("lifecycle event sent", "type", kind, "instrument", keys[0], "recipients", n)
	}
}

var _ telemetry.Sink = (*Hub)(nil)

// Name identifies the hub as a telemetry sink.
func (h *Hub) Name() string { return "websocket" }

// Record sends a facet change to the clients watching that facet.
func (h *Hub) Record(_ context.Context, e telemetry.Event) error {
	keys := instrumentKeys(e.Alias, e.InstrumentID)
	h.deliver(WSMessage{Type: WSTypeFacet, Instrument: keys[0], Payload: e}, func(c *WSClient) bool {
		return c.watching(keys, e.Facet)
	})
	return nil
}

// instrumentKeys lists the names a client may have watched an instrument
// by, the display key first.
func instrumentKeys(alias, id string) []string {
	if alias == "" {
		return []string{id}
	}
	return []string{alias, id}
}

// handleWebSocket upgrades the request and starts the client's pumps.
// The API is bench-local and unauthenticated.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &WSClient{
		hub:     s.hub,
		conn:    conn,
		send:    make(chan []byte, wsSendBufferSize),
		watches: make(map[string]map[string]struct{}),
	}
	s.hub.Register(c)
	go c.writePump(s.wsCfg)
	go c.readPump(s.wsCfg)
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close() //nolint:errcheck // Already unregistered
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // Checked by the next read
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any message counts.
		c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // Checked by the next read
		c.handle(data)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // Pump exiting
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // Best effort
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Write reports it
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Write reports it
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one client request.
func (c *WSClient) handle(data []byte) {
	var req WSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(req.ID, WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypeWatch:
		if req.Instrument == "" {
			c.reply(req.ID, WSTypeError, errorPayload("watch needs an instrument (or \"*\")"))
			return
		}
		c.watch(req.Instrument, req.Facets)
		c.reply(req.ID, WSTypeAck, map[string]any{"instrument": req.Instrument, "facets": req.Facets})
	case WSTypeUnwatch:
		c.unwatch(req.Instrument)
		c.reply(req.ID, WSTypeAck, map[string]any{"instrument": req.Instrument})
	case WSTypeSet:
		c.set(req)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, errorPayload("unknown message type: "+req.Type))
	}
}

// set applies a facet write. The resulting change reaches watchers
// through telemetry like any other write.
func (c *WSClient) set(req WSRequest) {
	apply := c.hub.applier()
	switch {
	case apply == nil:
		c.reply(req.ID, WSTypeError, errorPayload("facet writes are not available"))
		return
	case req.Instrument == "" || req.Facet == "":
		c.reply(req.ID, WSTypeError, errorPayload("set needs an instrument and a facet"))
		return
	}
	if err := apply(req.Instrument, req.Facet, req.Value); err != nil {
		c.reply(req.ID, WSTypeError, errorPayload(err.Error()))
		return
	}
	c.reply(req.ID, WSTypeAck, map[string]any{"instrument": req.Instrument, "facet": req.Facet})
}

// watch adds facets of key to the watch list. Watching without facets
// widens an existing watch to every facet.
func (c *WSClient) watch(key string, facets []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.watches[key]
	if len(facets) == 0 || (exists && current == nil) {
		c.watches[key] = nil
		return
	}
	if current == nil {
		current = make(map[string]struct{}, len(facets))
	}
	for _, f := range facets {
		current[f] = struct{}{}
	}
	c.watches[key] = current
}

func (c *WSClient) unwatch(key string) {
	c.mu.Lock()
	delete(c.watches, key)
	c.mu.Unlock()
}

// watching reports whether any of keys (or WatchAll) is watched for
// facet. An empty facet asks about lifecycle events, which follow any
// watch on the instrument.
func (c *WSClient) watching(keys []string, facet string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.matches(WatchAll, facet) {
		return true
	}
	for _, key := range keys {
		if c.matches(key, facet) {
			return true
		}
	}
	return false
}

func (c *WSClient) matches(key, facet string) bool {
	facets, ok := c.watches[key]
	if !ok {
		return false
	}
	if facets == nil || facet == "" {
		return true
	}
	_, ok = facets[facet]
	return ok
}

// trySend queues data unless the client is gone or too slow.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Send on a channel closed by Unregister
	}()
	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}
