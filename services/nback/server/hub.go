// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/present"
	"github.com/AleutianAI/DualNBack/services/nback/telemetry"
)

// =============================================================================
// Wire types
// =============================================================================

// Message types sent to WebSocket clients.
const (
	MessageEvent    = "event"
	MessageCue      = "cue"
	MessageSnapshot = "snapshot"
	MessageResponse = "response"
	MessageError    = "error"
)

// Message is one frame sent to a WebSocket client.
type Message struct {
	Type     string           `json:"type"`
	Event    *engine.Event    `json:"event,omitempty"`
	Cue      *present.Cue     `json:"cue,omitempty"`
	Snapshot *engine.Snapshot `json:"snapshot,omitempty"`
	Channel  string           `json:"channel,omitempty"`
	Result   string           `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Client actions.
const (
	ActionRespond  = "respond"
	ActionSnapshot = "snapshot"
)

// ClientMessage is one frame received from a WebSocket client.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// =============================================================================
// Hub
// =============================================================================

const (
	defaultSendBuffer = 64
	writeWait         = 5 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
	maxMessageSize    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans engine events and presentation cues out to WebSocket clients.
//
// # Description
//
// Hub implements engine.Listener and present.CueWriter. Both are called on
// the engine's dispatch path, so a broadcast never blocks: a client whose
// send buffer is full misses the frame.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	sendBuffer int
	limit      rate.Limit
	burst      int

	logger  *slog.Logger
	metrics *telemetry.Metrics
	dropped atomic.Int64
}

// HubOptions configures a Hub.
type HubOptions struct {
	// SendBuffer is the per-client queue length. Default: 64.
	SendBuffer int

	// ResponseRate and ResponseBurst bound "respond" actions per client.
	// Default: 10 per second, burst 4.
	ResponseRate  float64
	ResponseBurst int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ResponseRate <= 0 {
		opts.ResponseRate = 10
	}
	if opts.ResponseBurst <= 0 {
		opts.ResponseBurst = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*client]struct{}),
		sendBuffer: opts.SendBuffer,
		limit:      rate.Limit(opts.ResponseRate),
		burst:      opts.ResponseBurst,
		logger:     opts.Logger.With(slog.String("component", "nback_ws_hub")),
		metrics:    opts.Metrics,
	}
}

// OnEvent implements engine.Listener.
func (h *Hub) OnEvent(e engine.Event) {
	h.Broadcast(Message{Type: MessageEvent, Event: &e})
}

// WriteCue implements present.CueWriter.
func (h *Hub) WriteCue(c present.Cue) {
	h.Broadcast(Message{Type: MessageCue, Cue: &c})
}

// Broadcast sends msg to every client without blocking.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast", slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.enqueue(data) {
			h.metrics.Message(context.Background(), "out")
			continue
		}
		h.dropped.Add(1)
		h.metrics.Message(context.Background(), "dropped")
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many frames were skipped for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.closed = true
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// Serve upgrades the request and runs the connection until it closes.
//
// # Inputs
//
//   - w, r: The HTTP exchange to upgrade.
//   - handle: Answers each client frame. Its reply, if non-nil, is sent to
//     that client only. "respond" frames over the client's rate never reach
//     handle.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, handle func(ClientMessage) *Message) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(h.limit, h.burst),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.logger.Info("websocket client connected", slog.String("remote", r.RemoteAddr))

	go c.writePump()
	h.readPump(c, handle)

	h.unregister(c)
	h.logger.Info("websocket client disconnected", slog.String("remote", r.RemoteAddr))
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.Connection(context.Background(), 1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		h.metrics.Connection(context.Background(), -1)
	}
	c.close()
}

func (h *Hub) readPump(c *client, handle func(ClientMessage) *Message) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		h.metrics.Message(context.Background(), "in")

		var reply *Message
		if msg.Action == ActionRespond && !c.allow() {
			h.metrics.RateLimited(context.Background(), msg.Channel)
			reply = &Message{Type: MessageError, Channel: msg.Channel, Error: ErrRateLimited.Error()}
		} else {
			reply = handle(msg)
		}
		if reply == nil {
			continue
		}
		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if !c.enqueue(data) {
			h.dropped.Add(1)
		}
	}
}

// -----------------------------------------------------------------------------
// client
// -----------------------------------------------------------------------------

// client is one WebSocket connection. Only writePump writes to conn.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

// allow reports whether another response fits the client's rate.
func (c *client) allow() bool {
	return c.limiter.Allow()
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			return
		}
	}
}
