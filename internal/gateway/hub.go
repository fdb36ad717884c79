// Package gateway pushes paper-trading events to websocket clients.
//
// The Hub is a notification.Sink: every published event is wrapped in an
// envelope carrying a global and a per-channel sequence number, remembered
// as the channel's latest value, kept in a per-channel replay buffer and
// fanned out to clients whose channel filters match.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"papertrade-v1/internal/notification"
)

const (
	sendQueueSize  = 256
	replayCapacity = 500
)

// Hub manages websocket clients.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64
	// Per-channel replay buffers for gap backfill
	replayBufs map[string]*ReplayBuffer

	// Optional hooks.
	OnClientCount func(n int)
	OnSlowClient  func()
}

type latestEntry struct {
	Data json.RawMessage // full envelope
	TS   time.Time
	Seq  int64
}

var _ notification.Sink = (*Hub)(nil)

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
	}
}

// Publish implements notification.Sink.
func (h *Hub) Publish(_ context.Context, ev notification.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		log.Printf("[gateway] marshal %s: %v", ev.Channel, err)
		return
	}
	h.broadcast(ev.Channel, data, ev.TS)
}

// ServeHTTP upgrades the request to a websocket.
//
// Query parameters:
//
//	channels  comma-separated channel filters (see notification.MatchChannel); default all
//	lastTs    RFC 3339 time; latest values older than this are not replayed
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade: %v", err)
		return
	}

	var filters []string
	if raw := r.URL.Query().Get("channels"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				filters = append(filters, f)
			}
		}
	}

	c := &Client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		hub:  h,
	}
	c.setFilters(filters)

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
	log.Printf("[gateway] ws client connected (%d total)", count)

	c.sendInitialState(r.URL.Query().Get("lastTs"))
	go c.writePump()
	go c.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	close(c.send)
	h.mu.Unlock()
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Latest returns the last envelope of every channel matching filter.
func (h *Hub) Latest(filter string) map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for ch, e := range h.latest {
		if notification.MatchChannel(filter, ch) {
			out[ch] = e.Data
		}
	}
	return out
}

// ReplayRange returns the buffered envelopes of channel with channel seq
// in [fromSeq, toSeq], and whether part of that range was evicted.
func (h *Hub) ReplayRange(channel string, fromSeq, toSeq int64) Window {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	h.mu.RUnlock()
	if !ok {
		return Window{}
	}
	return rb.Range(fromSeq, toSeq)
}

// ChannelSeq returns the current sequence number of a channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// HandleMissed serves GET ?channel=&from=&to= with the buffered envelopes
// of one channel, for client gap backfill. truncated is set when the gap
// reaches back past the oldest envelope still held.
func (h *Hub) HandleMissed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")
	from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
	if channel == "" || err1 != nil || err2 != nil || from > to {
		http.Error(w, `{"success":false,"error":"channel, from and to are required"}`, http.StatusBadRequest)
		return
	}
	win := h.ReplayRange(channel, from, to)
	if win.Data == nil {
		win.Data = []json.RawMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"channel":   channel,
		"seq":       h.ChannelSeq(channel),
		"oldest":    win.Oldest,
		"truncated": win.Truncated,
		"data":      win.Data,
	})
}
