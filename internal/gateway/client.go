package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"papertrade-v1/internal/notification"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Channel filters; empty means everything.
	mu      sync.RWMutex
	filters map[string]bool
}

// clientMsg is any message a peer may send.
//
//	{"type":"SUBSCRIBE","channels":["market-update:*"]}
//	{"type":"UNSUBSCRIBE","channels":["market-update:*"]}
//	{"type":"REPLAY","channel":"trade-executed","from":3}
//	{"ping":1700000000000}
type clientMsg struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Channel  string   `json:"channel"`
	From     int64    `json:"from"`
	Ping     int64    `json:"ping"`
}

func (c *Client) setFilters(filters []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = make(map[string]bool, len(filters))
	for _, f := range filters {
		c.filters[f] = true
	}
}

func (c *Client) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filters) == 0 {
		return true
	}
	for f := range c.filters {
		if notification.MatchChannel(f, channel) {
			return true
		}
	}
	return false
}

// sendInitialState queues the latest envelope of each wanted channel,
// skipping entries not newer than lastTS.
func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		if !c.wants(channel) {
			continue
		}
		select {
		case c.send <- markInitial(entry.Data):
		default:
		}
	}
}

// markInitial adds "initial":true to a stored envelope.
func markInitial(env []byte) []byte {
	out := make([]byte, 0, len(env)+16)
	out = append(out, `{"initial":true,`...)
	return append(out, env[1:]...)
}

// queue is only called from readPump, which owns closing c.send via RemoveClient.
func (c *Client) queue(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Batch queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) != nil {
			c.queue(map[string]string{"type": "error", "error": "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg clientMsg) {
	switch msg.Type {
	case "SUBSCRIBE":
		c.mu.Lock()
		for _, ch := range msg.Channels {
			c.filters[ch] = true
		}
		c.mu.Unlock()
		c.queue(map[string]interface{}{"type": "subscribed", "channels": msg.Channels})

	case "UNSUBSCRIBE":
		c.mu.Lock()
		for _, ch := range msg.Channels {
			delete(c.filters, ch)
		}
		c.mu.Unlock()
		c.queue(map[string]interface{}{"type": "unsubscribed", "channels": msg.Channels})

	case "REPLAY":
		win := c.hub.ReplayRange(msg.Channel, msg.From, c.hub.ChannelSeq(msg.Channel))
		if win.Truncated {
			c.queue(map[string]interface{}{"type": "replay_truncated", "channel": msg.Channel, "oldest": win.Oldest})
		}
		for _, env := range win.Data {
			c.queue(env)
		}

	default:
		if msg.Ping > 0 {
			c.queue(map[string]interface{}{
				"type":      "pong",
				"ping":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			return
		}
		c.queue(map[string]string{"type": "error", "error": "unknown message type " + msg.Type})
	}
}
