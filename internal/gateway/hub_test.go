package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade-v1/internal/notification"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

type envelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
	Initial    bool            `json:"initial"`
	Type       string          `json:"type"`
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads one envelope, splitting coalesced frames.
func next(t *testing.T, conn *websocket.Conn, pending *[]envelope) envelope {
	t.Helper()
	for len(*pending) == 0 {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, line := range bytes.Split(msg, []byte{'\n'}) {
			var env envelope
			require.NoError(t, json.Unmarshal(line, &env))
			*pending = append(*pending, env)
		}
	}
	env := (*pending)[0]
	*pending = (*pending)[1:]
	return env
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func newServer(h *Hub) *httptest.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/ws/missed", h.HandleMissed)
	return httptest.NewServer(mux)
}

func TestHub_FiltersByChannel(t *testing.T) {
	h := NewHub()
	srv := newServer(h)
	defer srv.Close()

	all := dial(t, srv, "")
	ticks := dial(t, srv, "?channels=market-update:*")
	waitClients(t, h, 2)

	ctx := context.Background()
	h.Publish(ctx, notification.NewMarketUpdate("54321", decimal.RequireFromString("100.25")))
	h.Publish(ctx, notification.Event{Channel: notification.ChannelTradeExecuted, Payload: map[string]string{"orderId": "o1"}})

	var pa, pt []envelope
	e1 := next(t, all, &pa)
	e2 := next(t, all, &pa)
	assert.Equal(t, "market-update:54321", e1.Channel)
	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, notification.ChannelTradeExecuted, e2.Channel)
	assert.Equal(t, int64(2), e2.Seq)
	assert.Equal(t, int64(1), e2.ChannelSeq)
	assert.JSONEq(t, `{"token":"54321","ltp":100.25}`, string(e1.Data))

	e := next(t, ticks, &pt)
	assert.Equal(t, "market-update:54321", e.Channel)

	// The filtered client never sees the trade event.
	ticks.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := ticks.ReadMessage()
	assert.Error(t, err)
}

func TestHub_InitialStateAndLastTS(t *testing.T) {
	h := NewHub()
	srv := newServer(h)
	defer srv.Close()

	old := time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)
	h.Publish(context.Background(), notification.Event{Channel: "market-update:1", Payload: map[string]int{"v": 1}, TS: old})
	h.Publish(context.Background(), notification.Event{Channel: "market-update:2", Payload: map[string]int{"v": 2}, TS: old.Add(time.Minute)})

	c := dial(t, srv, "")
	var p []envelope
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		e := next(t, c, &p)
		assert.True(t, e.Initial)
		seen[e.Channel] = true
	}
	assert.Len(t, seen, 2)

	c2 := dial(t, srv, "?lastTs="+old.Format(time.RFC3339Nano))
	var p2 []envelope
	e := next(t, c2, &p2)
	assert.Equal(t, "market-update:2", e.Channel)
}

func TestHub_SubscribeAndPing(t *testing.T) {
	h := NewHub()
	srv := newServer(h)
	defer srv.Close()

	c := dial(t, srv, "?channels=pnl-update:*")
	waitClients(t, h, 1)
	var p []envelope

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "SUBSCRIBE", "channels": []string{"trade-squared-off"}}))
	assert.Equal(t, "subscribed", next(t, c, &p).Type)

	h.Publish(context.Background(), notification.Event{Channel: notification.ChannelTradeSquaredOff, Payload: map[string]string{"orderId": "o1"}})
	assert.Equal(t, notification.ChannelTradeSquaredOff, next(t, c, &p).Channel)

	require.NoError(t, c.WriteJSON(map[string]interface{}{"ping": 42}))
	assert.Equal(t, "pong", next(t, c, &p).Type)

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "UNSUBSCRIBE", "channels": []string{"trade-squared-off"}}))
	assert.Equal(t, "unsubscribed", next(t, c, &p).Type)
}

func TestHub_Replay(t *testing.T) {
	h := NewHub()
	srv := newServer(h)
	defer srv.Close()

	for i := 0; i < 5; i++ {
		h.Publish(context.Background(), notification.Event{Channel: "pnl-update:o1", Payload: map[string]int{"i": i}})
	}
	assert.Equal(t, int64(5), h.ChannelSeq("pnl-update:o1"))
	assert.Len(t, h.ReplayRange("pnl-update:o1", 2, 4).Data, 3)
	assert.Empty(t, h.ReplayRange("pnl-update:none", 1, 4).Data)
	assert.Len(t, h.Latest("pnl-update:*"), 1)
	assert.Empty(t, h.Latest("market-update:*"))

	resp, err := http.Get(srv.URL + "/ws/missed?channel=pnl-update:o1&from=4&to=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMissed(t, resp)
	assert.Equal(t, int64(5), body.Seq)
	assert.Equal(t, int64(1), body.Oldest)
	assert.False(t, body.Truncated)
	assert.Len(t, body.Data, 2)

	bad, err := http.Get(srv.URL + "/ws/missed?channel=x&from=5&to=1")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHub_ClientCountHook(t *testing.T) {
	h := NewHub()
	counts := make(chan int, 4)
	h.OnClientCount = func(n int) { counts <- n }
	srv := newServer(h)
	defer srv.Close()

	c := dial(t, srv, "")
	assert.Equal(t, 1, <-counts)
	c.Close()
	select {
	case n := <-counts:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
}

type missedBody struct {
	Seq       int64             `json:"seq"`
	Oldest    int64             `json:"oldest"`
	Truncated bool              `json:"truncated"`
	Data      []json.RawMessage `json:"data"`
}

func decodeMissed(t *testing.T, resp *http.Response) missedBody {
	t.Helper()
	var body missedBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHub_MissedReportsEvictedGap(t *testing.T) {
	h := NewHub()
	srv := newServer(h)
	defer srv.Close()

	total := replayCapacity + 3
	for i := 0; i < total; i++ {
		h.Publish(context.Background(), notification.Event{Channel: "market-update:43854", Payload: map[string]int{"i": i}})
	}

	resp, err := http.Get(srv.URL + "/ws/missed?channel=market-update:43854&from=1&to=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMissed(t, resp)
	assert.True(t, body.Truncated)
	assert.Equal(t, int64(4), body.Oldest)
	assert.Equal(t, int64(total), body.Seq)
	assert.Len(t, body.Data, 7)

	empty, err := http.Get(srv.URL + "/ws/missed?channel=market-update:0&from=1&to=2")
	require.NoError(t, err)
	defer empty.Body.Close()
	eb := decodeMissed(t, empty)
	assert.NotNil(t, eb.Data)
	assert.Empty(t, eb.Data)
	assert.False(t, eb.Truncated)
}

func TestHub_ReplayAnnouncesTruncation(t *testing.T) {
	h := NewHub()
	srv := newServer(h)
	defer srv.Close()

	for i := 0; i < replayCapacity+3; i++ {
		h.Publish(context.Background(), notification.Event{Channel: "pnl-update:o1", Payload: map[string]int{"i": i}})
	}
	c := dial(t, srv, "?channels=trade-executed")
	waitClients(t, h, 1)
	var p []envelope

	require.NoError(t, c.WriteJSON(map[string]interface{}{"type": "REPLAY", "channel": "pnl-update:o1", "from": 2}))
	first := next(t, c, &p)
	assert.Equal(t, "replay_truncated", first.Type)
	replayed := next(t, c, &p)
	assert.Equal(t, "pnl-update:o1", replayed.Channel)
	assert.Equal(t, int64(4), replayed.ChannelSeq)
}
