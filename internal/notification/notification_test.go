package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade-v1/internal/model"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

func samplePosition() *model.Position {
	return &model.Position{
		ID:          "ord-1",
		Symbol:      "NIFTY",
		Strike:      "24000",
		OptionType:  model.OptionCall,
		Side:        model.SideBuy,
		EntryPrice:  decimal.RequireFromString("86.67"),
		ExitPrice:   decimal.NewNullDecimal(decimal.RequireFromString("88.50")),
		RealizedPnL: decimal.NewNullDecimal(decimal.RequireFromString("137.25")),
	}
}

func TestEventPayloadShapes(t *testing.T) {
	p := samplePosition()

	b, err := json.Marshal(NewTradeExecuted(p).Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":"ord-1","entryPrice":86.67,"action":"Buy","symbol":"NIFTY","strike":"24000","optionType":"CE"}`, string(b))

	ev := NewMarketUpdate("43854", decimal.RequireFromString("87.25"))
	assert.Equal(t, "market-update:43854", ev.Channel)
	b, _ = json.Marshal(ev.Payload)
	assert.JSONEq(t, `{"token":"43854","ltp":87.25}`, string(b))

	ev = NewPnLUpdate("ord-1", decimal.RequireFromString("87.25"), decimal.RequireFromString("43.5"))
	assert.Equal(t, "pnl-update:ord-1", ev.Channel)
	b, _ = json.Marshal(ev.Payload)
	assert.JSONEq(t, `{"orderId":"ord-1","currentLTP":87.25,"unrealizedPnL":43.5}`, string(b))

	b, _ = json.Marshal(NewTradeSquaredOff(p).Payload)
	assert.JSONEq(t, `{"orderId":"ord-1","exitPrice":88.5,"realizedPnL":137.25,"entryPrice":86.67}`, string(b))
}

func TestMatchChannel(t *testing.T) {
	tests := []struct {
		filter, channel string
		want            bool
	}{
		{"", "trade-executed", true},
		{"*", "pnl-update:1", true},
		{"market-update:", "market-update:43854", true},
		{"market-update:", "pnl-update:1", false},
		{"pnl-update:*", "pnl-update:ord-1", true},
		{"market-update:43854", "market-update:43854", true},
		{"market-update:43854", "market-update:4385", false},
		{"trade-executed", "trade-squared-off", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchChannel(tt.filter, tt.channel), "%s vs %s", tt.filter, tt.channel)
	}
}

func TestFanOut_BroadcastsToAll(t *testing.T) {
	r1, r2 := &Recorder{}, &Recorder{}
	fo := NewFanOut(10, r1, r2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { fo.Run(ctx); close(done) }()

	fo.Publish(ctx, NewMarketUpdate("43854", decimal.NewFromInt(1)))
	fo.Publish(ctx, NewMarketUpdate("43854", decimal.NewFromInt(2)))

	require.Eventually(t, func() bool {
		return len(r1.Events("")) == 2 && len(r2.Events("")) == 2
	}, time.Second, time.Millisecond)

	got := r1.Events("market-update:")
	assert.Equal(t, "1", got[0].Payload.(MarketUpdate).LTP.String())
	assert.Equal(t, "2", got[1].Payload.(MarketUpdate).LTP.String())

	cancel()
	<-done
}

type blockingSink struct{ release chan struct{} }

func (b blockingSink) Publish(context.Context, Event) { <-b.release }

func TestFanOut_DropsForSlowSink(t *testing.T) {
	slow := blockingSink{release: make(chan struct{})}
	fast := &Recorder{}
	fo := NewFanOut(1, slow, fast)

	var mu sync.Mutex
	drops := map[int]int{}
	fo.OnDrop = func(idx int, _ string) {
		mu.Lock()
		drops[idx]++
		mu.Unlock()
	}

	// not running: queues fill at one event each
	for i := 0; i < 3; i++ {
		fo.Publish(context.Background(), NewMarketUpdate("1", decimal.NewFromInt(int64(i))))
	}

	mu.Lock()
	assert.Equal(t, 2, drops[0])
	assert.Equal(t, 2, drops[1])
	mu.Unlock()
	close(slow.release)
}

func TestFanOut_KeepsLifecycleEventsWhenFull(t *testing.T) {
	rec := &Recorder{}
	fo := NewFanOut(1, rec)
	var dropped []string
	fo.OnDrop = func(_ int, channel string) { dropped = append(dropped, channel) }

	ctx := context.Background()
	fo.Publish(ctx, NewMarketUpdate("43854", decimal.NewFromInt(1)))
	fo.Publish(ctx, NewTradeExecuted(samplePosition()))
	fo.Publish(ctx, NewMarketUpdate("43854", decimal.NewFromInt(2)))
	fo.Publish(ctx, NewPnLUpdate("ord-1", decimal.NewFromInt(2), decimal.NewFromInt(5)))
	fo.Publish(ctx, NewTradeSquaredOff(samplePosition()))

	assert.Equal(t, []string{"market-update:43854", "pnl-update:ord-1"}, dropped)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	fo.Run(cctx)

	var got []string
	for _, ev := range rec.Events("") {
		got = append(got, ev.Channel)
	}
	assert.Equal(t, []string{"market-update:43854", ChannelTradeExecuted, ChannelTradeSquaredOff}, got)
}

// gatedSink records events but blocks on each until the gate opens.
type gatedSink struct {
	gate chan struct{}
	rec  Recorder
}

func (g *gatedSink) Publish(ctx context.Context, ev Event) {
	<-g.gate
	g.rec.Publish(ctx, ev)
}

func TestFanOut_SlowSinkReceivesEverySettlement(t *testing.T) {
	slow := &gatedSink{gate: make(chan struct{})}
	fo := NewFanOut(2, slow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { fo.Run(ctx); close(done) }()

	const n = 20
	for i := 0; i < n; i++ {
		fo.Publish(ctx, NewMarketUpdate("43854", decimal.NewFromInt(int64(i))))
		p := samplePosition()
		p.ID = fmt.Sprintf("ord-%02d", i)
		fo.Publish(ctx, NewTradeSquaredOff(p))
	}
	close(slow.gate)

	require.Eventually(t, func() bool {
		return len(slow.rec.Events(ChannelTradeSquaredOff)) == n
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	settled := slow.rec.Events(ChannelTradeSquaredOff)
	for i, ev := range settled {
		assert.Equal(t, fmt.Sprintf("ord-%02d", i), ev.Payload.(TradeSquaredOff).OrderID)
	}
}

func TestFanOut_FlushesOnShutdown(t *testing.T) {
	rec := &Recorder{}
	fo := NewFanOut(8, rec)
	fo.Publish(context.Background(), NewTradeExecuted(samplePosition()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fo.Run(ctx)
	assert.Len(t, rec.Events(ChannelTradeExecuted), 1)
}

func TestWebhookSink(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		mu.Lock()
		bodies = append(bodies, m)
		mu.Unlock()
	}))
	defer srv.Close()

	ws := NewWebhookSink(srv.URL)
	ctx := context.Background()
	ws.Publish(ctx, NewMarketUpdate("43854", decimal.NewFromInt(1)))
	ws.Publish(ctx, NewTradeSquaredOff(samplePosition()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1, "per-tick events are filtered by default")
	assert.Equal(t, "trade-squared-off", bodies[0]["event"])
}

func TestWebhookSinkErrorHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var got error
	ws := NewWebhookSink(srv.URL)
	ws.OnError = func(err error) { got = err }
	ws.Publish(context.Background(), NewTradeExecuted(samplePosition()))
	assert.ErrorContains(t, got, "502")
}

func TestTelegramSink(t *testing.T) {
	var text, chat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/botTOKEN/getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"pt","username":"ptbot"}}`))
		case "/botTOKEN/sendMessage":
			_ = r.ParseForm()
			text, chat = r.FormValue("text"), r.FormValue("chat_id")
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ts, err := newTelegramSink("TOKEN", "42", srv.URL+"/bot%s/%s")
	require.NoError(t, err)

	ts.Publish(context.Background(), NewPnLUpdate("ord-1", decimal.Zero, decimal.Zero))
	assert.Empty(t, text)

	ts.Publish(context.Background(), NewTradeSquaredOff(samplePosition()))
	assert.Equal(t, "42", chat)
	assert.Contains(t, text, "137\\.25")
	assert.Contains(t, text, "ord\\-1")
}

func TestTelegramSink_BadChatID(t *testing.T) {
	_, err := NewTelegramSink("TOKEN", "not-a-number")
	assert.Error(t, err)
}
