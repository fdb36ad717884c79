// Package notification carries position and market events to external
// channels (websocket clients, webhooks, Telegram, Redis Pub/Sub).
package notification

import (
	"context"
	"encoding/json"
	"log"
	"sync"
)

// Sink receives events. Publish must not block for long and never fails
// the caller; delivery errors are the sink's own concern.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Multi publishes each event to every sink in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}

// LogSink logs events (useful for development).
type LogSink struct {
	// TradesOnly suppresses per-tick market and PnL updates.
	TradesOnly bool
}

// NewLogSink creates a log-based sink.
func NewLogSink(tradesOnly bool) *LogSink {
	return &LogSink{TradesOnly: tradesOnly}
}

func (n *LogSink) Publish(_ context.Context, ev Event) {
	if n.TradesOnly && !IsTradeEvent(ev.Channel) {
		return
	}
	b, err := json.Marshal(ev.Payload)
	if err != nil {
		log.Printf("[notify] %s: marshal: %v", ev.Channel, err)
		return
	}
	log.Printf("[notify] %s %s", ev.Channel, b)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events, optionally filtered by
// channel (see MatchChannel).
func (r *Recorder) Events(filter string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if MatchChannel(filter, ev.Channel) {
			out = append(out, ev)
		}
	}
	return out
}
