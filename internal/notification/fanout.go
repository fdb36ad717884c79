package notification

import (
	"context"
	"log"
	"sync"
)

// maxOverflow bounds the lifecycle events held per sink beyond its queue.
const maxOverflow = 10000

// FanOut broadcasts events to N sinks, each drained by its own goroutine.
// If a sink's queue is full, per-tick updates are dropped for that sink so
// a slow consumer never blocks the tick path. Lifecycle events
// (trade-executed, trade-squared-off) are held in a bounded overflow
// instead. Events reach each sink in publish order.
type FanOut struct {
	mu      sync.RWMutex
	outputs []*output
	bufSize int

	// OnDrop is called when an event is dropped for a sink.
	// sinkIdx is the 0-based index of the slow sink.
	OnDrop func(sinkIdx int, channel string)
}

type output struct {
	sink Sink
	ch   chan Event
	wake chan struct{}

	// While overflow is non-empty nothing is sent on ch.
	mu       sync.Mutex
	overflow []Event
}

// NewFanOut creates a FanOut with the given queue size per sink.
func NewFanOut(bufferSize int, sinks ...Sink) *FanOut {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	f := &FanOut{bufSize: bufferSize}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add registers a sink. Sinks added after Run has started are not drained.
func (f *FanOut) Add(s Sink) {
	f.mu.Lock()
	f.outputs = append(f.outputs, &output{
		sink: s,
		ch:   make(chan Event, f.bufSize),
		wake: make(chan struct{}, 1),
	})
	f.mu.Unlock()
}

// Publish enqueues ev for every sink without blocking.
func (f *FanOut) Publish(_ context.Context, ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, o := range f.outputs {
		if o.offer(ev) {
			continue
		}
		if f.OnDrop != nil {
			f.OnDrop(i, ev.Channel)
		} else {
			log.Printf("[fanout] sink %d full, dropping %s", i, ev.Channel)
		}
	}
}

// offer queues ev and reports whether it was kept.
func (o *output) offer(ev Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.overflow) == 0 {
		select {
		case o.ch <- ev:
			return true
		default:
		}
	}
	if !IsTradeEvent(ev.Channel) || len(o.overflow) >= maxOverflow {
		return false
	}
	o.overflow = append(o.overflow, ev)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// backlog empties the queue, then the overflow, in publish order.
func (o *output) backlog() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Event
	for len(o.ch) > 0 {
		out = append(out, <-o.ch)
	}
	out = append(out, o.overflow...)
	o.overflow = nil
	return out
}

// Run drains every sink queue until ctx is cancelled, then delivers what
// is still queued and returns.
func (f *FanOut) Run(ctx context.Context) {
	f.mu.RLock()
	outputs := append([]*output(nil), f.outputs...)
	f.mu.RUnlock()

	var wg sync.WaitGroup
	for _, o := range outputs {
		wg.Add(1)
		go func(o *output) {
			defer wg.Done()
			drain(ctx, o)
		}(o)
	}
	wg.Wait()
}

func drain(ctx context.Context, o *output) {
	for {
		select {
		case ev := <-o.ch:
			o.sink.Publish(ctx, ev)
		case <-o.wake:
			for _, ev := range o.backlog() {
				o.sink.Publish(ctx, ev)
			}
		case <-ctx.Done():
			flushCtx := context.WithoutCancel(ctx)
			for _, ev := range o.backlog() {
				o.sink.Publish(flushCtx, ev)
			}
			return
		}
	}
}
