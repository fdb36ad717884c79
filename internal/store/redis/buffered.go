package redis

import (
	"context"
	"log"
	"sync"

	"papertrade-v1/internal/notification"
)

// Sender writes one event, reporting failure.
type Sender interface {
	Send(ctx context.Context, ev notification.Event) error
}

// BufferedPublisher sends events through a circuit breaker. While the
// circuit is open, trade lifecycle events are buffered locally and replayed
// when it closes again; per-tick updates are dropped since a newer tick
// supersedes them.
type BufferedPublisher struct {
	sender Sender
	cb     *CircuitBreaker
	ctx    context.Context

	mu     sync.Mutex
	buffer []notification.Event
	maxBuf int // max buffered events before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func()          // called when an event is buffered (for metrics)
	OnDrop   func()          // called when a tick update is dropped
	OnFlush  func(count int) // called after flushing buffered events
}

// NewBufferedPublisher wraps s with cb. ctx bounds replays.
func NewBufferedPublisher(ctx context.Context, s Sender, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bp := &BufferedPublisher{
		sender: s,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]notification.Event, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bp.flush()
		}
	}
	return bp
}

// Publish implements notification.Sink.
func (bp *BufferedPublisher) Publish(ctx context.Context, ev notification.Event) {
	err := bp.cb.Execute(func() error { return bp.sender.Send(ctx, ev) })
	if err == nil {
		return
	}
	if !notification.IsTradeEvent(ev.Channel) {
		if bp.OnDrop != nil {
			bp.OnDrop()
		}
		return
	}
	if err != ErrCircuitOpen {
		log.Printf("[redis-buffer] send %s: %v", ev.Channel, err)
	}
	bp.bufferEvent(ev)
}

func (bp *BufferedPublisher) bufferEvent(ev notification.Event) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:]
	}
	bp.buffer = append(bp.buffer, ev)

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// flush replays buffered events in order. Events that fail again stay
// buffered for the next close.
func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	toFlush := bp.buffer
	bp.buffer = make([]notification.Event, 0, 64)
	bp.mu.Unlock()

	flushed := 0
	for i, ev := range toFlush {
		if err := bp.sender.Send(bp.ctx, ev); err != nil {
			log.Printf("[redis-buffer] replay stopped: %v", err)
			bp.mu.Lock()
			bp.buffer = append(append([]notification.Event(nil), toFlush[i:]...), bp.buffer...)
			bp.mu.Unlock()
			break
		}
		flushed++
	}

	log.Printf("[redis-buffer] flushed %d buffered events", flushed)
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered events waiting to be sent.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}
