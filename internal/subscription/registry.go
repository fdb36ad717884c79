// Package subscription multiplexes position interest onto price-feed
// subscriptions: one upstream subscription per token, however many open
// positions reference it.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"papertrade-v1/internal/marketdata/feed"
	"papertrade-v1/internal/notification"
)

// Consumer applies a tick to the positions interested in a token.
// Holds reports whether position id is still open; interest is only
// registered for held positions.
type Consumer interface {
	ApplyTick(ctx context.Context, token string, price decimal.Decimal, ids []string)
	Holds(id string) bool
}

type entry struct {
	ids map[string]struct{}
	// live is true while an upstream subscription exists.
	live bool
}

// Registry tracks token -> interested position ids.
//
// mu guards the interest sets and is never held across feed calls or hooks.
// Upstream subscribe and unsubscribe for one token are serialized by that
// token's transition lock, so each net interest transition issues exactly
// one upstream call. Tick delivery never takes a transition lock.
type Registry struct {
	feed     feed.PriceFeed
	consumer Consumer
	sink     notification.Sink

	mu     sync.Mutex
	tokens map[string]*entry
	trans  map[string]*tokenLock

	// Optional hooks.
	OnUpstream    func(action string, tokens int) // "subscribe" or "unsubscribe"; tokens with interest afterwards
	OnStaleTick   func(token string)
	OnDeliverTick func(token string, positions int)
}

type tokenLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a registry over f. Ticks are applied to c and announced on sink.
func New(f feed.PriceFeed, c Consumer, sink notification.Sink) *Registry {
	if sink == nil {
		sink = notification.Discard
	}
	return &Registry{
		feed:     f,
		consumer: c,
		sink:     sink,
		tokens:   make(map[string]*entry),
		trans:    make(map[string]*tokenLock),
	}
}

func (r *Registry) lockToken(token string) func() {
	r.mu.Lock()
	tl := r.trans[token]
	if tl == nil {
		tl = &tokenLock{}
		r.trans[token] = tl
	}
	tl.refs++
	r.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		r.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(r.trans, token)
		}
		r.mu.Unlock()
	}
}

// Ensure registers interest of position id in token. The first interested
// position triggers a single upstream subscribe; repeated calls for the
// same pair are no-ops, as are calls for positions the consumer no longer
// holds. If the upstream subscribe fails, the interest is rolled back and
// the error returned.
func (r *Registry) Ensure(ctx context.Context, token, id string) error {
	unlock := r.lockToken(token)
	defer unlock()

	// Interest in a settled position would never be released.
	if !r.consumer.Holds(id) {
		slog.Debug("skip ensure for settled position", "component", "subscription", "token", token, "id", id)
		return nil
	}

	r.mu.Lock()
	e := r.tokens[token]
	if e == nil {
		e = &entry{ids: make(map[string]struct{})}
		r.tokens[token] = e
	}
	e.ids[id] = struct{}{}
	needSub := !e.live
	r.mu.Unlock()

	if !needSub {
		return nil
	}

	tickCtx := context.WithoutCancel(ctx)
	err := r.feed.Subscribe(ctx, token, func(tok string, ltp decimal.Decimal) {
		r.deliver(tickCtx, tok, ltp)
	})

	r.mu.Lock()
	if err != nil {
		delete(e.ids, id)
		if len(e.ids) == 0 {
			delete(r.tokens, token)
		}
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", token, err)
	}
	e.live = true
	n := len(r.tokens)
	r.mu.Unlock()

	r.upstream("subscribe", n)
	slog.Debug("token subscribed", "component", "subscription", "token", token, "id", id)
	return nil
}

// Release removes interest of position id in token, along with any
// interest left by positions the consumer no longer holds. When no
// interest remains, a single upstream unsubscribe is issued; once it
// returns no further tick for token reaches the consumer.
func (r *Registry) Release(ctx context.Context, token, id string) error {
	unlock := r.lockToken(token)
	defer unlock()

	r.mu.Lock()
	e := r.tokens[token]
	if e == nil {
		r.mu.Unlock()
		return nil
	}
	delete(e.ids, id)
	var stale []string
	for other := range e.ids {
		stale = append(stale, other)
	}
	r.mu.Unlock()

	// Holds takes the consumer's lock; mu is not held across it.
	for _, other := range stale {
		if r.consumer.Holds(other) {
			continue
		}
		slog.Warn("pruning orphaned interest", "component", "subscription", "token", token, "id", other)
		r.mu.Lock()
		delete(e.ids, other)
		r.mu.Unlock()
	}

	r.mu.Lock()
	if len(e.ids) > 0 || !e.live {
		if len(e.ids) == 0 {
			delete(r.tokens, token)
		}
		r.mu.Unlock()
		return nil
	}
	delete(r.tokens, token)
	r.mu.Unlock()

	if err := r.feed.Unsubscribe(ctx, token); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", token, err)
	}
	r.upstream("unsubscribe", r.Tokens())
	slog.Debug("token unsubscribed", "component", "subscription", "token", token)
	return nil
}

// upstream fires OnUpstream. Callers must not hold mu.
func (r *Registry) upstream(action string, tokens int) {
	if r.OnUpstream != nil {
		r.OnUpstream(action, tokens)
	}
}

// deliver fans a tick out to the positions currently interested in token.
// Ticks for tokens without interest are dropped.
func (r *Registry) deliver(ctx context.Context, token string, ltp decimal.Decimal) {
	r.mu.Lock()
	e := r.tokens[token]
	var ids []string
	if e != nil {
		ids = make([]string, 0, len(e.ids))
		for id := range e.ids {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	if len(ids) == 0 {
		if r.OnStaleTick != nil {
			r.OnStaleTick(token)
		}
		return
	}
	sort.Strings(ids)

	r.sink.Publish(ctx, notification.NewMarketUpdate(token, ltp))
	r.consumer.ApplyTick(ctx, token, ltp, ids)
	if r.OnDeliverTick != nil {
		r.OnDeliverTick(token, len(ids))
	}
}

// Interested returns the ids interested in token, sorted.
func (r *Registry) Interested(token string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.tokens[token]
	if e == nil {
		return nil
	}
	ids := make([]string, 0, len(e.ids))
	for id := range e.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tokens returns the number of tokens with at least one interested position.
func (r *Registry) Tokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
