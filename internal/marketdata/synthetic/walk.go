// Package synthetic provides a random-walk PriceFeed used when no live
// market connection is configured or the live connection is lost for good.
//
// Each subscribed token gets its own ticker goroutine. On every interval the
// price moves by a uniform random fraction in [-DriftPct, +DriftPct] percent
// and is floored at MinPrice.
package synthetic

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade-v1/internal/marketdata/feed"
)

var (
	// MinPrice is the lowest price the walk can reach (one tick).
	MinPrice = decimal.RequireFromString("0.05")

	seedLow  = 100.0
	seedSpan = 1000.0
)

// Config holds synthetic walk parameters.
type Config struct {
	// Interval between ticks. Defaults to 5s.
	Interval time.Duration

	// DriftPct bounds the per-tick move in percent. Defaults to 0.5.
	DriftPct float64

	// Source seeds the walk. Defaults to a time-seeded source.
	Source rand.Source
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.DriftPct <= 0 {
		c.DriftPct = 0.5
	}
	if c.Source == nil {
		c.Source = rand.NewSource(time.Now().UnixNano())
	}
}

type stream struct {
	fn   feed.TickFunc
	stop chan struct{}
	done chan struct{}
}

// Walk is a synthetic PriceFeed.
type Walk struct {
	cfg Config

	mu      sync.Mutex
	rng     *rand.Rand
	prices  map[string]decimal.Decimal
	streams map[string]*stream

	// OnTick is called after every emitted tick (optional).
	OnTick func(token string)
}

var _ feed.PriceFeed = (*Walk)(nil)

// New creates a synthetic walk.
func New(cfg Config) *Walk {
	cfg.defaults()
	return &Walk{
		cfg:     cfg,
		rng:     rand.New(cfg.Source),
		prices:  make(map[string]decimal.Decimal),
		streams: make(map[string]*stream),
	}
}

// CurrentPrice returns the cached walk price for token. With nothing cached
// it remembers seed, or a random price in [100, 1100), as the walk's start.
func (w *Walk) CurrentPrice(_ context.Context, token string, seed decimal.NullDecimal) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.priceLocked(token, seed), nil
}

func (w *Walk) priceLocked(token string, seed decimal.NullDecimal) decimal.Decimal {
	if p, ok := w.prices[token]; ok {
		return p
	}
	p := seed.Decimal
	if !seed.Valid {
		p = decimal.NewFromFloat(seedLow + w.rng.Float64()*seedSpan).Round(2)
	}
	w.prices[token] = p
	return p
}

// Subscribe emits the token's current price at once, then a walk step
// every Interval.
func (w *Walk) Subscribe(_ context.Context, token string, fn feed.TickFunc) error {
	w.mu.Lock()
	old := w.streams[token]
	w.priceLocked(token, decimal.NullDecimal{})
	s := &stream{fn: fn, stop: make(chan struct{}), done: make(chan struct{})}
	w.streams[token] = s
	w.mu.Unlock()

	if old != nil {
		close(old.stop)
		<-old.done
	}
	go w.run(token, s)
	slog.Debug("synthetic subscribe", "component", "synthetic", "token", token, "interval", w.cfg.Interval)
	return nil
}

// Unsubscribe stops the token's ticker and forgets its price. When it
// returns no further tick for token will be delivered. It must not be
// called from inside the token's own TickFunc.
func (w *Walk) Unsubscribe(_ context.Context, token string) error {
	w.mu.Lock()
	s := w.streams[token]
	delete(w.streams, token)
	delete(w.prices, token)
	w.mu.Unlock()

	if s != nil {
		close(s.stop)
		<-s.done
	}
	return nil
}

// Subscribed returns the number of tokens with an active ticker.
func (w *Walk) Subscribed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.streams)
}

func (w *Walk) run(token string, s *stream) {
	defer close(s.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	// the current price goes out at once, then one step per interval
	price, ok := w.current(token, s)
	for ok {
		s.fn(token, price)
		if w.OnTick != nil {
			w.OnTick(token)
		}
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			price, ok = w.step(token, s)
		}
	}
}

// current returns the token's price without moving it, or false if s is no
// longer the token's active stream.
func (w *Walk) current(token string, s *stream) (decimal.Decimal, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.activeLocked(token, s) {
		return decimal.Zero, false
	}
	return w.priceLocked(token, decimal.NullDecimal{}), true
}

func (w *Walk) activeLocked(token string, s *stream) bool {
	if w.streams[token] != s {
		return false
	}
	select {
	case <-s.stop:
		return false
	default:
		return true
	}
}

// step advances the walk for token. It reports false if s is no longer the
// token's active stream.
func (w *Walk) step(token string, s *stream) (decimal.Decimal, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.activeLocked(token, s) {
		return decimal.Zero, false
	}

	cur := w.priceLocked(token, decimal.NullDecimal{})
	frac := (w.rng.Float64()*2 - 1) * w.cfg.DriftPct / 100
	next := cur.Add(cur.Mul(decimal.NewFromFloat(frac))).Round(2)
	if next.LessThan(MinPrice) {
		next = MinPrice
	}
	w.prices[token] = next
	return next, true
}
