// Package live implements a PriceFeed backed by an upstream market-data
// stream. Connection loss is retried a bounded number of times with a fixed
// backoff; after that, or when the initial login or connect fails, the feed
// degrades for good to a fallback feed and moves every active subscription
// onto it.
package live

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade-v1/internal/marketdata/feed"
)

// Conn is one open upstream tick stream.
type Conn interface {
	Subscribe(token string) error
	Unsubscribe(token string) error
	// ReadTick blocks until the next tick. Any error ends the connection.
	ReadTick() (token string, ltp decimal.Decimal, err error)
	Close() error
}

// Upstream authenticates against the market-data provider.
type Upstream interface {
	Connect(ctx context.Context) (Conn, error)
	Quote(ctx context.Context, token string) (decimal.Decimal, error)
}

// Config holds reconnect parameters.
type Config struct {
	// ReconnectAttempts before degrading. Defaults to 5.
	ReconnectAttempts int
	// ReconnectBackoff between attempts. Defaults to 5s.
	ReconnectBackoff time.Duration
	// QuoteTimeout bounds a single upstream quote. Defaults to 3s.
	QuoteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = 3 * time.Second
	}
}

// sub delivers ticks for one token on its own goroutine. ch holds at most
// the latest undelivered price.
type sub struct {
	fn   feed.TickFunc
	ch   chan decimal.Decimal
	stop chan struct{}
	done chan struct{}
}

func newSub(token string, fn feed.TickFunc) *sub {
	s := &sub{
		fn:   fn,
		ch:   make(chan decimal.Decimal, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(token)
	return s
}

func (s *sub) run(token string) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case p := <-s.ch:
			select {
			case <-s.stop:
				return
			default:
			}
			s.fn(token, p)
		}
	}
}

// offer replaces any pending price with p. Only the read loop calls it.
func (s *sub) offer(p decimal.Decimal) {
	select {
	case s.ch <- p:
	default:
		select {
		case <-s.ch:
		default:
		}
		s.ch <- p
	}
}

func (s *sub) halt() {
	close(s.stop)
	<-s.done
}

// Feed is the live PriceFeed.
type Feed struct {
	cfg      Config
	up       Upstream
	fallback feed.PriceFeed

	// migrate is held exclusively while subscriptions move to the
	// fallback feed.
	migrate sync.RWMutex

	mu      sync.Mutex
	state   State
	attempt int
	conn    Conn
	subs    map[string]*sub
	prices  map[string]decimal.Decimal
	stopped bool

	// Optional hooks.
	OnStateChange func(s State, attempt int)
	OnReconnect   func()
	OnTick        func(token string)
}

var _ feed.PriceFeed = (*Feed)(nil)

// New creates a live feed. fallback receives all traffic once the feed
// has degraded.
func New(up Upstream, fallback feed.PriceFeed, cfg Config) *Feed {
	cfg.defaults()
	return &Feed{
		cfg:      cfg,
		up:       up,
		fallback: fallback,
		subs:     make(map[string]*sub),
		prices:   make(map[string]decimal.Decimal),
	}
}

// Start connects upstream and begins reading ticks until ctx is done.
// A failed login or connect degrades the feed immediately; Start itself
// only fails if ctx is already cancelled.
func (f *Feed) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := f.up.Connect(ctx)
	if err != nil {
		log.Printf("[live] initial connect failed: %v", err)
		f.degrade(ctx)
		return nil
	}
	f.connected(ctx, conn)
	go func() {
		<-ctx.Done()
		f.shutdown()
	}()
	return nil
}

// State returns the current connection state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// CurrentPrice returns the last streamed price for token, or an upstream
// quote. If the quote fails, seed is used, then the fallback feed.
func (f *Feed) CurrentPrice(ctx context.Context, token string, seed decimal.NullDecimal) (decimal.Decimal, error) {
	f.mu.Lock()
	if f.state == Degraded {
		f.mu.Unlock()
		return f.fallback.CurrentPrice(ctx, token, seed)
	}
	if p, ok := f.prices[token]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, f.cfg.QuoteTimeout)
	p, err := f.up.Quote(qctx, token)
	cancel()
	if err == nil && p.IsPositive() {
		return p, nil
	}
	log.Printf("[live] quote %s failed: %v", token, err)
	if seed.Valid {
		return seed.Decimal, nil
	}
	return f.fallback.CurrentPrice(ctx, token, seed)
}

// Subscribe registers fn for token and forwards an upstream subscribe.
// Upstream write errors are logged; the read loop handles the disconnect.
func (f *Feed) Subscribe(ctx context.Context, token string, fn feed.TickFunc) error {
	f.migrate.RLock()
	defer f.migrate.RUnlock()

	f.mu.Lock()
	if f.state == Degraded {
		f.mu.Unlock()
		return f.fallback.Subscribe(ctx, token, fn)
	}
	old := f.subs[token]
	f.subs[token] = newSub(token, fn)
	conn := f.conn
	f.mu.Unlock()

	if old != nil {
		old.halt()
		return nil
	}
	if conn != nil {
		if err := conn.Subscribe(token); err != nil {
			log.Printf("[live] subscribe %s: %v", token, err)
		}
	}
	return nil
}

// Unsubscribe stops delivery for token. No tick for token is delivered
// after it returns.
func (f *Feed) Unsubscribe(ctx context.Context, token string) error {
	f.migrate.RLock()
	defer f.migrate.RUnlock()

	f.mu.Lock()
	if f.state == Degraded {
		f.mu.Unlock()
		return f.fallback.Unsubscribe(ctx, token)
	}
	s := f.subs[token]
	delete(f.subs, token)
	delete(f.prices, token)
	conn := f.conn
	f.mu.Unlock()

	if s == nil {
		return nil
	}
	s.halt()
	if conn != nil {
		if err := conn.Unsubscribe(token); err != nil {
			log.Printf("[live] unsubscribe %s: %v", token, err)
		}
	}
	return nil
}

func (f *Feed) setState(s State, attempt int) {
	f.state = s
	f.attempt = attempt
	if f.OnStateChange != nil {
		f.OnStateChange(s, attempt)
	}
}

// connected installs conn, resubscribes every active token and starts
// the read loop.
func (f *Feed) connected(ctx context.Context, conn Conn) {
	f.mu.Lock()
	f.conn = conn
	f.setState(Connected, 0)
	tokens := make([]string, 0, len(f.subs))
	for t := range f.subs {
		tokens = append(tokens, t)
	}
	f.mu.Unlock()

	for _, t := range tokens {
		if err := conn.Subscribe(t); err != nil {
			log.Printf("[live] resubscribe %s: %v", t, err)
		}
	}
	log.Printf("[live] connected, %d tokens subscribed", len(tokens))
	go f.readLoop(ctx, conn)
}

func (f *Feed) readLoop(ctx context.Context, conn Conn) {
	for {
		token, ltp, err := conn.ReadTick()
		if err != nil {
			if ctx.Err() != nil || f.isStopped() {
				return
			}
			log.Printf("[live] connection lost: %v", err)
			_ = conn.Close()
			f.reconnect(ctx)
			return
		}

		f.mu.Lock()
		s := f.subs[token]
		if s != nil {
			f.prices[token] = ltp
			s.offer(ltp)
		}
		f.mu.Unlock()

		if s != nil && f.OnTick != nil {
			f.OnTick(token)
		}
	}
}

// reconnect retries the upstream with a fixed backoff and degrades once
// the attempts are used up.
func (f *Feed) reconnect(ctx context.Context) {
	f.mu.Lock()
	f.conn = nil
	f.mu.Unlock()

	for attempt := 1; attempt <= f.cfg.ReconnectAttempts; attempt++ {
		f.mu.Lock()
		f.setState(Reconnecting, attempt)
		f.mu.Unlock()
		if f.OnReconnect != nil {
			f.OnReconnect()
		}
		log.Printf("[live] reconnecting (%d/%d) in %s", attempt, f.cfg.ReconnectAttempts, f.cfg.ReconnectBackoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.cfg.ReconnectBackoff):
		}

		conn, err := f.up.Connect(ctx)
		if err == nil {
			f.connected(ctx, conn)
			return
		}
		log.Printf("[live] reconnect attempt %d failed: %v", attempt, err)
	}

	log.Printf("[live] reconnect attempts exhausted, falling back to synthetic prices")
	f.degrade(ctx)
}

// degrade enters the terminal state and moves every subscription onto the
// fallback feed, seeded with its last streamed price.
func (f *Feed) degrade(ctx context.Context) {
	f.migrate.Lock()
	defer f.migrate.Unlock()

	f.mu.Lock()
	if f.state == Degraded && f.subs == nil {
		f.mu.Unlock()
		return
	}
	conn := f.conn
	f.conn = nil
	subs := f.subs
	prices := f.prices
	f.subs = nil
	f.prices = nil
	f.setState(Degraded, 0)
	f.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for token, s := range subs {
		s.halt()
		if p, ok := prices[token]; ok {
			_, _ = f.fallback.CurrentPrice(ctx, token, decimal.NewNullDecimal(p))
		}
		if err := f.fallback.Subscribe(ctx, token, s.fn); err != nil {
			log.Printf("[live] fallback subscribe %s: %v", token, err)
		}
	}
	if len(subs) > 0 {
		log.Printf("[live] moved %d subscriptions to fallback feed", len(subs))
	}
}

func (f *Feed) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *Feed) shutdown() {
	f.mu.Lock()
	f.stopped = true
	conn := f.conn
	f.conn = nil
	subs := f.subs
	f.subs = make(map[string]*sub)
	f.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, s := range subs {
		s.halt()
	}
}
