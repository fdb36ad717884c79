// Package coordinator drives a trade through its lifecycle:
//
//	Received -> Validated -> EntryPriced -> Persisted -> Subscribed -> Settled
//
// It validates requests, locks entry and exit prices from the price feed,
// and keeps the subscription registry in step with the ledger.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrade-v1/internal/ledger"
	"papertrade-v1/internal/logger"
	"papertrade-v1/internal/marketdata/feed"
	"papertrade-v1/internal/model"
	"papertrade-v1/internal/notification"
	"papertrade-v1/internal/subscription"
)

// Defaults fill order fields the request leaves empty.
type Defaults struct {
	AccountID      string // XJZE1
	Segment        string // nse_fo
	InstrumentType string // OPTIDX
}

func (d *Defaults) fill() {
	if d.AccountID == "" {
		d.AccountID = "XJZE1"
	}
	if d.Segment == "" {
		d.Segment = "nse_fo"
	}
	if d.InstrumentType == "" {
		d.InstrumentType = "OPTIDX"
	}
}

// Coordinator accepts trades and square-offs.
type Coordinator struct {
	feed     feed.PriceFeed
	ledger   *ledger.Ledger
	registry *subscription.Registry
	sink     notification.Sink
	defaults Defaults

	// Optional hooks.
	OnSubmit    func(err error)
	OnSquareOff func(err error)
}

// New creates a coordinator.
func New(f feed.PriceFeed, l *ledger.Ledger, r *subscription.Registry, sink notification.Sink, d Defaults) *Coordinator {
	if sink == nil {
		sink = notification.Discard
	}
	d.fill()
	return &Coordinator{feed: f, ledger: l, registry: r, sink: sink, defaults: d}
}

// Submit validates req, locks the entry price, opens and persists the
// position, subscribes its token and announces trade-executed.
// A failure at any step leaves no position and no subscription behind.
func (c *Coordinator) Submit(ctx context.Context, req model.TradeRequest) (p *model.Position, err error) {
	defer func() {
		if c.OnSubmit != nil {
			c.OnSubmit(err)
		}
	}()

	in, side, err := req.Validate()
	if err != nil {
		return nil, err
	}
	ctx = traced(ctx, in.Token)
	if in.Segment == "" {
		in.Segment = c.defaults.Segment
	}
	if in.InstrumentType == "" {
		in.InstrumentType = c.defaults.InstrumentType
	}
	account := strings.TrimSpace(req.AccountID)
	if account == "" {
		account = c.defaults.AccountID
	}

	entry, err := c.feed.CurrentPrice(ctx, in.Token, req.InitialPrice)
	if err != nil || !entry.IsPositive() {
		// feed contracts absorb upstream failures; this is a last resort
		clog(ctx).Warn("entry price unavailable, using seed", "token", in.Token, "error", err)
		if !req.InitialPrice.Valid {
			return nil, &model.ValidationError{Field: "initialPrice", Reason: "no market price available"}
		}
		entry = req.InitialPrice.Decimal
	}

	p, err = c.ledger.Open(ctx, ledger.OpenSpec{
		Instrument:    in,
		Side:          side,
		TradingSymbol: strings.TrimSpace(req.TradingSymbol),
		AccountID:     account,
		EntryPrice:    entry,
	})
	if err != nil {
		return nil, err
	}

	if err := c.registry.Ensure(ctx, p.Token, p.ID); err != nil {
		// PriceFeed implementations do not fail Subscribe; the position is
		// kept and still marked by any later subscription on its token.
		clog(ctx).Error("subscribe failed", "id", p.ID, "token", p.Token, "error", err)
	}

	c.sink.Publish(ctx, notification.NewTradeExecuted(p))
	clog(ctx).Info("trade executed", "id", p.ID, "symbol", p.TradingSymbol,
		"side", p.Side, "entry", p.EntryPrice.String())
	return p, nil
}

// SquareOff settles position id at the current price and releases its
// interest in the token. The ledger announces trade-squared-off.
func (c *Coordinator) SquareOff(ctx context.Context, id string) (p *model.Position, err error) {
	defer func() {
		if c.OnSquareOff != nil {
			c.OnSquareOff(err)
		}
	}()

	if strings.TrimSpace(id) == "" {
		return nil, &model.ValidationError{Field: "orderId"}
	}
	ctx = traced(ctx, id)
	cur, err := c.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.IsOpen() {
		return nil, model.ErrAlreadyClosed
	}

	exit, err := c.feed.CurrentPrice(ctx, cur.Token, decimal.NullDecimal{})
	if err != nil || !exit.IsPositive() {
		clog(ctx).Warn("exit price unavailable, using last mark", "id", id, "error", err)
		exit = cur.CurrentLTP
	}

	p, err = c.ledger.Settle(ctx, id, exit)
	if err != nil {
		return nil, err
	}

	// The upstream unsubscribe happens exactly when no open position on
	// the token remains interested.
	if err := c.registry.Release(ctx, p.Token, p.ID); err != nil {
		clog(ctx).Error("release failed", "id", p.ID, "token", p.Token, "error", err)
	}
	if c.ledger.CountOpen(p.Token) == 0 {
		if left := c.registry.Interested(p.Token); len(left) > 0 {
			clog(ctx).Warn("interest remains with no open position", "token", p.Token, "interested", left)
		}
	}

	clog(ctx).Info("trade squared off", "id", p.ID,
		"exit", exit.String(), "realized", p.RealizedPnL.Decimal.String())
	return p, nil
}

// traced attaches a trace id unless the caller already did.
func traced(ctx context.Context, key string) context.Context {
	if logger.TraceID(ctx) != "" {
		return ctx
	}
	return logger.WithTraceID(ctx, logger.GenerateTraceID(key, time.Now()))
}

func clog(ctx context.Context) *slog.Logger {
	return slog.With("component", "coordinator").With(logger.LogWithTrace(ctx)...)
}

// Restore reloads open positions and re-establishes their subscriptions.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	rows, err := c.ledger.Restore(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, p := range rows {
		if err := c.registry.Ensure(ctx, p.Token, p.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(rows) > 0 {
		clog(ctx).Info("restored open positions", "count", len(rows))
	}
	return len(rows), errors.Join(errs...)
}

// Get returns one position.
func (c *Coordinator) Get(ctx context.Context, id string) (*model.Position, error) {
	return c.ledger.Get(ctx, id)
}

// List returns positions newest first, optionally filtered by status.
func (c *Coordinator) List(ctx context.Context, status model.Status) ([]model.Position, error) {
	return c.ledger.List(ctx, status)
}
