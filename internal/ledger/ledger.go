// Package ledger owns the lifecycle of paper positions: opening at a
// locked entry price, marking open positions to market on every tick, and
// settling each position exactly once.
//
// Open positions live in memory under a single mutex; every mutation is
// written through to a model.PositionStore with the mutex released.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade-v1/internal/model"
	"papertrade-v1/internal/notification"
	"papertrade-v1/internal/portfolio"
)

// OpenSpec describes a position to open.
type OpenSpec struct {
	Instrument    model.Instrument
	Side          model.Side
	TradingSymbol string
	AccountID     string
	EntryPrice    decimal.Decimal
}

// Ledger tracks positions.
type Ledger struct {
	store model.PositionStore
	sink  notification.Sink

	mu       sync.Mutex
	open     map[string]*model.Position
	byToken  map[string]map[string]struct{}
	settling map[string]struct{}

	now   func() time.Time
	newID func() string

	// Optional hooks.
	OnMarks     func(n int)
	OnMarkError func(err error)
}

// New creates a ledger persisting to store and announcing on sink.
func New(store model.PositionStore, sink notification.Sink) *Ledger {
	if sink == nil {
		sink = notification.Discard
	}
	return &Ledger{
		store:    store,
		sink:     sink,
		open:     make(map[string]*model.Position),
		byToken:  make(map[string]map[string]struct{}),
		settling: make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Restore loads every open position from the store into memory and
// returns them, so the caller can re-establish their subscriptions.
func (l *Ledger) Restore(ctx context.Context) ([]model.Position, error) {
	rows, err := l.store.List(ctx, model.StatusOpen)
	if err != nil {
		return nil, &model.PersistenceError{Op: "restore", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range rows {
		p := rows[i]
		l.addLocked(&p)
	}
	return rows, nil
}

// Open creates and persists a new open position with zero unrealized PnL.
// If persisting fails nothing is kept and a PersistenceError is returned.
func (l *Ledger) Open(ctx context.Context, spec OpenSpec) (*model.Position, error) {
	if !spec.EntryPrice.IsPositive() {
		return nil, &model.ValidationError{Field: "entryPrice", Reason: "must be positive"}
	}
	now := l.now()
	in := spec.Instrument
	qty := in.LotSize
	amount := spec.EntryPrice.Mul(decimal.NewFromInt(qty))

	p := &model.Position{
		ID:             l.newID(),
		AccountID:      spec.AccountID,
		Segment:        in.Segment,
		TradingSymbol:  spec.TradingSymbol,
		Symbol:         in.Symbol,
		InstrumentType: in.InstrumentType,
		OptionType:     in.OptionType,
		Strike:         in.Strike,
		Side:           spec.Side,
		LotSize:        qty,
		Expiry:         in.Expiry.Format(model.ExpiryLayout),
		Token:          in.Token,
		EntryTime:      now,
		EntryPrice:     spec.EntryPrice,
		Status:         model.StatusOpen,
		CurrentLTP:     spec.EntryPrice,
		UnrealizedPnL:  decimal.Zero,
		LastUpdated:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.TradingSymbol == "" {
		p.TradingSymbol = in.TradingSymbol()
	}
	if spec.Side == model.SideBuy {
		p.BuyQty, p.BuyAmount = qty, amount
	} else {
		p.SellQty, p.SellAmount = qty, amount
	}

	if err := l.store.Insert(ctx, p); err != nil {
		return nil, &model.PersistenceError{Op: "open", Err: err}
	}

	l.mu.Lock()
	l.addLocked(p)
	out := *p
	l.mu.Unlock()

	slog.Info("position opened", "component", "ledger", "id", p.ID, "token", p.Token,
		"side", p.Side, "qty", qty, "entry", p.EntryPrice.String())
	return &out, nil
}

func (l *Ledger) addLocked(p *model.Position) {
	l.open[p.ID] = p
	ids := l.byToken[p.Token]
	if ids == nil {
		ids = make(map[string]struct{})
		l.byToken[p.Token] = ids
	}
	ids[p.ID] = struct{}{}
}

func (l *Ledger) removeLocked(p *model.Position) {
	delete(l.open, p.ID)
	if ids := l.byToken[p.Token]; ids != nil {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(l.byToken, p.Token)
		}
	}
}

// ApplyTick marks every open position on token to price. When ids is
// non-nil only those positions are considered. Positions that are closed,
// mid-settlement or on another token are left untouched.
func (l *Ledger) ApplyTick(ctx context.Context, token string, price decimal.Decimal, ids []string) {
	now := l.now()

	l.mu.Lock()
	if ids == nil {
		for id := range l.byToken[token] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	marks := make([]model.Mark, 0, len(ids))
	for _, id := range ids {
		p := l.open[id]
		if p == nil || p.Token != token || !p.IsOpen() {
			continue
		}
		if _, busy := l.settling[id]; busy {
			continue
		}
		p.CurrentLTP = price
		p.UnrealizedPnL = portfolio.CalculatePnL(p.Side, p.EntryPrice, price, p.Quantity())
		p.LastUpdated = now
		p.UpdatedAt = now
		marks = append(marks, model.Mark{ID: id, CurrentLTP: price, UnrealizedPnL: p.UnrealizedPnL, At: now})
	}
	l.mu.Unlock()

	if len(marks) == 0 {
		return
	}
	if err := l.store.ApplyMarks(ctx, marks); err != nil {
		slog.Warn("persist marks failed", "component", "ledger", "token", token, "error", err)
		if l.OnMarkError != nil {
			l.OnMarkError(err)
		}
	}
	for _, m := range marks {
		l.sink.Publish(ctx, notification.NewPnLUpdate(m.ID, m.CurrentLTP, m.UnrealizedPnL))
	}
	if l.OnMarks != nil {
		l.OnMarks(len(marks))
	}
}

// Settle closes position id at exitPrice, announces trade-squared-off and
// returns the closed position.
// It fails with ErrNotFound for unknown ids and ErrAlreadyClosed if the
// position is closed or another settlement is in progress. A failed write
// leaves the position open and returns a PersistenceError.
func (l *Ledger) Settle(ctx context.Context, id string, exitPrice decimal.Decimal) (*model.Position, error) {
	if !exitPrice.IsPositive() {
		return nil, &model.ValidationError{Field: "exitPrice", Reason: "must be positive"}
	}

	l.mu.Lock()
	p := l.open[id]
	if p == nil {
		l.mu.Unlock()
		if err := l.adopt(ctx, id); err != nil {
			return nil, err
		}
		l.mu.Lock()
		p = l.open[id]
		if p == nil {
			l.mu.Unlock()
			return nil, model.ErrAlreadyClosed
		}
	}
	if _, busy := l.settling[id]; busy {
		l.mu.Unlock()
		return nil, model.ErrAlreadyClosed
	}
	l.settling[id] = struct{}{}

	now := l.now()
	closed := *p
	closed.ExitPrice = decimal.NewNullDecimal(exitPrice)
	closed.ExitTime = &now
	closed.RealizedPnL = decimal.NewNullDecimal(
		portfolio.CalculatePnL(p.Side, p.EntryPrice, exitPrice, p.Quantity()))
	closed.CurrentLTP = exitPrice
	closed.UnrealizedPnL = decimal.Zero
	closed.Status = model.StatusClosed
	closed.LastUpdated = now
	closed.UpdatedAt = now
	l.mu.Unlock()

	err := l.store.Settle(ctx, &closed)

	l.mu.Lock()
	delete(l.settling, id)
	if err == nil || errors.Is(err, model.ErrAlreadyClosed) {
		l.removeLocked(p)
	}
	l.mu.Unlock()

	if errors.Is(err, model.ErrAlreadyClosed) {
		return nil, model.ErrAlreadyClosed
	}
	if err != nil {
		return nil, &model.PersistenceError{Op: "settle", Err: err}
	}

	l.sink.Publish(ctx, notification.NewTradeSquaredOff(&closed))
	slog.Info("position settled", "component", "ledger", "id", id, "token", closed.Token,
		"exit", exitPrice.String(), "realized", closed.RealizedPnL.Decimal.String())
	return &closed, nil
}

// adopt loads a position the ledger does not hold in memory. Open rows are
// taken over; closed rows yield ErrAlreadyClosed.
func (l *Ledger) adopt(ctx context.Context, id string) error {
	stored, err := l.store.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.ErrNotFound
	}
	if err != nil {
		return &model.PersistenceError{Op: "load", Err: err}
	}
	if !stored.IsOpen() {
		return model.ErrAlreadyClosed
	}

	l.mu.Lock()
	if _, ok := l.open[id]; !ok {
		l.addLocked(stored)
	}
	l.mu.Unlock()
	return nil
}

// Holds reports whether position id is open in memory. A position whose
// settlement is in progress is still held.
func (l *Ledger) Holds(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.open[id]
	return ok
}

// CountOpen returns the number of open positions on token, including any
// whose settlement is still in progress.
func (l *Ledger) CountOpen(token string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byToken[token])
}

// Get returns position id. Open positions come from memory so they carry
// the latest mark.
func (l *Ledger) Get(ctx context.Context, id string) (*model.Position, error) {
	l.mu.Lock()
	if p := l.open[id]; p != nil {
		out := *p
		l.mu.Unlock()
		return &out, nil
	}
	l.mu.Unlock()

	p, err := l.store.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, &model.PersistenceError{Op: "load", Err: err}
	}
	return p, nil
}

// List returns positions newest first, optionally filtered by status.
// Open rows are overlaid with their in-memory marks.
func (l *Ledger) List(ctx context.Context, status model.Status) ([]model.Position, error) {
	if status != "" && !status.Valid() {
		return nil, &model.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	rows, err := l.store.List(ctx, status)
	if err != nil {
		return nil, &model.PersistenceError{Op: "list", Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range rows {
		if p := l.open[rows[i].ID]; p != nil && rows[i].IsOpen() {
			rows[i] = *p
		}
	}
	return rows, nil
}

// OpenPositions returns a snapshot of the open positions, oldest first.
func (l *Ledger) OpenPositions() []model.Position {
	l.mu.Lock()
	out := make([]model.Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, *p)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}
