package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade-v1/internal/model"
	"papertrade-v1/internal/notification"
)

// memStore is an in-memory PositionStore with injectable failures.
type memStore struct {
	mu        sync.Mutex
	rows      map[string]model.Position
	marks     []model.Mark
	failOpen  error
	failMark  error
	failSet   error
	settleHit int
}

func newMemStore() *memStore { return &memStore{rows: map[string]model.Position{}} }

func (s *memStore) Insert(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOpen != nil {
		return s.failOpen
	}
	s.rows[p.ID] = *p
	return nil
}

func (s *memStore) ApplyMarks(_ context.Context, marks []model.Mark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMark != nil {
		return s.failMark
	}
	for _, m := range marks {
		r, ok := s.rows[m.ID]
		if !ok || !r.IsOpen() {
			continue
		}
		r.CurrentLTP, r.UnrealizedPnL, r.LastUpdated = m.CurrentLTP, m.UnrealizedPnL, m.At
		s.rows[m.ID] = r
		s.marks = append(s.marks, m)
	}
	return nil
}

func (s *memStore) Settle(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleHit++
	if s.failSet != nil {
		return s.failSet
	}
	r, ok := s.rows[p.ID]
	if !ok {
		return model.ErrNotFound
	}
	if !r.IsOpen() {
		return model.ErrAlreadyClosed
	}
	s.rows[p.ID] = *p
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &r, nil
}

func (s *memStore) List(_ context.Context, status model.Status) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Position
	for _, r := range s.rows {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) Close() error { return nil }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func niftySpec(side model.Side, entry string) OpenSpec {
	return OpenSpec{
		Instrument: model.Instrument{
			Token:          "43854",
			Symbol:         "NIFTY",
			Strike:         "24000",
			OptionType:     model.OptionCall,
			Expiry:         time.Date(2025, 4, 24, 0, 0, 0, 0, time.UTC),
			LotSize:        75,
			Segment:        "nse_fo",
			InstrumentType: "OPTIDX",
		},
		Side:       side,
		AccountID:  "XJZE1",
		EntryPrice: dec(entry),
	}
}

func newTestLedger(store *memStore, sink notification.Sink) *Ledger {
	l := New(store, sink)
	n := 0
	var mu sync.Mutex
	l.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("ord-%d", n)
	}
	return l
}

func TestOpenBuyPosition(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, nil)

	p, err := l.Open(context.Background(), niftySpec(model.SideBuy, "86.67"))
	require.NoError(t, err)

	assert.Equal(t, "ord-1", p.ID)
	assert.Equal(t, int64(75), p.BuyQty)
	assert.Equal(t, int64(0), p.SellQty)
	assert.True(t, p.BuyAmount.Equal(dec("6500.25")), p.BuyAmount.String())
	assert.True(t, p.SellAmount.IsZero())
	assert.Equal(t, model.StatusOpen, p.Status)
	assert.True(t, p.UnrealizedPnL.IsZero())
	assert.True(t, p.CurrentLTP.Equal(dec("86.67")))
	assert.False(t, p.ExitPrice.Valid)
	assert.False(t, p.RealizedPnL.Valid)
	assert.Nil(t, p.ExitTime)
	assert.Equal(t, "NIFTY25042424000CE", p.TradingSymbol)
	assert.Equal(t, "24 Apr, 2025", p.Expiry)
	assert.Equal(t, 1, l.CountOpen("43854"))

	stored, err := store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, stored.Status)
}

func TestOpenSellPosition(t *testing.T) {
	l := newTestLedger(newMemStore(), nil)
	p, err := l.Open(context.Background(), niftySpec(model.SideSell, "100"))
	require.NoError(t, err)
	assert.Equal(t, int64(75), p.SellQty)
	assert.True(t, p.SellAmount.Equal(dec("7500")))
	assert.True(t, p.BuyAmount.IsZero())
}

func TestOpenPersistenceFailureLeavesNothing(t *testing.T) {
	store := newMemStore()
	store.failOpen = errors.New("disk full")
	l := newTestLedger(store, nil)

	_, err := l.Open(context.Background(), niftySpec(model.SideBuy, "86.67"))
	var perr *model.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "open", perr.Op)
	assert.Equal(t, 0, l.CountOpen("43854"))
	assert.Empty(t, l.OpenPositions())
}

func TestApplyTickMarksToMarket(t *testing.T) {
	store := newMemStore()
	rec := &notification.Recorder{}
	l := newTestLedger(store, rec)
	ctx := context.Background()

	buy, err := l.Open(ctx, niftySpec(model.SideBuy, "86.67"))
	require.NoError(t, err)
	sell, err := l.Open(ctx, niftySpec(model.SideSell, "86.67"))
	require.NoError(t, err)
	otherSpec := niftySpec(model.SideBuy, "50")
	otherSpec.Instrument.Token = "99999"
	other, err := l.Open(ctx, otherSpec)
	require.NoError(t, err)

	l.ApplyTick(ctx, "43854", dec("87.25"), nil)

	got, err := l.Get(ctx, buy.ID)
	require.NoError(t, err)
	assert.True(t, got.UnrealizedPnL.Equal(dec("43.5")), got.UnrealizedPnL.String())
	assert.True(t, got.CurrentLTP.Equal(dec("87.25")))

	got, err = l.Get(ctx, sell.ID)
	require.NoError(t, err)
	assert.True(t, got.UnrealizedPnL.Equal(dec("-43.5")), got.UnrealizedPnL.String())

	got, err = l.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, got.UnrealizedPnL.IsZero(), "other token untouched")

	assert.Len(t, store.marks, 2)
	evs := rec.Events("pnl-update:")
	require.Len(t, evs, 2)
	assert.Equal(t, notification.PnLUpdateChannel(buy.ID), evs[0].Channel)
}

func TestApplyTickRespectsIDFilter(t *testing.T) {
	l := newTestLedger(newMemStore(), nil)
	ctx := context.Background()
	a, _ := l.Open(ctx, niftySpec(model.SideBuy, "10"))
	b, _ := l.Open(ctx, niftySpec(model.SideBuy, "10"))

	l.ApplyTick(ctx, "43854", dec("11"), []string{b.ID, "unknown"})

	ga, _ := l.Get(ctx, a.ID)
	gb, _ := l.Get(ctx, b.ID)
	assert.True(t, ga.UnrealizedPnL.IsZero())
	assert.True(t, gb.UnrealizedPnL.Equal(dec("75")))
}

func TestApplyTickPersistFailureKeepsMemory(t *testing.T) {
	store := newMemStore()
	store.failMark = errors.New("locked")
	l := newTestLedger(store, nil)
	var hookErr error
	l.OnMarkError = func(err error) { hookErr = err }
	ctx := context.Background()

	p, _ := l.Open(ctx, niftySpec(model.SideBuy, "86.67"))
	l.ApplyTick(ctx, "43854", dec("87.25"), nil)

	got, _ := l.Get(ctx, p.ID)
	assert.True(t, got.UnrealizedPnL.Equal(dec("43.5")))
	assert.Error(t, hookErr)
}

func TestSettleScenario(t *testing.T) {
	store := newMemStore()
	rec := &notification.Recorder{}
	l := newTestLedger(store, rec)
	ctx := context.Background()

	p, err := l.Open(ctx, niftySpec(model.SideBuy, "86.67"))
	require.NoError(t, err)
	l.ApplyTick(ctx, "43854", dec("87.25"), nil)

	closed, err := l.Settle(ctx, p.ID, dec("88.50"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Status)
	assert.True(t, closed.RealizedPnL.Valid)
	assert.True(t, closed.RealizedPnL.Decimal.Equal(dec("137.25")), closed.RealizedPnL.Decimal.String())
	assert.True(t, closed.ExitPrice.Decimal.Equal(dec("88.5")))
	assert.NotNil(t, closed.ExitTime)
	assert.True(t, closed.UnrealizedPnL.IsZero())
	assert.Equal(t, 0, l.CountOpen("43854"))

	_, err = l.Settle(ctx, p.ID, dec("90"))
	assert.ErrorIs(t, err, model.ErrAlreadyClosed)

	again, err := l.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, again.RealizedPnL.Decimal.Equal(dec("137.25")))
	assert.True(t, again.ExitPrice.Decimal.Equal(dec("88.5")))

	require.Len(t, rec.Events(notification.ChannelTradeSquaredOff), 1)

	// ticks after settlement leave the closed position alone
	l.ApplyTick(ctx, "43854", dec("95"), []string{p.ID})
	again, _ = l.Get(ctx, p.ID)
	assert.True(t, again.UnrealizedPnL.IsZero())
}

func TestSettleSellPosition(t *testing.T) {
	l := newTestLedger(newMemStore(), nil)
	ctx := context.Background()
	p, _ := l.Open(ctx, niftySpec(model.SideSell, "86.67"))

	closed, err := l.Settle(ctx, p.ID, dec("88.50"))
	require.NoError(t, err)
	assert.True(t, closed.RealizedPnL.Decimal.Equal(dec("-137.25")))
}

func TestSettleUnknown(t *testing.T) {
	l := newTestLedger(newMemStore(), nil)
	_, err := l.Settle(context.Background(), "nope", dec("1"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSettlePersistFailureKeepsPositionOpen(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, nil)
	ctx := context.Background()
	p, _ := l.Open(ctx, niftySpec(model.SideBuy, "86.67"))

	store.failSet = errors.New("io error")
	_, err := l.Settle(ctx, p.ID, dec("88.50"))
	var perr *model.PersistenceError
	require.ErrorAs(t, err, &perr)

	got, _ := l.Get(ctx, p.ID)
	assert.Equal(t, model.StatusOpen, got.Status)
	assert.Equal(t, 1, l.CountOpen("43854"))

	store.failSet = nil
	closed, err := l.Settle(ctx, p.ID, dec("88.50"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Status)
}

func TestConcurrentSettleSucceedsOnce(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store, nil)
	ctx := context.Background()
	p, _ := l.Open(ctx, niftySpec(model.SideBuy, "86.67"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, closed int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Settle(ctx, p.ID, dec("88.50"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrAlreadyClosed):
				closed++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, closed)
}

func TestSettleAdoptsStoredOpenPosition(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	first := newTestLedger(store, nil)
	p, _ := first.Open(ctx, niftySpec(model.SideBuy, "86.67"))

	// a fresh ledger that never restored still settles the stored row
	second := newTestLedger(store, nil)
	closed, err := second.Settle(ctx, p.ID, dec("88.50"))
	require.NoError(t, err)
	assert.True(t, closed.RealizedPnL.Decimal.Equal(dec("137.25")))

	_, err = newTestLedger(store, nil).Settle(ctx, p.ID, dec("88.50"))
	assert.ErrorIs(t, err, model.ErrAlreadyClosed)
}

func TestRestoreLoadsOpenPositions(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	first := newTestLedger(store, nil)
	a, _ := first.Open(ctx, niftySpec(model.SideBuy, "10"))
	b, _ := first.Open(ctx, niftySpec(model.SideBuy, "20"))
	_, err := first.Settle(ctx, b.ID, dec("21"))
	require.NoError(t, err)

	second := newTestLedger(store, nil)
	rows, err := second.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, a.ID, rows[0].ID)
	assert.Equal(t, 1, second.CountOpen("43854"))
}

func TestListOverlaysMarks(t *testing.T) {
	store := newMemStore()
	store.failMark = errors.New("skip persistence")
	l := newTestLedger(store, nil)
	ctx := context.Background()
	p, _ := l.Open(ctx, niftySpec(model.SideBuy, "86.67"))
	l.ApplyTick(ctx, "43854", dec("87.25"), nil)

	rows, err := l.List(ctx, model.StatusOpen)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, p.ID, rows[0].ID)
	assert.True(t, rows[0].UnrealizedPnL.Equal(dec("43.5")))

	_, err = l.List(ctx, "pending")
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestHoldsTracksOpenBook(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(newMemStore(), nil)

	p, err := l.Open(ctx, niftySpec(model.SideBuy, "86.67"))
	require.NoError(t, err)
	assert.True(t, l.Holds(p.ID))
	assert.False(t, l.Holds("unknown"))

	_, err = l.Settle(ctx, p.ID, dec("88.50"))
	require.NoError(t, err)
	assert.False(t, l.Holds(p.ID))
}
