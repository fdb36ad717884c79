package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"papertrade-v1/internal/model"
)

const selectColumns = `
	SELECT id, account_id, segment, trading_symbol, symbol, instrument_type, option_type, strike, side,
	       lot_size, buy_qty, sell_qty, buy_amount, sell_amount,
	       cf_buy_qty, cf_sell_qty, cf_buy_amount, cf_sell_amount,
	       expiry, token, entry_time, entry_price, exit_time, exit_price,
	       status, current_ltp, unrealized_pnl, realized_pnl,
	       last_updated, created_at, updated_at
	FROM paper_orders`

// Get loads one position by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Position, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return p, nil
}

// List returns positions newest first. An empty status returns all.
func (s *Store) List(ctx context.Context, status model.Status) ([]model.Position, error) {
	query := selectColumns
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountOpen returns the number of open rows on token.
func (s *Store) CountOpen(ctx context.Context, token string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paper_orders WHERE token = ? AND status = 'open'`, token).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(sc scanner) (*model.Position, error) {
	var (
		p                                    model.Position
		optType, side, status                string
		entryTime, lastUpd, created, updated string
		exitTime                             sql.NullString
		exitPrice, realized                  decimal.NullDecimal
	)
	err := sc.Scan(
		&p.ID, &p.AccountID, &p.Segment, &p.TradingSymbol, &p.Symbol, &p.InstrumentType, &optType, &p.Strike, &side,
		&p.LotSize, &p.BuyQty, &p.SellQty, &p.BuyAmount, &p.SellAmount,
		&p.CarryBuyQty, &p.CarrySellQty, &p.CarryBuyAmount, &p.CarrySellAmt,
		&p.Expiry, &p.Token, &entryTime, &p.EntryPrice, &exitTime, &exitPrice,
		&status, &p.CurrentLTP, &p.UnrealizedPnL, &realized,
		&lastUpd, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	p.OptionType = model.OptionType(optType)
	p.Side = model.Side(side)
	p.Status = model.Status(status)
	p.ExitPrice = exitPrice
	p.RealizedPnL = realized

	for _, f := range []struct {
		src string
		dst *time.Time
	}{
		{entryTime, &p.EntryTime},
		{lastUpd, &p.LastUpdated},
		{created, &p.CreatedAt},
		{updated, &p.UpdatedAt},
	} {
		t, err := time.Parse(tsLayout, f.src)
		if err != nil {
			return nil, fmt.Errorf("parse time %q: %w", f.src, err)
		}
		*f.dst = t
	}
	if exitTime.Valid {
		t, err := time.Parse(tsLayout, exitTime.String)
		if err != nil {
			return nil, fmt.Errorf("parse exit time: %w", err)
		}
		p.ExitTime = &t
	}
	return &p, nil
}
