// Package sqlite persists paper positions to a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"papertrade-v1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// tsLayout is fixed-width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/paper_orders.db"
}

// Store is a model.PositionStore on SQLite. A single connection serializes
// writers; statements are short so readers never wait long.
type Store struct {
	db *sql.DB
}

var _ model.PositionStore = (*Store)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS paper_orders (
			id              TEXT    PRIMARY KEY,
			account_id      TEXT    NOT NULL,
			segment         TEXT    NOT NULL,
			trading_symbol  TEXT    NOT NULL,
			symbol          TEXT    NOT NULL,
			instrument_type TEXT    NOT NULL,
			option_type     TEXT    NOT NULL,
			strike          TEXT    NOT NULL,
			side            TEXT    NOT NULL,
			lot_size        INTEGER NOT NULL,
			buy_qty         INTEGER NOT NULL DEFAULT 0,
			sell_qty        INTEGER NOT NULL DEFAULT 0,
			buy_amount      TEXT    NOT NULL DEFAULT '0',
			sell_amount     TEXT    NOT NULL DEFAULT '0',
			cf_buy_qty      INTEGER NOT NULL DEFAULT 0,
			cf_sell_qty     INTEGER NOT NULL DEFAULT 0,
			cf_buy_amount   TEXT    NOT NULL DEFAULT '0',
			cf_sell_amount  TEXT    NOT NULL DEFAULT '0',
			expiry          TEXT    NOT NULL,
			token           TEXT    NOT NULL,
			entry_time      TEXT    NOT NULL,
			entry_price     TEXT    NOT NULL,
			exit_time       TEXT,
			exit_price      TEXT,
			status          TEXT    NOT NULL,
			current_ltp     TEXT    NOT NULL,
			unrealized_pnl  TEXT    NOT NULL DEFAULT '0',
			realized_pnl    TEXT,
			last_updated    TEXT    NOT NULL,
			created_at      TEXT    NOT NULL,
			updated_at      TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_paper_orders_token ON paper_orders(token, status);
		CREATE INDEX IF NOT EXISTS idx_paper_orders_status ON paper_orders(status, created_at);
	`)
	return err
}

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

// Insert persists a newly opened position.
func (s *Store) Insert(ctx context.Context, p *model.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_orders (
			id, account_id, segment, trading_symbol, symbol, instrument_type, option_type, strike, side,
			lot_size, buy_qty, sell_qty, buy_amount, sell_amount,
			cf_buy_qty, cf_sell_qty, cf_buy_amount, cf_sell_amount,
			expiry, token, entry_time, entry_price, exit_time, exit_price,
			status, current_ltp, unrealized_pnl, realized_pnl,
			last_updated, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.Segment, p.TradingSymbol, p.Symbol, p.InstrumentType, string(p.OptionType), p.Strike, string(p.Side),
		p.LotSize, p.BuyQty, p.SellQty, p.BuyAmount, p.SellAmount,
		p.CarryBuyQty, p.CarrySellQty, p.CarryBuyAmount, p.CarrySellAmt,
		p.Expiry, p.Token, ts(p.EntryTime), p.EntryPrice, nullTime(p.ExitTime), p.ExitPrice,
		string(p.Status), p.CurrentLTP, p.UnrealizedPnL, p.RealizedPnL,
		ts(p.LastUpdated), ts(p.CreatedAt), ts(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", p.ID, err)
	}
	return nil
}

// ApplyMarks updates the mark of every still-open row in one transaction.
func (s *Store) ApplyMarks(ctx context.Context, marks []model.Mark) error {
	if len(marks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE paper_orders
		SET current_ltp = ?, unrealized_pnl = ?, last_updated = ?, updated_at = ?
		WHERE id = ? AND status = 'open'`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range marks {
		at := ts(m.At)
		if _, err := stmt.ExecContext(ctx, m.CurrentLTP, m.UnrealizedPnL, at, at, m.ID); err != nil {
			return fmt.Errorf("mark %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Settle writes the closing fields of p if the stored row is still open.
func (s *Store) Settle(ctx context.Context, p *model.Position) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE paper_orders
		SET status = ?, exit_price = ?, exit_time = ?, realized_pnl = ?,
		    current_ltp = ?, unrealized_pnl = ?, last_updated = ?, updated_at = ?
		WHERE id = ? AND status = 'open'`,
		string(p.Status), p.ExitPrice, nullTime(p.ExitTime), p.RealizedPnL,
		p.CurrentLTP, p.UnrealizedPnL, ts(p.LastUpdated), ts(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("settle %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM paper_orders WHERE id = ?`, p.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return model.ErrAlreadyClosed
}

// Close closes the database.
func (s *Store) Close() error {
	log.Println("[sqlite] closing database")
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts(*t), Valid: true}
}
