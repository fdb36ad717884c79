package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Mark is a single mark-to-market update for an open position.
type Mark struct {
	ID            string
	CurrentLTP    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	At            time.Time
}

// PositionStore persists positions. Implementations return ErrNotFound for
// unknown ids and must make Insert and Settle all-or-nothing.
type PositionStore interface {
	// Insert persists a newly opened position.
	Insert(ctx context.Context, p *Position) error

	// ApplyMarks records mark-to-market updates for open positions.
	// Rows that are no longer open are left untouched.
	ApplyMarks(ctx context.Context, marks []Mark) error

	// Settle persists the closing fields of p. It fails with
	// ErrAlreadyClosed if the stored row is already closed.
	Settle(ctx context.Context, p *Position) error

	// Get loads one position by id.
	Get(ctx context.Context, id string) (*Position, error)

	// List returns positions newest first. An empty status returns all.
	List(ctx context.Context, status Status) ([]Position, error)

	// Close releases underlying resources.
	Close() error
}
