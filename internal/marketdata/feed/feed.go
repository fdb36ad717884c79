// Package feed defines the price-feed contract shared by the live market
// adapter and the synthetic random-walk generator.
package feed

import (
	"context"

	"github.com/shopspring/decimal"
)

// TickFunc receives every new last-traded price for a subscribed token.
// Implementations call it from their own goroutine; it must not block for
// long, and callbacks for different tokens never wait on each other.
type TickFunc func(token string, ltp decimal.Decimal)

// PriceFeed is the single price source used by the trade flow. Exactly one
// implementation is selected at startup.
type PriceFeed interface {
	// CurrentPrice returns the latest known price for token. When nothing
	// is known, seed (if valid) or a synthetic seed price is remembered and
	// returned. It never fails because the upstream is unavailable.
	CurrentPrice(ctx context.Context, token string, seed decimal.NullDecimal) (decimal.Decimal, error)

	// Subscribe registers fn for every future price change of token.
	// A second Subscribe for the same token replaces the callback.
	Subscribe(ctx context.Context, token string, fn TickFunc) error

	// Unsubscribe stops delivery for token and forgets its cached state.
	Unsubscribe(ctx context.Context, token string) error
}
