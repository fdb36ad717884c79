package notification

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrade-v1/internal/model"
)

// Channel names. Per-token and per-order channels carry the key after
// the colon.
const (
	ChannelTradeExecuted   = "trade-executed"
	ChannelTradeSquaredOff = "trade-squared-off"

	marketUpdatePrefix = "market-update:"
	pnlUpdatePrefix    = "pnl-update:"
)

// MarketUpdateChannel returns the channel for price ticks of token.
func MarketUpdateChannel(token string) string { return marketUpdatePrefix + token }

// PnLUpdateChannel returns the channel for mark-to-market updates of an order.
func PnLUpdateChannel(orderID string) string { return pnlUpdatePrefix + orderID }

// IsTradeEvent reports whether channel carries a trade lifecycle event
// rather than a per-tick update.
func IsTradeEvent(channel string) bool {
	return channel == ChannelTradeExecuted || channel == ChannelTradeSquaredOff
}

// MatchChannel reports whether channel is selected by filter. A filter
// ending in ':' or '*' matches by prefix; anything else must match exactly.
func MatchChannel(filter, channel string) bool {
	switch {
	case filter == "" || filter == "*":
		return true
	case strings.HasSuffix(filter, "*"):
		return strings.HasPrefix(channel, strings.TrimSuffix(filter, "*"))
	case strings.HasSuffix(filter, ":"):
		return strings.HasPrefix(channel, filter)
	default:
		return channel == filter
	}
}

// Event is one message on a named channel.
type Event struct {
	Channel string    `json:"channel"`
	Payload any       `json:"payload"`
	TS      time.Time `json:"ts"`
}

// TradeExecuted is published once a position has been opened and persisted.
type TradeExecuted struct {
	OrderID    string           `json:"orderId"`
	EntryPrice decimal.Decimal  `json:"entryPrice"`
	Action     model.Side       `json:"action"`
	Symbol     string           `json:"symbol"`
	Strike     string           `json:"strike"`
	OptionType model.OptionType `json:"optionType"`
}

// MarketUpdate is published for every tick delivered to an interested token.
type MarketUpdate struct {
	Token string          `json:"token"`
	LTP   decimal.Decimal `json:"ltp"`
}

// PnLUpdate is published for every open position marked by a tick.
type PnLUpdate struct {
	OrderID       string          `json:"orderId"`
	CurrentLTP    decimal.Decimal `json:"currentLTP"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnL"`
}

// TradeSquaredOff is published once a position has been settled.
type TradeSquaredOff struct {
	OrderID     string          `json:"orderId"`
	ExitPrice   decimal.Decimal `json:"exitPrice"`
	RealizedPnL decimal.Decimal `json:"realizedPnL"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
}

// NewTradeExecuted builds the trade-executed event for p.
func NewTradeExecuted(p *model.Position) Event {
	return Event{
		Channel: ChannelTradeExecuted,
		TS:      time.Now().UTC(),
		Payload: TradeExecuted{
			OrderID:    p.ID,
			EntryPrice: p.EntryPrice,
			Action:     p.Side,
			Symbol:     p.Symbol,
			Strike:     p.Strike,
			OptionType: p.OptionType,
		},
	}
}

// NewMarketUpdate builds the market-update event for token.
func NewMarketUpdate(token string, ltp decimal.Decimal) Event {
	return Event{
		Channel: MarketUpdateChannel(token),
		TS:      time.Now().UTC(),
		Payload: MarketUpdate{Token: token, LTP: ltp},
	}
}

// NewPnLUpdate builds the pnl-update event for a marked position.
func NewPnLUpdate(orderID string, ltp, unrealized decimal.Decimal) Event {
	return Event{
		Channel: PnLUpdateChannel(orderID),
		TS:      time.Now().UTC(),
		Payload: PnLUpdate{OrderID: orderID, CurrentLTP: ltp, UnrealizedPnL: unrealized},
	}
}

// NewTradeSquaredOff builds the trade-squared-off event for a closed position.
func NewTradeSquaredOff(p *model.Position) Event {
	return Event{
		Channel: ChannelTradeSquaredOff,
		TS:      time.Now().UTC(),
		Payload: TradeSquaredOff{
			OrderID:     p.ID,
			ExitPrice:   p.ExitPrice.Decimal,
			RealizedPnL: p.RealizedPnL.Decimal,
			EntryPrice:  p.EntryPrice,
		},
	}
}
