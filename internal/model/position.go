package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the one-way lifecycle state of a position.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// Position is a paper order: entry locked at creation, marked to market on
// every tick while open, settled exactly once.
//
// Side, quantities and EntryPrice are write-once. ExitPrice, ExitTime and
// RealizedPnL stay null until the position closes.
type Position struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"actId"`
	Segment        string     `json:"exSeg"`
	TradingSymbol  string     `json:"trdSym"`
	Symbol         string     `json:"sym"`
	InstrumentType string     `json:"type"`
	OptionType     OptionType `json:"optTp"`
	Strike         string     `json:"stkPrc"`
	Side           Side       `json:"action"`

	LotSize        int64           `json:"lotSz"`
	BuyQty         int64           `json:"flBuyQty"`
	SellQty        int64           `json:"flSellQty"`
	BuyAmount      decimal.Decimal `json:"buyAmt"`
	SellAmount     decimal.Decimal `json:"sellAmt"`
	CarryBuyQty    int64           `json:"cfBuyQty"`
	CarrySellQty   int64           `json:"cfSellQty"`
	CarryBuyAmount decimal.Decimal `json:"cfBuyAmt"`
	CarrySellAmt   decimal.Decimal `json:"cfSellAmt"`

	Expiry string `json:"expDt"` // ExpiryLayout
	Token  string `json:"tok"`

	EntryTime  time.Time           `json:"entryTime"`
	EntryPrice decimal.Decimal     `json:"entryPrice"`
	ExitTime   *time.Time          `json:"exitTime"`
	ExitPrice  decimal.NullDecimal `json:"exitPrice"`

	Status        Status              `json:"status"`
	CurrentLTP    decimal.Decimal     `json:"currentLTP"`
	UnrealizedPnL decimal.Decimal     `json:"unrealizedPnL"`
	RealizedPnL   decimal.NullDecimal `json:"realizedPnL"`

	LastUpdated time.Time `json:"lastUpdated"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Quantity returns the filled quantity on the position's side.
// Partial square-off is not supported, so this is always the full lot size.
func (p *Position) Quantity() int64 {
	if p.Side == SideBuy {
		return p.BuyQty
	}
	return p.SellQty
}

// IsOpen reports whether the position is still marked to market.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}
