// Package portfolio holds the PnL sign convention and portfolio-level
// summaries over paper positions.
package portfolio

import (
	"github.com/shopspring/decimal"

	"papertrade-v1/internal/model"
)

var hundred = decimal.NewFromInt(100)

// CalculatePnL returns the profit or loss of qty units entered at entry and
// marked at price.
//
//	Buy:  (price - entry) * qty
//	Sell: (entry - price) * qty
func CalculatePnL(side model.Side, entry, price decimal.Decimal, qty int64) decimal.Decimal {
	q := decimal.NewFromInt(qty)
	if side == model.SideSell {
		return entry.Sub(price).Mul(q)
	}
	return price.Sub(entry).Mul(q)
}

// PercentagePnL returns pnl as a percentage of investment, or zero when
// nothing was invested.
func PercentagePnL(pnl, investment decimal.Decimal) decimal.Decimal {
	if investment.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(investment).Mul(hundred)
}

// Investment returns the amount committed at entry on the position's side.
func Investment(p *model.Position) decimal.Decimal {
	if p.Side == model.SideSell {
		return p.SellAmount
	}
	return p.BuyAmount
}

// PnLSummary aggregates realized and unrealized PnL across positions.
type PnLSummary struct {
	RealizedPnL     decimal.Decimal `json:"realizedPnL"`
	UnrealizedPnL   decimal.Decimal `json:"unrealizedPnL"`
	TotalPnL        decimal.Decimal `json:"totalPnL"`
	TotalTrades     int             `json:"totalTrades"`
	OpenPositions   int             `json:"openPositions"`
	ClosedPositions int             `json:"closedPositions"`
	Winners         int             `json:"winners"`
	Losers          int             `json:"losers"`
}

// Summarize folds positions into a PnLSummary. Open positions contribute
// their last unrealized PnL; closed positions their realized PnL.
func Summarize(positions []model.Position) PnLSummary {
	s := PnLSummary{
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		TotalTrades:   len(positions),
	}
	for i := range positions {
		p := &positions[i]
		if p.IsOpen() {
			s.OpenPositions++
			s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL)
			continue
		}
		s.ClosedPositions++
		if !p.RealizedPnL.Valid {
			continue
		}
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL.Decimal)
		switch p.RealizedPnL.Decimal.Sign() {
		case 1:
			s.Winners++
		case -1:
			s.Losers++
		}
	}
	s.TotalPnL = s.RealizedPnL.Add(s.UnrealizedPnL)
	return s
}
