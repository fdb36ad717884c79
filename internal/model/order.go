package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of a paper trade.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// ParseSide normalises BUY/buy/Buy to SideBuy and likewise for sell.
// Anything else is returned unchanged and fails Valid.
func ParseSide(s string) Side {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy
	case "SELL":
		return SideSell
	}
	return Side(s)
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TradeRequest is an incoming trade signal.
type TradeRequest struct {
	Symbol        string `json:"symbol"`
	Strike        string `json:"strike"`
	OptionType    string `json:"optionType"`
	Action        string `json:"action"`
	LotSize       int64  `json:"lotSize"`
	Token         string `json:"contractToken"`
	Expiry        string `json:"expiry"`
	TradingSymbol string `json:"tradingSymbol,omitempty"`

	AccountID      string `json:"accountId,omitempty"`
	Segment        string `json:"exchangeSegment,omitempty"`
	InstrumentType string `json:"instrumentType,omitempty"`

	// InitialPrice seeds the entry price when the feed has no price cached
	// for Token. Intended for deterministic tests and demos.
	InitialPrice decimal.NullDecimal `json:"initialPrice"`
}

// Validate checks required fields in a fixed order and returns the first
// violation. On success it returns the parsed instrument and side.
func (r *TradeRequest) Validate() (Instrument, Side, error) {
	required := []struct {
		name  string
		value string
	}{
		{"symbol", r.Symbol},
		{"strike", r.Strike},
		{"optionType", r.OptionType},
		{"action", r.Action},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return Instrument{}, "", &ValidationError{Field: f.name}
		}
	}
	if r.LotSize == 0 {
		return Instrument{}, "", &ValidationError{Field: "lotSize"}
	}
	if strings.TrimSpace(r.Token) == "" {
		return Instrument{}, "", &ValidationError{Field: "contractToken"}
	}
	if strings.TrimSpace(r.Expiry) == "" {
		return Instrument{}, "", &ValidationError{Field: "expiry"}
	}

	optType := OptionType(strings.ToUpper(strings.TrimSpace(r.OptionType)))
	if !optType.Valid() {
		return Instrument{}, "", &ValidationError{Field: "optionType", Reason: "must be CE or PE"}
	}
	side := ParseSide(r.Action)
	if !side.Valid() {
		return Instrument{}, "", &ValidationError{Field: "action", Reason: "must be Buy or Sell"}
	}
	if r.LotSize < 0 {
		return Instrument{}, "", &ValidationError{Field: "lotSize", Reason: "must be a positive number"}
	}
	expiry, err := ParseExpiry(r.Expiry)
	if err != nil {
		return Instrument{}, "", &ValidationError{Field: "expiry", Reason: err.Error()}
	}
	if r.InitialPrice.Valid && !r.InitialPrice.Decimal.IsPositive() {
		return Instrument{}, "", &ValidationError{Field: "initialPrice", Reason: "must be positive"}
	}

	return Instrument{
		Token:          strings.TrimSpace(r.Token),
		Symbol:         strings.TrimSpace(r.Symbol),
		Strike:         strings.TrimSpace(r.Strike),
		OptionType:     optType,
		Expiry:         expiry,
		LotSize:        r.LotSize,
		Segment:        r.Segment,
		InstrumentType: r.InstrumentType,
	}, side, nil
}
