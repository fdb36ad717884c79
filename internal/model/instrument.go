package model

import (
	"fmt"
	"strings"
	"time"
)

// ExpiryLayout is the display format of a contract expiry, e.g. "24 Apr, 2025".
const ExpiryLayout = "02 Jan, 2006"

// OptionType is CE (call) or PE (put).
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Valid reports whether t is CE or PE.
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// Instrument identifies a single option contract.
type Instrument struct {
	Token          string     `json:"token"`
	Symbol         string     `json:"symbol"`
	Strike         string     `json:"strike"`
	OptionType     OptionType `json:"option_type"`
	Expiry         time.Time  `json:"expiry"`
	LotSize        int64      `json:"lot_size"`
	Segment        string     `json:"segment"`         // nse_fo
	InstrumentType string     `json:"instrument_type"` // OPTIDX, OPTSTK
}

// TradingSymbol returns SYMBOL + YY + MM + DD + STRIKE + OPTIONTYPE,
// e.g. NIFTY25042424000CE.
func (i *Instrument) TradingSymbol() string {
	return TradingSymbol(i.Symbol, i.Strike, i.OptionType, i.Expiry)
}

// TradingSymbol derives an exchange trading symbol. A trailing ".00" on the
// strike is dropped so "24000.00" and "24000" produce the same symbol.
func TradingSymbol(symbol, strike string, optType OptionType, expiry time.Time) string {
	strike = strings.TrimSuffix(strings.TrimSpace(strike), ".00")
	return fmt.Sprintf("%s%s%s%s", symbol, expiry.Format("060102"), strike, optType)
}

// ParseExpiry accepts YYYY-MM-DD, "DD Mon, YYYY" and RFC 3339 timestamps.
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", ExpiryLayout, time.RFC3339, "2 Jan, 2006", "02 Jan 2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised expiry %q", s)
}
