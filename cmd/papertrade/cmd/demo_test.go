package cmd

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

func TestDemo_RunsFullLifecycle(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"demo", "--duration", "300ms", "--interval", "50ms", "--action", "sell"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())

	s := out.String()
	assert.Contains(t, s, "trade-executed")
	assert.Contains(t, s, "market-update:43854")
	assert.Contains(t, s, "pnl-update:")
	assert.Contains(t, s, "trade-squared-off")
	assert.Contains(t, s, "Sell NIFTY")
	assert.Contains(t, s, "@ 86.67")
	assert.Contains(t, s, "trades 1  open 0  closed 1")
}

func TestDemo_BadPrice(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"demo", "--price", "abc"})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--price")
	demoPrice = "86.67"
}
