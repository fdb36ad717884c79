package main

import (
	"os"

	"github.com/shopspring/decimal"

	"papertrade-v1/cmd/papertrade/cmd"
)

func main() {
	decimal.MarshalJSONWithoutQuotes = true
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
