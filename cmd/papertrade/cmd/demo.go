package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"papertrade-v1/config"
	"papertrade-v1/internal/logger"
	"papertrade-v1/internal/model"
	"papertrade-v1/internal/notification"
	"papertrade-v1/internal/portfolio"
)

var (
	demoDuration time.Duration
	demoInterval time.Duration
	demoAction   string
	demoLotSize  int64
	demoToken    string
	demoPrice    string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a NIFTY 24000 CE paper trade against the synthetic feed",
	Long: `Demo executes one paper trade on the synthetic feed with a temporary store,
lets the position be marked to market for a while, squares it off and
prints every event along the way.

Example:
  papertrade demo --duration 5s --interval 250ms --action SELL`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().DurationVarP(&demoDuration, "duration", "d", 3*time.Second, "how long to hold the position")
	demoCmd.Flags().DurationVarP(&demoInterval, "interval", "i", 500*time.Millisecond, "synthetic tick interval")
	demoCmd.Flags().StringVarP(&demoAction, "action", "a", "BUY", "BUY or SELL")
	demoCmd.Flags().Int64Var(&demoLotSize, "lot", 75, "lot size")
	demoCmd.Flags().StringVar(&demoToken, "token", "43854", "contract token")
	demoCmd.Flags().StringVar(&demoPrice, "price", "86.67", "entry price seed")
}

// lockedWriter serialises event lines written from the fan-out worker
// with the command's own output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func runDemo(cmd *cobra.Command, _ []string) error {
	price, err := decimal.NewFromString(demoPrice)
	if err != nil {
		return fmt.Errorf("bad --price: %w", err)
	}
	logger.InitWriter(cmd.ErrOrStderr(), "papertrade-demo", slog.LevelWarn)

	dir, err := os.MkdirTemp("", "papertrade-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	cfg := &config.Config{
		FeedMode:              config.FeedSynthetic,
		SyntheticInterval:     demoInterval,
		SyntheticDriftPct:     0.5,
		SQLitePath:            filepath.Join(dir, "paper_orders.db"),
		DefaultAccountID:      "XJZE1",
		DefaultSegment:        "nse_fo",
		DefaultInstrumentType: "OPTIDX",
	}

	out := &lockedWriter{w: cmd.OutOrStdout()}
	printer := notification.SinkFunc(func(_ context.Context, ev notification.Event) {
		b, _ := json.Marshal(ev.Payload)
		out.printf("%s  %-24s %s\n", ev.TS.Format("15:04:05.000"), ev.Channel, b)
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	a, err := buildApp(ctx, cfg, prometheus.NewRegistry(), printer)
	if err != nil {
		cancel()
		return err
	}
	defer func() {
		cancel()
		a.close()
	}()

	req := model.TradeRequest{
		Symbol:       "NIFTY",
		Strike:       "24000",
		OptionType:   "CE",
		Action:       demoAction,
		LotSize:      demoLotSize,
		Token:        demoToken,
		Expiry:       time.Now().AddDate(0, 1, 0).Format("2006-01-02"),
		InitialPrice: decimal.NewNullDecimal(price),
	}

	out.printf("=== Creating Paper Trade ===\n")
	p, err := a.coord.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	out.printf("order %s: %s %s %d @ %s\n\n", p.ID, p.Side, p.TradingSymbol, p.LotSize, p.EntryPrice.StringFixed(2))

	select {
	case <-time.After(demoDuration):
	case <-ctx.Done():
		return ctx.Err()
	}

	cur, err := a.coord.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	out.printf("\n=== Position ===\nltp %s  unrealized %s\n\n", cur.CurrentLTP.StringFixed(2), cur.UnrealizedPnL.StringFixed(2))

	out.printf("=== Squaring Off ===\n")
	closed, err := a.coord.SquareOff(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("square off: %w", err)
	}
	// let the fan-out print trade-squared-off before the summary
	time.Sleep(50 * time.Millisecond)

	pct := portfolio.PercentagePnL(closed.RealizedPnL.Decimal, portfolio.Investment(closed))
	out.printf("exit %s  realized %s (%s%%)\n\n", closed.ExitPrice.Decimal.StringFixed(2),
		closed.RealizedPnL.Decimal.StringFixed(2), pct.StringFixed(2))

	rows, err := a.coord.List(ctx, "")
	if err != nil {
		return err
	}
	s := portfolio.Summarize(rows)
	out.printf("=== Summary ===\ntrades %d  open %d  closed %d  realized %s\n",
		s.TotalTrades, s.OpenPositions, s.ClosedPositions, s.RealizedPnL.StringFixed(2))
	return nil
}
