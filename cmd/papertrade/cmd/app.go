package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"papertrade-v1/config"
	"papertrade-v1/internal/coordinator"
	"papertrade-v1/internal/gateway"
	"papertrade-v1/internal/ledger"
	"papertrade-v1/internal/marketdata/feed"
	"papertrade-v1/internal/marketdata/live"
	"papertrade-v1/internal/marketdata/synthetic"
	"papertrade-v1/internal/metrics"
	"papertrade-v1/internal/notification"
	"papertrade-v1/internal/subscription"
	redisstore "papertrade-v1/internal/store/redis"
	sqlitestore "papertrade-v1/internal/store/sqlite"
	"papertrade-v1/pkg/smartconnect"
)

// app is the assembled service.
type app struct {
	cfg      *config.Config
	store    *sqlitestore.Store
	redis    *redisstore.Publisher // nil when disabled
	hub      *gateway.Hub
	fanout   *notification.FanOut
	feed     feed.PriceFeed
	ledger   *ledger.Ledger
	registry *subscription.Registry
	coord    *coordinator.Coordinator
	metrics  *metrics.Metrics
	health   *metrics.HealthStatus

	fanoutDone chan struct{}
}

// buildApp wires every component. extra sinks are appended to the fan-out.
// The fan-out and the feed run until ctx is cancelled.
func buildApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, extra ...notification.Sink) (*app, error) {
	a := &app{
		cfg:        cfg,
		metrics:    metrics.NewMetrics(reg),
		health:     metrics.NewHealthStatus(cfg.FeedMode),
		fanoutDone: make(chan struct{}),
	}
	m := a.metrics

	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	log.Printf("[papertrade] sqlite store ready at %s", cfg.SQLitePath)

	// ---- Notification sinks ----
	a.hub = gateway.NewHub()
	a.hub.OnClientCount = func(n int) { m.WSClients.Set(float64(n)) }
	a.hub.OnSlowClient = m.WSSlowClientDrops.Inc

	sinks := []notification.Sink{notification.NewLogSink(true), a.hub}
	names := []string{"log", "ws"}

	if cfg.WebhookURL != "" {
		wh := notification.NewWebhookSink(cfg.WebhookURL)
		wh.OnError = func(err error) { log.Printf("[papertrade] webhook: %v", err) }
		sinks = append(sinks, wh)
		names = append(names, "webhook")
	}
	if cfg.TelegramBotToken != "" {
		tg, err := notification.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf("[papertrade] WARNING: %v (continuing without telegram)", err)
		} else {
			sinks = append(sinks, tg)
			names = append(names, "telegram")
		}
	}
	a.health.SetRedisEnabled(cfg.RedisAddr != "")
	if cfg.RedisAddr != "" {
		pub, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Printf("[papertrade] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			a.redis = pub
			cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
			cb.OnStateChange = func(_, to redisstore.State) {
				m.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					m.RedisCircuitBreakerTrips.Inc()
				}
			}
			bp := redisstore.NewBufferedPublisher(ctx, pub, cb, 10000)
			bp.OnBuffer = m.RedisBufferedEvents.Inc
			bp.OnDrop = func() { m.NotificationDrops.WithLabelValues("redis").Inc() }
			bp.OnFlush = func(n int) { log.Printf("[papertrade] redis recovered, replayed %d events", n) }
			sinks = append(sinks, bp)
			names = append(names, "redis")
		}
	}
	for i, s := range extra {
		sinks = append(sinks, s)
		names = append(names, fmt.Sprintf("extra%d", i))
	}

	a.fanout = notification.NewFanOut(4096, sinks...)
	a.fanout.OnDrop = func(i int, _ string) { m.NotificationDrops.WithLabelValues(names[i]).Inc() }
	go func() {
		defer close(a.fanoutDone)
		a.fanout.Run(ctx)
	}()

	// ---- Price feed ----
	pf, err := a.buildFeed(ctx)
	if err != nil {
		return nil, err
	}
	a.feed = pf

	// ---- Domain ----
	a.ledger = ledger.New(store, a.fanout)
	a.ledger.OnMarks = func(n int) { m.PnLUpdates.Add(float64(n)) }
	a.ledger.OnMarkError = func(error) { m.MarkErrors.Inc() }

	a.registry = subscription.New(pf, a.ledger, a.fanout)
	a.registry.OnUpstream = func(action string, tokens int) {
		m.UpstreamCalls.WithLabelValues(action).Inc()
		m.ActiveSubscriptions.Set(float64(tokens))
	}
	a.registry.OnStaleTick = func(string) { m.TicksDropped.Inc() }
	a.registry.OnDeliverTick = func(string, int) {
		m.TicksDelivered.Inc()
		a.health.SetLastTickTime(time.Now())
	}

	a.coord = coordinator.New(pf, a.ledger, a.registry, a.fanout, coordinator.Defaults{
		AccountID:      cfg.DefaultAccountID,
		Segment:        cfg.DefaultSegment,
		InstrumentType: cfg.DefaultInstrumentType,
	})
	a.coord.OnSubmit = func(err error) {
		if err != nil {
			m.TradeErrors.WithLabelValues("submit").Inc()
			return
		}
		m.TradesOpened.Inc()
		a.updateOpen()
	}
	a.coord.OnSquareOff = func(err error) {
		if err != nil {
			m.TradeErrors.WithLabelValues("square_off").Inc()
			return
		}
		m.TradesClosed.Inc()
		a.updateOpen()
	}

	return a, nil
}

func (a *app) updateOpen() {
	n := len(a.ledger.OpenPositions())
	a.metrics.OpenPositions.Set(float64(n))
	a.health.SetOpenPositions(n)
}

// buildFeed returns the synthetic walk, or the live feed with the walk as
// its fallback.
func (a *app) buildFeed(ctx context.Context) (feed.PriceFeed, error) {
	cfg := a.cfg
	walk := synthetic.New(synthetic.Config{
		Interval: cfg.SyntheticInterval,
		DriftPct: cfg.SyntheticDriftPct,
	})
	if !cfg.Live() {
		log.Printf("[papertrade] synthetic feed (interval=%s drift=%.2f%%)", cfg.SyntheticInterval, cfg.SyntheticDriftPct)
		return walk, nil
	}

	client := smartconnect.NewClient(smartconnect.Config{
		APIKey:          cfg.AngelAPIKey,
		QuotesPerSecond: cfg.QuoteRatePerSec,
	})
	up := live.NewSmartAPI(client, cfg.AngelAPIKey, live.SmartAPIConfig{
		ClientCode:   cfg.AngelClientCode,
		Password:     cfg.AngelPassword,
		TOTPSecret:   cfg.AngelTOTPSecret,
		ExchangeType: cfg.AngelExchangeType,
	})
	lf := live.New(up, walk, live.Config{
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff,
	})
	lf.OnStateChange = func(s live.State, attempt int) {
		a.metrics.FeedState.Set(float64(s))
		a.health.SetFeedState(s.String())
		log.Printf("[papertrade] live feed %s (attempt %d)", s, attempt)
	}
	lf.OnReconnect = a.metrics.FeedReconnects.Inc
	if err := lf.Start(ctx); err != nil {
		return nil, fmt.Errorf("start live feed: %w", err)
	}
	log.Printf("[papertrade] live feed state: %s", lf.State())
	return lf, nil
}

// close waits for queued notifications, then releases the store and Redis.
// ctx passed to buildApp must already be cancelled.
func (a *app) close() {
	select {
	case <-a.fanoutDone:
	case <-time.After(5 * time.Second):
		log.Println("[papertrade] WARNING: notification flush timed out")
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Printf("[papertrade] store close: %v", err)
	}
}
