package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	smartconnect "papertrade-v1/pkg/smartconnect"
)

// SmartAPIConfig holds Angel One SmartAPI credentials.
type SmartAPIConfig struct {
	ClientCode   string
	Password     string
	TOTPSecret   string
	ExchangeType int // SmartStream exchange type, e.g. smartconnect.NSE_FO
	StreamURL    string
}

// SmartAPI is an Upstream backed by Angel One SmartAPI. Every Connect
// logs in afresh so a reconnect never reuses an expired feed token.
type SmartAPI struct {
	cfg    SmartAPIConfig
	client *smartconnect.Client
	apiKey string
}

// NewSmartAPI creates the SmartAPI upstream.
func NewSmartAPI(client *smartconnect.Client, apiKey string, cfg SmartAPIConfig) *SmartAPI {
	if cfg.ExchangeType == 0 {
		cfg.ExchangeType = smartconnect.NSE_FO
	}
	return &SmartAPI{cfg: cfg, client: client, apiKey: apiKey}
}

// Connect logs in and opens a SmartStream connection.
func (a *SmartAPI) Connect(ctx context.Context) (Conn, error) {
	sess, err := a.client.Login(ctx, a.cfg.ClientCode, a.cfg.Password, a.cfg.TOTPSecret)
	if err != nil {
		return nil, fmt.Errorf("smartapi login: %w", err)
	}
	s, err := smartconnect.Dial(ctx, smartconnect.StreamConfig{
		URL:        a.cfg.StreamURL,
		APIKey:     a.apiKey,
		ClientCode: a.cfg.ClientCode,
		JWT:        sess.JWT,
		FeedToken:  sess.FeedToken,
		Mode:       smartconnect.ModeLTP,
	})
	if err != nil {
		return nil, err
	}
	return &smartConn{s: s, exchangeType: a.cfg.ExchangeType}, nil
}

// Quote fetches the LTP of token over REST.
func (a *SmartAPI) Quote(ctx context.Context, token string) (decimal.Decimal, error) {
	if a.client.Session().JWT == "" {
		return decimal.Zero, errors.New("smartapi: no session")
	}
	exchange, ok := smartconnect.ExchangeNames[a.cfg.ExchangeType]
	if !ok {
		return decimal.Zero, fmt.Errorf("smartapi: unknown exchange type %d", a.cfg.ExchangeType)
	}
	return a.client.LTP(ctx, exchange, token)
}

type smartConn struct {
	s            *smartconnect.Stream
	exchangeType int
}

func (c *smartConn) Subscribe(token string) error {
	return c.s.Subscribe(c.exchangeType, token)
}

func (c *smartConn) Unsubscribe(token string) error {
	return c.s.Unsubscribe(c.exchangeType, token)
}

func (c *smartConn) ReadTick() (string, decimal.Decimal, error) {
	t, err := c.s.ReadTick()
	if err != nil {
		return "", decimal.Zero, err
	}
	return t.Token, t.LTP, nil
}

func (c *smartConn) Close() error { return c.s.Close() }
