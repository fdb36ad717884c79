// Package smartconnect is a minimal Angel One SmartAPI client: TOTP session
// login, LTP quotes over REST, and the SmartStream tick websocket.
//
// Usage:
//
//	sc := smartconnect.NewClient(smartconnect.Config{APIKey: key})
//	sess, err := sc.Login(ctx, clientCode, password, totpSecret)
//	if err != nil { ... }
//	ltp, err := sc.LTP(ctx, "NFO", "43854")
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultRoot    = "https://apiconnect.angelone.in"
	defaultTimeout = 7 * time.Second

	routeLogin  = "/rest/auth/angelbroking/user/v1/loginByPassword"
	routeLogout = "/rest/secure/angelbroking/user/v1/logout"
	routeQuote  = "/rest/secure/angelbroking/market/v1/quote"
)

// ExchangeNames maps SmartStream exchange types to REST exchange codes.
var ExchangeNames = map[int]string{
	NSE_CM: "NSE",
	NSE_FO: "NFO",
	BSE_CM: "BSE",
	BSE_FO: "BFO",
	MCX_FO: "MCX",
	NCX_FO: "NCDEX",
	CDE_FO: "CDS",
}

// Config configures the REST client.
type Config struct {
	APIKey  string
	RootURL string        // default: https://apiconnect.angelone.in
	Timeout time.Duration // default: 7s

	// QuotesPerSecond limits quote calls. SmartAPI allows 1/s on the
	// quote endpoint for most accounts. Zero means 1.
	QuotesPerSecond float64

	ClientLocalIP  string // default: first non-loopback IPv4
	ClientPublicIP string // default: ClientLocalIP
	ClientMAC      string // default: first interface with a hardware address
}

// Session holds the tokens returned by a successful login.
type Session struct {
	ClientCode   string
	JWT          string
	RefreshToken string
	FeedToken    string
}

// Client is a SmartAPI REST client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	mu      sync.RWMutex
	session Session
}

// APIError is a SmartAPI response with status=false.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartapi: %s (%s, http %d)", e.Message, e.Code, e.Status)
}

// NewClient creates a REST client.
func NewClient(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	cfg.RootURL = strings.TrimRight(cfg.RootURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QuotesPerSecond <= 0 {
		cfg.QuotesPerSecond = 1
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = localIP()
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = cfg.ClientLocalIP
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macAddress()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.QuotesPerSecond), 1),
	}
}

// Session returns the current session tokens.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Login generates a TOTP code from secret and opens a session.
func (c *Client) Login(ctx context.Context, clientCode, password, totpSecret string) (Session, error) {
	code, err := totp.GenerateCode(totpSecret, time.Now())
	if err != nil {
		return Session{}, fmt.Errorf("smartapi: totp: %w", err)
	}
	return c.GenerateSession(ctx, clientCode, password, code)
}

// GenerateSession logs in with a one-time code and stores the session.
func (c *Client) GenerateSession(ctx context.Context, clientCode, password, totpCode string) (Session, error) {
	var data struct {
		JWT          string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	err := c.post(ctx, routeLogin, map[string]any{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totpCode,
	}, &data)
	if err != nil {
		return Session{}, err
	}
	if data.JWT == "" || data.FeedToken == "" {
		return Session{}, errors.New("smartapi: login returned empty tokens")
	}

	sess := Session{
		ClientCode:   clientCode,
		JWT:          strings.TrimPrefix(data.JWT, "Bearer "),
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	return sess, nil
}

// Logout terminates the current session.
func (c *Client) Logout(ctx context.Context) error {
	sess := c.Session()
	if sess.JWT == "" {
		return nil
	}
	err := c.post(ctx, routeLogout, map[string]any{"clientcode": sess.ClientCode}, nil)
	c.mu.Lock()
	c.session = Session{}
	c.mu.Unlock()
	return err
}

// LTP fetches the last traded price of token on exchange (e.g. "NFO").
func (c *Client) LTP(ctx context.Context, exchange, token string) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var data struct {
		Fetched []struct {
			Token string  `json:"symbolToken"`
			LTP   float64 `json:"ltp"`
		} `json:"fetched"`
		Unfetched []any `json:"unfetched"`
	}
	err := c.post(ctx, routeQuote, map[string]any{
		"mode":           "LTP",
		"exchangeTokens": map[string][]string{exchange: {token}},
	}, &data)
	if err != nil {
		return decimal.Zero, err
	}
	for _, f := range data.Fetched {
		if f.Token == token {
			return decimal.NewFromFloat(f.LTP), nil
		}
	}
	return decimal.Zero, fmt.Errorf("smartapi: no quote for %s:%s", exchange, token)
}

type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) post(ctx context.Context, route string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("smartapi: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RootURL+route, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("smartapi: create request: %w", err)
	}
	c.setHeaders(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("smartapi: %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("smartapi: read body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{Code: "decode", Message: err.Error(), Status: resp.StatusCode}
	}
	if !env.Status || resp.StatusCode >= 300 {
		return &APIError{Code: env.ErrorCode, Message: env.Message, Status: resp.StatusCode}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("smartapi: decode data: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(h http.Header) {
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	h.Set("X-ClientLocalIP", c.cfg.ClientLocalIP)
	h.Set("X-ClientPublicIP", c.cfg.ClientPublicIP)
	h.Set("X-MACAddress", c.cfg.ClientMAC)
	h.Set("X-PrivateKey", c.cfg.APIKey)
	if jwt := c.Session().JWT; jwt != "" {
		h.Set("Authorization", "Bearer "+jwt)
	}
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}
