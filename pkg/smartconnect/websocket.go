package smartconnect

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	RootURI           = "wss://smartapisocket.angelone.in/smart-stream"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second
)

// Subscription actions, modes and exchange types.
const (
	SubscribeAction   = 1
	UnsubscribeAction = 0

	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3

	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

// minimum length of an LTP-mode packet
const ltpPacketLen = 51

// ErrStreamClosed is returned by ReadTick after Close.
var ErrStreamClosed = errors.New("smartconnect: stream closed")

// StreamConfig configures a SmartStream connection.
type StreamConfig struct {
	URL        string // default: RootURI
	APIKey     string
	ClientCode string
	JWT        string
	FeedToken  string

	// Mode for subscriptions; only ModeLTP is parsed. Default ModeLTP.
	Mode int
	// Heartbeat is the ping interval. Default HeartBeatInterval.
	Heartbeat time.Duration
}

// Tick is one parsed SmartStream LTP packet.
type Tick struct {
	Mode         int
	ExchangeType int
	Token        string
	Seq          int64
	ExchangeTS   time.Time
	LTP          decimal.Decimal
}

type tokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type streamRequest struct {
	CorrelationID string `json:"correlationID"`
	Action        int    `json:"action"`
	Params        struct {
		Mode      int         `json:"mode"`
		TokenList []tokenList `json:"tokenList"`
	} `json:"params"`
}

// Stream is a single SmartStream websocket connection. ReadTick must be
// called from one goroutine; Subscribe, Unsubscribe and Close are safe
// for concurrent use.
type Stream struct {
	cfg  StreamConfig
	conn *websocket.Conn

	writeMu sync.Mutex
	seq     int

	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a SmartStream connection and starts its heartbeat.
func Dial(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	if cfg.URL == "" {
		cfg.URL = RootURI
	}
	if cfg.Mode == 0 {
		cfg.Mode = ModeLTP
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = HeartBeatInterval
	}
	if cfg.JWT == "" || cfg.FeedToken == "" {
		return nil, errors.New("smartconnect: stream requires jwt and feed token")
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+cfg.JWT)
	h.Set("x-api-key", cfg.APIKey)
	h.Set("x-client-code", cfg.ClientCode)
	h.Set("x-feed-token", cfg.FeedToken)

	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := d.DialContext(ctx, cfg.URL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("smartconnect: dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("smartconnect: dial: %w", err)
	}

	s := &Stream{cfg: cfg, conn: conn, done: make(chan struct{})}
	go s.heartbeatLoop()
	return s, nil
}

// Subscribe adds tokens on exchangeType to the stream.
func (s *Stream) Subscribe(exchangeType int, tokens ...string) error {
	return s.send(SubscribeAction, exchangeType, tokens)
}

// Unsubscribe removes tokens on exchangeType from the stream.
func (s *Stream) Unsubscribe(exchangeType int, tokens ...string) error {
	return s.send(UnsubscribeAction, exchangeType, tokens)
}

func (s *Stream) send(action, exchangeType int, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.seq++
	var req streamRequest
	req.CorrelationID = fmt.Sprintf("pt%08d", s.seq)
	req.Action = action
	req.Params.Mode = s.cfg.Mode
	req.Params.TokenList = []tokenList{{ExchangeType: exchangeType, Tokens: tokens}}

	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// ReadTick blocks until the next LTP packet. Heartbeat replies and
// packets in other modes are skipped.
func (s *Stream) ReadTick() (Tick, error) {
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return Tick{}, ErrStreamClosed
			default:
			}
			return Tick{}, err
		}
		if mt == websocket.TextMessage {
			if string(msg) == "pong" {
				continue
			}
			log.Printf("[smartconnect] text frame: %s", msg)
			continue
		}
		t, err := ParseTick(msg)
		if err != nil {
			log.Printf("[smartconnect] parse: %v", err)
			continue
		}
		return t, nil
	}
}

// Close stops the heartbeat and closes the connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) heartbeatLoop() {
	t := time.NewTicker(s.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, []byte(HeartBeatMessage))
			s.writeMu.Unlock()
			if err != nil {
				log.Printf("[smartconnect] heartbeat: %v", err)
				return
			}
		}
	}
}

// ParseTick decodes the LTP section of a binary SmartStream packet.
// Prices arrive in paise as little-endian int64.
func ParseTick(b []byte) (Tick, error) {
	if len(b) < ltpPacketLen {
		return Tick{}, fmt.Errorf("short packet: %d bytes", len(b))
	}
	token := b[2:27]
	if i := bytes.IndexByte(token, 0); i >= 0 {
		token = token[:i]
	}
	if len(token) == 0 {
		return Tick{}, errors.New("empty token")
	}
	return Tick{
		Mode:         int(b[0]),
		ExchangeType: int(b[1]),
		Token:        string(token),
		Seq:          int64(binary.LittleEndian.Uint64(b[27:35])),
		ExchangeTS:   time.UnixMilli(int64(binary.LittleEndian.Uint64(b[35:43]))),
		LTP:          decimal.New(int64(binary.LittleEndian.Uint64(b[43:51])), -2),
	}, nil
}
