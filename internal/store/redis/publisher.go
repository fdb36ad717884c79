// Package redis publishes paper-trading events to Redis: Pub/Sub for live
// consumers, a capped stream of trade events, and the latest LTP per token.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"papertrade-v1/internal/notification"
)

const (
	keyPrefix        = "pt:"
	tradeStream      = keyPrefix + "trades"
	tradeStreamLen   = 10000
	defaultLatestTTL = 30 * time.Minute
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes events to Redis.
type Publisher struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client}, nil
}

// PubSubChannel is the Redis channel an event channel is published on.
func PubSubChannel(channel string) string { return keyPrefix + channel }

// LatestKey is the key holding the last LTP of token.
func LatestKey(token string) string { return keyPrefix + "ltp:" + token }

func encode(ev notification.Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("redis: marshal %s: %w", ev.Channel, err)
	}
	return string(b), nil
}

// Send writes ev in one pipeline:
//   - PUBLISH on pt:<channel>
//   - SET pt:ltp:<token> for market updates
//   - XADD pt:trades for trade lifecycle events
func (p *Publisher) Send(ctx context.Context, ev notification.Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, PubSubChannel(ev.Channel), data)

	if mu, ok := ev.Payload.(notification.MarketUpdate); ok {
		pipe.Set(ctx, LatestKey(mu.Token), mu.LTP.String(), defaultLatestTTL)
	}
	if notification.IsTradeEvent(ev.Channel) {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: tradeStream,
			MaxLen: tradeStreamLen,
			Approx: true,
			Values: map[string]interface{}{"event": ev.Channel, "data": data},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", ev.Channel, err)
	}
	return nil
}

// Publish implements notification.Sink; errors are logged.
func (p *Publisher) Publish(ctx context.Context, ev notification.Event) {
	if err := p.Send(ctx, ev); err != nil {
		log.Printf("[redis] %v", err)
	}
}

// LatestLTP returns the last published LTP of token, if any.
func (p *Publisher) LatestLTP(ctx context.Context, token string) (string, bool, error) {
	v, err := p.client.Get(ctx, LatestKey(token)).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Subscribe delivers every event published under pattern (an event
// channel filter such as "pnl-update:*") to fn until ctx is cancelled.
func (p *Publisher) Subscribe(ctx context.Context, pattern string, fn func(channel string, payload []byte)) error {
	if pattern == "" {
		pattern = "*"
	} else if strings.HasSuffix(pattern, ":") {
		pattern += "*"
	}
	ps := p.client.PSubscribe(ctx, PubSubChannel(pattern))
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(strings.TrimPrefix(msg.Channel, keyPrefix), []byte(msg.Payload))
		}
	}
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
