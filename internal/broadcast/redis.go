// Package broadcast publishes the latest gate decision to Redis for strategy
// processes: a key holding the current state and a channel announcing changes.
package broadcast

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trust-gate/internal/engine"
	"trust-gate/internal/market"
)

// Config holds the connection and key layout.
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PoolSize   int           `mapstructure:"pool_size"`
	TLSEnabled bool          `mapstructure:"tls_enabled"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// Message is the JSON document stored and published.
type Message struct {
	RunID      string    `json:"run_id"`
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Seq        uint64    `json:"seq"`
	TS         time.Time `json:"ts"`
	Decision   string    `json:"decision"`
	Previous   string    `json:"previous"`
	DataTrust  string    `json:"data_trust"`
	Hypothesis string    `json:"hypothesis"`
	WorstBPS   float64   `json:"worst_bps"`
	Reasons    []string  `json:"reasons,omitempty"`
}

type commander interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher is a sink writing to Redis.
type Publisher struct {
	rdb        commander
	closer     func() error
	key        string
	channel    string
	ttl        time.Duration
	runID      string
	instrument market.Instrument

	lastSet time.Time
}

// Dial connects and pings Redis.
func Dial(ctx context.Context, cfg Config, instrument market.Instrument, runID string) (*Publisher, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	p := newPublisher(rdb, cfg, instrument, runID)
	p.closer = rdb.Close
	return p, nil
}

func newPublisher(rdb commander, cfg Config, instrument market.Instrument, runID string) *Publisher {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "trustgate"
	}
	base := fmt.Sprintf("%s:%s:%s", prefix, instrument.Exchange, instrument.Symbol)
	return &Publisher{
		rdb:        rdb,
		key:        base + ":decision",
		channel:    base + ":decisions",
		ttl:        cfg.TTL,
		runID:      runID,
		instrument: instrument,
	}
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "broadcast" }

// Handle refreshes the decision key on state changes and before its TTL
// lapses, and publishes decision changes.
func (p *Publisher) Handle(ctx context.Context, ev engine.Evaluation) error {
	refresh := p.ttl > 0 && ev.At.Sub(p.lastSet) >= p.ttl/2
	if !ev.Changed && !refresh {
		return nil
	}
	payload, err := json.Marshal(Message{
		RunID:      p.runID,
		Exchange:   p.instrument.Exchange,
		Symbol:     p.instrument.Symbol,
		Seq:        ev.Seq,
		TS:         ev.At,
		Decision:   ev.Decision.String(),
		Previous:   ev.Previous.String(),
		DataTrust:  ev.Trust.String(),
		Hypothesis: ev.Hypothesis.String(),
		WorstBPS:   ev.WorstBPS,
		Reasons:    ev.Reasons,
	})
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	if err := p.rdb.Set(ctx, p.key, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", p.key, err)
	}
	p.lastSet = ev.At
	if ev.DecisionChanged {
		if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
			return fmt.Errorf("redis: publish %s: %w", p.channel, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
