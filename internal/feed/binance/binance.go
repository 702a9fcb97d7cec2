// Package binance streams Binance USD-M futures market data over websockets,
// one connection per stream family.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trust-gate/internal/feed"
	"trust-gate/internal/market"
)

const defaultURL = "wss://fstream.binance.com/stream"

// Config holds the websocket settings.
type Config struct {
	URL               string        `mapstructure:"url"`
	Streams           []string      `mapstructure:"streams"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = defaultURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = 60 * time.Second
	}
	return c
}

// Source is the live Binance feed.
type Source struct {
	cfg     Config
	streams []market.Stream
	decoder *decoder
	dialer  websocket.Dialer
	logger  zerolog.Logger
}

// New validates the stream selection for instrument.
func New(cfg Config, instrument market.Instrument, logger zerolog.Logger) (*Source, error) {
	if instrument.Symbol == "" {
		return nil, errors.New("binance feed requires a symbol")
	}
	streams, err := feed.ParseStreams(cfg.Streams)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Source{
		cfg:     cfg,
		streams: streams,
		decoder: newDecoder(instrument.Exchange, instrument.Symbol),
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:  logger.With().Str("component", "binance").Logger(),
	}, nil
}

// Name identifies the source in logs.
func (s *Source) Name() string {
	return "binance:" + s.decoder.symbol
}

// Run keeps one connection per stream family open until ctx is done.
// emit is called concurrently from the connection goroutines.
func (s *Source) Run(ctx context.Context, emit feed.Emit) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, stream := range s.streams {
		g.Go(func() error {
			return s.keepAlive(ctx, stream, emit)
		})
	}
	return g.Wait()
}

// keepAlive reconnects with exponential backoff. A connection that delivered
// data resets the backoff.
func (s *Source) keepAlive(ctx context.Context, stream market.Stream, emit feed.Emit) error {
	logger := s.logger.With().Stringer("stream", stream).Logger()
	url := s.url(stream)
	delay := s.cfg.ReconnectDelay
	for {
		received, err := s.connect(ctx, url, emit)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received > 0 {
			delay = s.cfg.ReconnectDelay
		}
		logger.Warn().Err(err).Int("received", received).Dur("retry_in", delay).Msg("websocket disconnected, reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

func (s *Source) connect(ctx context.Context, url string, emit feed.Emit) (int, error) {
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	s.logger.Info().Str("url", url).Msg("websocket connected")

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	received := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("read: %w", err)
		}
		extend()
		ev, ok, err := s.decoder.decode(raw, time.Now().UTC())
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if !ok {
			continue
		}
		received++
		emit(ev)
	}
}

func (s *Source) url(stream market.Stream) string {
	return s.cfg.URL + "?streams=" + strings.Join(channels(stream, s.decoder.symbol), "/")
}
