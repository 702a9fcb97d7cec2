package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trust-gate/internal/market"
)

// envelope is the combined-stream wrapper.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTrade struct {
	EventTime int64  `json:"E"`
	ID        int64  `json:"a"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	Maker     *bool  `json:"m"`
}

type bookTicker struct {
	EventTime int64  `json:"E"`
	UpdateID  int64  `json:"u"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
}

type forceOrder struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Side  string `json:"S"`
		Price string `json:"p"`
		Qty   string `json:"q"`
	} `json:"o"`
}

type markPrice struct {
	EventTime int64  `json:"E"`
	Mark      string `json:"p"`
	Index     string `json:"i"`
}

type ticker24h struct {
	EventTime int64  `json:"E"`
	Last      string `json:"c"`
}

// tickerCache merges markPrice and 24h ticker updates into full ticker events.
type tickerCache struct {
	mu    sync.Mutex
	state market.Ticker
}

func (c *tickerCache) merge(mark, index, last decimal.NullDecimal) (market.Ticker, market.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var carried market.Fields
	for _, f := range []struct {
		in   decimal.NullDecimal
		slot *decimal.NullDecimal
		flag market.Fields
	}{
		{mark, &c.state.Mark, market.FieldMark},
		{index, &c.state.Index, market.FieldIndex},
		{last, &c.state.Last, market.FieldLast},
	} {
		switch {
		case f.in.Valid:
			*f.slot = f.in
		case f.slot.Valid:
			carried |= f.flag
		}
	}
	return c.state, carried
}

// decoder turns raw combined-stream frames into market events.
type decoder struct {
	exchange string
	symbol   string
	ticker   *tickerCache
}

func newDecoder(exchange, symbol string) *decoder {
	return &decoder{exchange: exchange, symbol: strings.ToUpper(symbol), ticker: &tickerCache{}}
}

// decode returns no event for frames of unknown streams.
func (d *decoder) decode(raw []byte, ingest time.Time) (market.Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return market.Event{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return market.Event{}, false, nil
	}
	kind := env.Stream
	if i := strings.IndexByte(kind, '@'); i >= 0 {
		kind = kind[i+1:]
	}

	ev := market.Event{Exchange: d.exchange, Symbol: d.symbol, IngestTS: ingest}
	switch kind {
	case "aggTrade":
		var m aggTrade
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return market.Event{}, false, fmt.Errorf("decode aggTrade: %w", err)
		}
		ev.Stream = market.StreamTrades
		ev.ID = strconv.FormatInt(m.ID, 10)
		ev.ExchangeTS = eventTime(m.EventTime, ingest)
		ev.Payload = market.Trade{
			Price: market.ParsePrice(m.Price),
			Size:  market.ParsePrice(m.Qty),
			Side:  takerSide(m.Maker),
		}
	case "bookTicker":
		var m bookTicker
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return market.Event{}, false, fmt.Errorf("decode bookTicker: %w", err)
		}
		ev.Stream = market.StreamOrderbook
		if m.UpdateID > 0 {
			ev.ID = strconv.FormatInt(m.UpdateID, 10)
		}
		ev.ExchangeTS = eventTime(m.EventTime, ingest)
		ev.Payload = market.BookTop{BestBid: market.ParsePrice(m.Bid), BestAsk: market.ParsePrice(m.Ask)}
	case "forceOrder":
		var m forceOrder
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return market.Event{}, false, fmt.Errorf("decode forceOrder: %w", err)
		}
		ev.Stream = market.StreamLiquidations
		ev.ExchangeTS = eventTime(m.EventTime, ingest)
		ev.Payload = market.Liquidation{
			Price: market.ParsePrice(m.Order.Price),
			Size:  market.ParsePrice(m.Order.Qty),
			Side:  market.ParseSide(m.Order.Side),
		}
	case "markPrice", "markPrice@1s":
		var m markPrice
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return market.Event{}, false, fmt.Errorf("decode markPrice: %w", err)
		}
		ev.Stream = market.StreamTicker
		ev.ExchangeTS = eventTime(m.EventTime, ingest)
		ev.Payload, ev.Carried = d.ticker.merge(market.ParsePrice(m.Mark), market.ParsePrice(m.Index), decimal.NullDecimal{})
	case "ticker":
		var m ticker24h
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return market.Event{}, false, fmt.Errorf("decode ticker: %w", err)
		}
		ev.Stream = market.StreamTicker
		ev.ExchangeTS = eventTime(m.EventTime, ingest)
		ev.Payload, ev.Carried = d.ticker.merge(decimal.NullDecimal{}, decimal.NullDecimal{}, market.ParsePrice(m.Last))
	default:
		return market.Event{}, false, nil
	}
	return ev, true, nil
}

func eventTime(ms int64, ingest time.Time) time.Time {
	if ms <= 0 {
		return ingest
	}
	return time.UnixMilli(ms).UTC()
}

// takerSide maps the buyer-is-maker flag onto the aggressor side.
func takerSide(maker *bool) market.Side {
	switch {
	case maker == nil:
		return market.SideUnknown
	case *maker:
		return market.SideSell
	default:
		return market.SideBuy
	}
}

// channels lists the stream names subscribed for one family.
func channels(stream market.Stream, symbol string) []string {
	sym := strings.ToLower(symbol)
	switch stream {
	case market.StreamTrades:
		return []string{sym + "@aggTrade"}
	case market.StreamOrderbook:
		return []string{sym + "@bookTicker"}
	case market.StreamLiquidations:
		return []string{sym + "@forceOrder"}
	case market.StreamTicker:
		return []string{sym + "@markPrice@1s", sym + "@ticker"}
	default:
		return nil
	}
}
