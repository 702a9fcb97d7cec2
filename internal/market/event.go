package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payload is the closed set of event bodies. Only the types in this package implement it.
type Payload interface {
	stream() Stream
}

// BookTop is the top of an order book.
type BookTop struct {
	BestBid decimal.NullDecimal
	BestAsk decimal.NullDecimal
}

// Trade is a public trade print.
type Trade struct {
	Price decimal.NullDecimal
	Size  decimal.NullDecimal
	Side  Side
}

// Ticker carries the derivative reference prices.
type Ticker struct {
	Mark  decimal.NullDecimal
	Index decimal.NullDecimal
	Last  decimal.NullDecimal
}

// Liquidation is a forced-order print.
type Liquidation struct {
	Price decimal.NullDecimal
	Size  decimal.NullDecimal
	Side  Side
}

// Fields is a set of ticker price fields.
type Fields uint8

const (
	FieldMark Fields = 1 << iota
	FieldIndex
	FieldLast
)

// Has reports whether every field of f is in the set.
func (s Fields) Has(f Fields) bool {
	return f != 0 && s&f == f
}

func (BookTop) stream() Stream     { return StreamOrderbook }
func (Trade) stream() Stream       { return StreamTrades }
func (Ticker) stream() Stream      { return StreamTicker }
func (Liquidation) stream() Stream { return StreamLiquidations }

// Event is one raw or normalized market-data record.
type Event struct {
	Stream     Stream
	Exchange   string
	Symbol     string
	ID         string
	ExchangeTS time.Time
	IngestTS   time.Time
	Payload    Payload
	// Carried marks ticker fields copied from an earlier event rather than
	// observed in this one. Their values are not evidence of freshness.
	Carried Fields
}

// PayloadStream reports the stream the payload belongs to, and false when the payload is nil.
func (e Event) PayloadStream() (Stream, bool) {
	if e.Payload == nil {
		return 0, false
	}
	return e.Payload.stream(), true
}

func (e Event) String() string {
	return fmt.Sprintf("Event(stream=%s exchange=%s symbol=%s id=%s ts=%s ingest=%s payload=%s)",
		e.Stream, e.Exchange, e.Symbol, e.ID,
		e.ExchangeTS.UTC().Format(time.RFC3339Nano), e.IngestTS.UTC().Format(time.RFC3339Nano),
		describePayload(e.Payload))
}

func describePayload(p Payload) string {
	switch v := p.(type) {
	case BookTop:
		return fmt.Sprintf("book{bid=%s ask=%s}", nullString(v.BestBid), nullString(v.BestAsk))
	case Trade:
		return fmt.Sprintf("trade{price=%s size=%s side=%s}", nullString(v.Price), nullString(v.Size), v.Side)
	case Ticker:
		return fmt.Sprintf("ticker{mark=%s index=%s last=%s}", nullString(v.Mark), nullString(v.Index), nullString(v.Last))
	case Liquidation:
		return fmt.Sprintf("liquidation{price=%s size=%s side=%s}", nullString(v.Price), nullString(v.Size), v.Side)
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T", p)
	}
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "null"
	}
	return d.Decimal.String()
}

// Price wraps a present decimal.
func Price(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// PriceFromFloat is a convenience for tests and simulations.
func PriceFromFloat(f float64) decimal.NullDecimal {
	return Price(decimal.NewFromFloat(f))
}

// ParsePrice parses a textual decimal; empty or malformed input yields an invalid NullDecimal.
func ParsePrice(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return Price(d)
}
