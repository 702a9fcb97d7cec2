package market

import (
	"fmt"
	"strings"
)

// Stream identifies one market-data stream family.
type Stream uint8

const (
	StreamTrades Stream = iota
	StreamOrderbook
	StreamLiquidations
	StreamTicker
)

// NumStreams is the number of stream families; stream ids index arrays of this size.
const NumStreams = 4

var streamNames = [NumStreams]string{
	StreamTrades:       "trades",
	StreamOrderbook:    "orderbook",
	StreamLiquidations: "liquidations",
	StreamTicker:       "ticker",
}

// Streams lists every stream family in id order.
func Streams() [NumStreams]Stream {
	return [NumStreams]Stream{StreamTrades, StreamOrderbook, StreamLiquidations, StreamTicker}
}

// Valid reports whether s is a known stream id.
func (s Stream) Valid() bool {
	return int(s) < NumStreams
}

func (s Stream) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stream(%d)", uint8(s))
	}
	return streamNames[s]
}

// ParseStream resolves a stream name such as "trades".
func ParseStream(name string) (Stream, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range streamNames {
		if candidate == name {
			return Stream(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stream %q", name)
}

// Side is the aggressor side of a trade or liquidation.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide maps exchange spellings onto Side. Unrecognised input yields SideUnknown.
func ParseSide(v string) Side {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "b", "bid":
		return SideBuy
	case "sell", "s", "ask":
		return SideSell
	default:
		return SideUnknown
	}
}

// Instrument names the venue and contract a gate instance watches.
type Instrument struct {
	Exchange string `mapstructure:"exchange"`
	Symbol   string `mapstructure:"symbol"`
}
