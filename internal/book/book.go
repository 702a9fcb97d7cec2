// Package book maintains a price-level order book from snapshot and delta
// rows and derives its top of book.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trust-gate/internal/market"
)

// Level is one resting price level.
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Update is one level row from a book feed. Consecutive snapshot rows form a
// single snapshot; the first one clears the book.
type Update struct {
	Snapshot bool
	Side     market.Side
	Price    decimal.NullDecimal
	Amount   decimal.NullDecimal
	At       time.Time
}

// Book is an L2 order book bounded to Depth levels per side.
// It is not safe for concurrent use.
type Book struct {
	depth          int
	bids           map[string]Level
	asks           map[string]Level
	snapshotActive bool
	updated        time.Time
}

// New builds an empty book. A depth of zero or less keeps every level.
func New(depth int) *Book {
	return &Book{
		depth: depth,
		bids:  make(map[string]Level),
		asks:  make(map[string]Level),
	}
}

// Apply folds one row into the book. Rows with an unknown side or a missing
// price or amount are ignored and reported as not applied.
func (b *Book) Apply(u Update) bool {
	levels := b.side(u.Side)
	if levels == nil || !u.Price.Valid || !u.Amount.Valid {
		return false
	}

	key := u.Price.Decimal.String()
	if u.Snapshot {
		if !b.snapshotActive {
			b.Clear()
			b.snapshotActive = true
		}
		levels[key] = Level{Price: u.Price.Decimal, Amount: u.Amount.Decimal}
	} else {
		b.snapshotActive = false
		if u.Amount.Decimal.Sign() <= 0 {
			delete(levels, key)
		} else {
			levels[key] = Level{Price: u.Price.Decimal, Amount: u.Amount.Decimal}
		}
	}

	b.trim()
	if u.At.After(b.updated) {
		b.updated = u.At
	}
	return true
}

// Clear removes every level.
func (b *Book) Clear() {
	clear(b.bids)
	clear(b.asks)
}

// Top returns the best bid and ask. A side with no levels is absent.
func (b *Book) Top() market.BookTop {
	var top market.BookTop
	if lvl, ok := best(b.bids, true); ok {
		top.BestBid = market.Price(lvl.Price)
	}
	if lvl, ok := best(b.asks, false); ok {
		top.BestAsk = market.Price(lvl.Price)
	}
	return top
}

// Levels returns one side sorted best first.
func (b *Book) Levels(side market.Side) []Level {
	levels := b.side(side)
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, lvl)
	}
	bids := side == market.SideBuy
	sort.Slice(out, func(i, j int) bool {
		if bids {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// Updated is the latest timestamp applied.
func (b *Book) Updated() time.Time {
	return b.updated
}

func (b *Book) side(s market.Side) map[string]Level {
	switch s {
	case market.SideBuy:
		return b.bids
	case market.SideSell:
		return b.asks
	default:
		return nil
	}
}

// trim drops the levels furthest from the touch once a side exceeds depth.
func (b *Book) trim() {
	if b.depth <= 0 {
		return
	}
	for _, side := range []market.Side{market.SideBuy, market.SideSell} {
		levels := b.side(side)
		if len(levels) <= b.depth {
			continue
		}
		for _, lvl := range b.Levels(side)[b.depth:] {
			delete(levels, lvl.Price.String())
		}
	}
}

func best(levels map[string]Level, highest bool) (Level, bool) {
	var out Level
	found := false
	for _, lvl := range levels {
		if !found || (highest && lvl.Price.GreaterThan(out.Price)) || (!highest && lvl.Price.LessThan(out.Price)) {
			out = lvl
			found = true
		}
	}
	return out, found
}
