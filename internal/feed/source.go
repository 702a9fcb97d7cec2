// Package feed defines the market-data sources that drive the gate.
package feed

import (
	"context"
	"errors"
	"fmt"

	"trust-gate/internal/market"
)

// ErrUnsupportedStream is returned when a source is asked for a stream it cannot produce.
var ErrUnsupportedStream = errors.New("unsupported stream")

// Emit hands one normalized event to the pipeline. Sources with several
// connections call it concurrently.
type Emit func(market.Event)

// Source produces market events until its input is exhausted or ctx is done.
type Source interface {
	Name() string
	Run(ctx context.Context, emit Emit) error
}

// ParseStreams resolves stream names. An empty list selects every stream.
func ParseStreams(names []string) ([]market.Stream, error) {
	if len(names) == 0 {
		all := market.Streams()
		return all[:], nil
	}
	seen := make(map[market.Stream]bool, len(names))
	out := make([]market.Stream, 0, len(names))
	for _, name := range names {
		s, err := market.ParseStream(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedStream, name)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}
