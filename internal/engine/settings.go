// Package engine wires sanitization, alignment and the evaluators into the
// decision pipeline.
package engine

import (
	"fmt"
	"strings"
	"time"

	"trust-gate/internal/align"
	"trust-gate/internal/hypothesis"
	"trust-gate/internal/market"
	"trust-gate/internal/sanitize"
	"trust-gate/internal/trust"
)

// Mode selects when evaluation ticks happen.
type Mode string

const (
	// ModeEvent ticks on every normalized or quarantined event.
	ModeEvent Mode = "event"
	// ModePeriodic ticks when the event clock crosses a period boundary.
	ModePeriodic Mode = "periodic"
)

// ParseMode validates an evaluation mode name.
func ParseMode(v string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(v))) {
	case ModeEvent:
		return ModeEvent, nil
	case ModePeriodic:
		return ModePeriodic, nil
	}
	return "", fmt.Errorf("unknown evaluation mode %q", v)
}

// Config controls tick scheduling.
type Config struct {
	Evaluation Mode          `mapstructure:"evaluation"`
	Period     time.Duration `mapstructure:"period"`
}

// Settings is the immutable configuration of one pipeline.
type Settings struct {
	Instrument market.Instrument
	Sanitizer  sanitize.Config
	Alignment  align.Config
	Trust      trust.Config
	Hypothesis hypothesis.Config
	Engine     Config
}
