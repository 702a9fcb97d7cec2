// Package decision combines the trust and hypothesis verdicts into the gate state.
package decision

import (
	"fmt"
	"strings"

	"trust-gate/internal/hypothesis"
	"trust-gate/internal/trust"
)

// State is what a strategy is permitted to do.
type State uint8

const (
	Allowed State = iota
	Restricted
	Halted
)

func (s State) String() string {
	switch s {
	case Allowed:
		return "ALLOWED"
	case Restricted:
		return "RESTRICTED"
	case Halted:
		return "HALTED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ParseState resolves the textual form produced by String.
func ParseState(v string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "ALLOWED":
		return Allowed, nil
	case "RESTRICTED":
		return Restricted, nil
	case "HALTED":
		return Halted, nil
	}
	return Halted, fmt.Errorf("unknown decision state %q", v)
}

// Input is everything the combinator reads for one tick.
type Input struct {
	Trust             trust.State
	TrustReasons      []string
	Hypothesis        hypothesis.State
	HypothesisReasons []string
}

// Result is the decision and the conditions that produced it.
type Result struct {
	State   State
	Reasons []string
}

// Decide is total over every input: HALTED beats RESTRICTED beats ALLOWED.
func Decide(in Input) Result {
	var reasons []string
	collect := func(trustFired, hypothesisFired bool) {
		if trustFired {
			reasons = append(reasons, prefixed("trust", in.Trust.String(), in.TrustReasons)...)
		}
		if hypothesisFired {
			reasons = append(reasons, prefixed("hypothesis", in.Hypothesis.String(), in.HypothesisReasons)...)
		}
	}

	trustHalts := in.Trust == trust.Untrusted
	hypothesisHalts := in.Hypothesis == hypothesis.Invalid
	if trustHalts || hypothesisHalts {
		collect(trustHalts, hypothesisHalts)
		return Result{State: Halted, Reasons: reasons}
	}

	trustRestricts := in.Trust == trust.Degraded
	hypothesisRestricts := in.Hypothesis != hypothesis.Valid
	if trustRestricts || hypothesisRestricts {
		collect(trustRestricts, hypothesisRestricts)
		return Result{State: Restricted, Reasons: reasons}
	}
	return Result{State: Allowed}
}

func prefixed(source, state string, details []string) []string {
	if len(details) == 0 {
		return []string{source + "=" + state}
	}
	out := make([]string, 0, len(details))
	for _, d := range details {
		out = append(out, source+"="+state+" "+d)
	}
	return out
}
