package trust

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// State is the data-quality verdict of one tick.
type State uint8

const (
	Trusted State = iota
	Degraded
	Untrusted
)

func (s State) String() string {
	switch s {
	case Trusted:
		return "TRUSTED"
	case Degraded:
		return "DEGRADED"
	case Untrusted:
		return "UNTRUSTED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ParseState resolves the textual form produced by String.
func ParseState(v string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "TRUSTED":
		return Trusted, nil
	case "DEGRADED":
		return Degraded, nil
	case "UNTRUSTED":
		return Untrusted, nil
	}
	return Trusted, fmt.Errorf("unknown trust state %q", v)
}

// Condition is one threshold that fired.
type Condition struct {
	Scope  string
	Signal string
	Tier   State
	Value  float64
	Limit  float64
	Op     string
}

func (c Condition) String() string {
	if c.Op == "" {
		return c.Scope + ":" + c.Signal
	}
	return c.Scope + ":" + c.Signal + "=" + formatValue(c.Value) + c.Op + formatValue(c.Limit)
}

func formatValue(v float64) string {
	r := math.Round(v*1000) / 1000
	if r == math.Trunc(r) && math.Abs(r) < 1e15 {
		return strconv.FormatFloat(r, 'f', 1, 64)
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// Assessment is the outcome of one evaluation.
type Assessment struct {
	State      State
	Conditions []Condition
}

// Deciding returns the conditions of the tier that set the state.
func (a Assessment) Deciding() []Condition {
	var out []Condition
	for _, c := range a.Conditions {
		if c.Tier == a.State {
			out = append(out, c)
		}
	}
	return out
}

// Reasons renders the conditions of the deciding tier.
func (a Assessment) Reasons() []string {
	deciding := a.Deciding()
	out := make([]string, 0, len(deciding))
	for _, c := range deciding {
		out = append(out, c.String())
	}
	return out
}
