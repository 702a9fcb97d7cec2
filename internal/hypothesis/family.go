package hypothesis

import (
	"fmt"
	"strings"
)

// Family is one independent price observation the consensus compares.
type Family uint8

const (
	FamilyTrade Family = iota
	FamilyLiquidation
	FamilyOrderbookMid
	FamilyMark
	FamilyIndex
	FamilyLast
)

const numFamilies = 6

var familyNames = [numFamilies]string{
	FamilyTrade:        "trade",
	FamilyLiquidation:  "liquidation",
	FamilyOrderbookMid: "orderbook_mid",
	FamilyMark:         "mark",
	FamilyIndex:        "index",
	FamilyLast:         "last",
}

// Families lists every family in comparison order.
func Families() []Family {
	return []Family{FamilyTrade, FamilyLiquidation, FamilyOrderbookMid, FamilyMark, FamilyIndex, FamilyLast}
}

func (f Family) String() string {
	if int(f) >= numFamilies {
		return fmt.Sprintf("family(%d)", uint8(f))
	}
	return familyNames[f]
}

// ParseFamily resolves a family name such as "orderbook_mid".
func ParseFamily(name string) (Family, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range familyNames {
		if candidate == name {
			return Family(i), nil
		}
	}
	return 0, fmt.Errorf("unknown price family %q", name)
}

// State is the consensus verdict of one tick.
type State uint8

const (
	Weakening State = iota
	Stabilizing
	Valid
	Invalid
)

func (s State) String() string {
	switch s {
	case Weakening:
		return "WEAKENING"
	case Stabilizing:
		return "STABILIZING"
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ParseState resolves the textual form produced by String.
func ParseState(v string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "WEAKENING":
		return Weakening, nil
	case "STABILIZING":
		return Stabilizing, nil
	case "VALID":
		return Valid, nil
	case "INVALID":
		return Invalid, nil
	}
	return Weakening, fmt.Errorf("unknown hypothesis state %q", v)
}
