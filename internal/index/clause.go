package index

import (
	"math"
	"strings"

	"github.com/ehr/fhirengine/internal/catalog"
)

// Op is a comparison prefix for ordered parameter types.
type Op string

const (
	Eq Op = "eq"
	Ne Op = "ne"
	Gt Op = "gt"
	Lt Op = "lt"
	Ge Op = "ge"
	Le Op = "le"
	Sa Op = "sa"
	Eb Op = "eb"
	Ap Op = "ap"
)

// ParseOp splits a recognised two-letter prefix from a search value. Values
// without a prefix compare with Eq.
func ParseOp(raw string) (Op, string) {
	if len(raw) >= 2 {
		switch op := Op(raw[:2]); op {
		case Eq, Ne, Gt, Lt, Ge, Le, Sa, Eb, Ap:
			return op, raw[2:]
		}
	}
	return Eq, raw
}

// String modifiers carried on a Clause.
const (
	ModExact    = "exact"
	ModContains = "contains"
	ModText     = "text"
	ModBelow    = "below"
)

const dayMillis = int64(24 * 60 * 60 * 1000)

// Clause is one parsed search value. A resource matches when any of its
// entries for Param satisfies the clause.
type Clause struct {
	Param    string
	Type     catalog.ParamType
	Modifier string

	// token: HasSystem is set when the value contained "|". An empty Code
	// with HasSystem matches any code in System.
	System    string
	HasSystem bool
	Code      string
	// token :text, normalized
	Text string

	// string (normalized, or original for :exact), uri
	Value string

	// date: search range [Low, High)
	Op   Op
	Low  int64
	High int64

	// number, quantity: value and its implicit precision range [NumLow, NumHigh)
	Number  float64
	NumLow  float64
	NumHigh float64

	// quantity: unit constraints. When CanonicalUnit is set, Number and its
	// range are already canonical and compare against Entry.Canonical.
	UnitSystem    string
	UnitCode      string
	CanonicalUnit string

	// reference: any of the keys. An empty Type matches any type with the id.
	Targets []Key
}

// Matches reports whether e satisfies the clause.
func (c Clause) Matches(e Entry) bool {
	if e.Param != c.Param || e.Type != c.Type {
		return false
	}
	switch c.Type {
	case catalog.Token:
		return c.matchToken(e)
	case catalog.String:
		switch c.Modifier {
		case ModExact:
			return e.Value == c.Value
		case ModContains:
			return strings.Contains(e.Norm, c.Value)
		default:
			return strings.HasPrefix(e.Norm, c.Value)
		}
	case catalog.URI:
		if c.Modifier == ModBelow {
			return strings.HasPrefix(e.Value, c.Value)
		}
		return e.Value == c.Value
	case catalog.Date:
		return MatchDate(c.Op, c.Low, c.High, e.Low, e.High)
	case catalog.Number:
		return MatchNumber(c.Op, c.Number, c.NumLow, c.NumHigh, e.Number)
	case catalog.Quantity:
		return c.matchQuantity(e)
	case catalog.Reference:
		for _, k := range c.Targets {
			if k.ID == e.TargetID && (k.Type == "" || k.Type == e.TargetType) {
				return true
			}
		}
	}
	return false
}

func (c Clause) matchToken(e Entry) bool {
	if c.Modifier == ModText {
		return strings.Contains(e.Display, c.Text)
	}
	if c.HasSystem && e.System != c.System {
		return false
	}
	if c.Code == "" {
		return c.HasSystem
	}
	return e.Code == c.Code
}

func (c Clause) matchQuantity(e Entry) bool {
	if c.CanonicalUnit != "" {
		return e.CanonicalUnit == c.CanonicalUnit &&
			MatchNumber(c.Op, c.Number, c.NumLow, c.NumHigh, e.Canonical)
	}
	if c.UnitCode != "" {
		if e.Code != c.UnitCode && e.Unit != c.UnitCode {
			return false
		}
		if c.UnitSystem != "" && e.System != c.UnitSystem {
			return false
		}
	}
	return MatchNumber(c.Op, c.Number, c.NumLow, c.NumHigh, e.Number)
}

// MatchDate applies prefix semantics between the search range [sLow, sHigh)
// and an indexed range [low, high).
func MatchDate(op Op, sLow, sHigh, low, high int64) bool {
	switch op {
	case Ne:
		return !(sLow <= low && high <= sHigh)
	case Gt:
		return high > sHigh
	case Lt:
		return low < sLow
	case Ge:
		return high > sLow
	case Le:
		return low < sHigh
	case Sa:
		return low >= sHigh
	case Eb:
		return high <= sLow
	case Ap:
		wLow, wHigh := ApproxWindow(sLow, sHigh)
		return low < wHigh && high > wLow
	default:
		return sLow <= low && high <= sHigh
	}
}

// ApproxWindow widens a search range for the ap prefix by a tenth of its
// width, and by at least one day.
func ApproxWindow(sLow, sHigh int64) (int64, int64) {
	pad := (sHigh - sLow) / 10
	if pad < dayMillis {
		pad = dayMillis
	}
	return sLow - pad, sHigh + pad
}

// MatchNumber applies prefix semantics to a single value x. Equality uses
// the implicit precision range [lo, hi) of the search value.
func MatchNumber(op Op, v, lo, hi, x float64) bool {
	switch op {
	case Ne:
		return !(lo <= x && x < hi)
	case Gt, Sa:
		return x > v
	case Lt, Eb:
		return x < v
	case Ge:
		return x >= v
	case Le:
		return x <= v
	case Ap:
		return math.Abs(x-v) <= ApproxDelta(v)
	default:
		return lo <= x && x < hi
	}
}

// ApproxDelta is the tolerance of the ap prefix for numbers.
func ApproxDelta(v float64) float64 {
	return math.Abs(v) * 0.1
}
