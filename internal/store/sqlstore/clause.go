package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/index"
)

// compile renders the value test of c over search_index columns (alias si).
// It must agree with index.Clause.Matches; the package tests compare the two.
func compile(c index.Clause, a *args) (string, error) {
	switch c.Type {
	case catalog.Token:
		return compileToken(c, a), nil
	case catalog.String:
		switch c.Modifier {
		case index.ModExact:
			return "si.str_value = " + a.add(c.Value), nil
		case index.ModContains:
			return "si.str_norm LIKE " + a.add("%"+escapeLike(c.Value)+"%") + ` ESCAPE '\'`, nil
		default:
			return "si.str_norm LIKE " + a.add(escapeLike(c.Value)+"%") + ` ESCAPE '\'`, nil
		}
	case catalog.URI:
		if c.Modifier == index.ModBelow {
			if c.Value == "" {
				return "1 = 1", nil
			}
			n := utf8.RuneCountInString(c.Value)
			return "substr(si.str_value, 1, " + strconv.Itoa(n) + ") = " + a.add(c.Value), nil
		}
		return "si.str_value = " + a.add(c.Value), nil
	case catalog.Date:
		return compileDate(c, a), nil
	case catalog.Number:
		return compileNumber(c, "si.num_value", a), nil
	case catalog.Quantity:
		return compileQuantity(c, a), nil
	case catalog.Reference:
		if len(c.Targets) == 0 {
			return "1 = 0", nil
		}
		parts := make([]string, len(c.Targets))
		for i, k := range c.Targets {
			if k.Type == "" {
				parts[i] = "si.ref_id = " + a.add(k.ID)
			} else {
				parts[i] = "(si.ref_id = " + a.add(k.ID) + " AND si.ref_type = " + a.add(k.Type) + ")"
			}
		}
		return strings.Join(parts, " OR "), nil
	}
	return "", fmt.Errorf("sqlstore: no SQL form for parameter type %q", c.Type)
}

func compileToken(c index.Clause, a *args) string {
	if c.Modifier == index.ModText {
		return "si.token_display LIKE " + a.add("%"+escapeLike(c.Text)+"%") + ` ESCAPE '\'`
	}
	var parts []string
	if c.HasSystem {
		parts = append(parts, "si.token_system = "+a.add(c.System))
	}
	if c.Code != "" {
		parts = append(parts, "si.token_code = "+a.add(c.Code))
	}
	if len(parts) == 0 {
		return "1 = 0"
	}
	return strings.Join(parts, " AND ")
}

func compileDate(c index.Clause, a *args) string {
	switch c.Op {
	case index.Ne:
		return "NOT (si.date_low >= " + a.add(c.Low) + " AND si.date_high <= " + a.add(c.High) + ")"
	case index.Gt:
		return "si.date_high > " + a.add(c.High)
	case index.Lt:
		return "si.date_low < " + a.add(c.Low)
	case index.Ge:
		return "si.date_high > " + a.add(c.Low)
	case index.Le:
		return "si.date_low < " + a.add(c.High)
	case index.Sa:
		return "si.date_low >= " + a.add(c.High)
	case index.Eb:
		return "si.date_high <= " + a.add(c.Low)
	case index.Ap:
		lo, hi := index.ApproxWindow(c.Low, c.High)
		return "si.date_low < " + a.add(hi) + " AND si.date_high > " + a.add(lo)
	default:
		return "si.date_low >= " + a.add(c.Low) + " AND si.date_high <= " + a.add(c.High)
	}
}

func compileNumber(c index.Clause, col string, a *args) string {
	switch c.Op {
	case index.Ne:
		return "NOT (" + col + " >= " + a.add(c.NumLow) + " AND " + col + " < " + a.add(c.NumHigh) + ")"
	case index.Gt, index.Sa:
		return col + " > " + a.add(c.Number)
	case index.Lt, index.Eb:
		return col + " < " + a.add(c.Number)
	case index.Ge:
		return col + " >= " + a.add(c.Number)
	case index.Le:
		return col + " <= " + a.add(c.Number)
	case index.Ap:
		d := index.ApproxDelta(c.Number)
		return col + " >= " + a.add(c.Number-d) + " AND " + col + " <= " + a.add(c.Number+d)
	default:
		return col + " >= " + a.add(c.NumLow) + " AND " + col + " < " + a.add(c.NumHigh)
	}
}

func compileQuantity(c index.Clause, a *args) string {
	if c.CanonicalUnit != "" {
		return "si.num_canonical_unit = " + a.add(c.CanonicalUnit) + " AND " + compileNumber(c, "si.num_canonical", a)
	}
	var parts []string
	if c.UnitCode != "" {
		code := a.add(c.UnitCode)
		parts = append(parts, "(si.token_code = "+code+" OR si.num_unit = "+code+")")
		if c.UnitSystem != "" {
			parts = append(parts, "si.token_system = "+a.add(c.UnitSystem))
		}
	}
	parts = append(parts, compileNumber(c, "si.num_value", a))
	return strings.Join(parts, " AND ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
