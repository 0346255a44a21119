package search

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/extract"
	"github.com/ehr/fhirengine/internal/index"
)

// parseValue turns one search value into a clause. mod has already been
// checked against the parameter definition; for reference parameters it
// may be a target type.
func parseValue(def catalog.ParamDef, mod, raw string) (index.Clause, error) {
	c := index.Clause{Param: def.Name, Type: def.Type, Modifier: mod}
	switch def.Type {
	case catalog.Token:
		if mod == index.ModText {
			c.Text = extract.Normalize(raw)
			return c, nil
		}
		if i := strings.Index(raw, "|"); i >= 0 {
			c.HasSystem = true
			c.System, c.Code = raw[:i], raw[i+1:]
			if c.System == "" && c.Code == "" {
				return c, fmt.Errorf("empty token %q", raw)
			}
			return c, nil
		}
		c.Code = raw
		return c, nil

	case catalog.String:
		if mod == index.ModExact {
			c.Value = raw
		} else {
			c.Value = extract.Normalize(raw)
		}
		return c, nil

	case catalog.URI:
		c.Value = raw
		return c, nil

	case catalog.Date:
		op, v := index.ParseOp(raw)
		low, high, err := extract.ParseDateRange(v)
		if err != nil {
			return c, err
		}
		c.Op, c.Low, c.High = op, low, high
		return c, nil

	case catalog.Number:
		op, v := index.ParseOp(raw)
		n, lo, hi, err := parseNumber(v)
		if err != nil {
			return c, err
		}
		c.Op, c.Number, c.NumLow, c.NumHigh = op, n, lo, hi
		return c, nil

	case catalog.Quantity:
		return parseQuantity(c, raw)

	case catalog.Reference:
		c.Modifier = ""
		key, err := parseReferenceValue(def, mod, raw)
		if err != nil {
			return c, err
		}
		c.Targets = []index.Key{key}
		return c, nil
	}
	return c, fmt.Errorf("unsupported parameter type %q", def.Type)
}

// parseNumber returns the value and the half-open range its written
// precision implies: "5.4" covers [5.35, 5.45), "100" covers [99.5, 100.5).
func parseNumber(s string) (float64, float64, float64, error) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, 0, 0, fmt.Errorf("malformed number %q", s)
	}
	mantissa, exp := strings.ToLower(s), 0
	if i := strings.Index(mantissa, "e"); i >= 0 {
		exp, err = strconv.Atoi(mantissa[i+1:])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("malformed number %q", s)
		}
		mantissa = mantissa[:i]
	}
	decimals := 0
	if i := strings.Index(mantissa, "."); i >= 0 {
		decimals = len(mantissa) - i - 1
	}
	half := 0.5 * math.Pow(10, float64(exp-decimals))
	return n, n - half, n + half, nil
}

// parseQuantity reads "[prefix]number[|system|code]". Values in a known UCUM
// unit are canonicalized so that 5.4|mg matches 0.0054|g.
func parseQuantity(c index.Clause, raw string) (index.Clause, error) {
	op, v := index.ParseOp(raw)
	parts := strings.Split(v, "|")
	switch len(parts) {
	case 1, 3:
	default:
		return c, fmt.Errorf("expected number|system|code, got %q", raw)
	}
	n, lo, hi, err := parseNumber(parts[0])
	if err != nil {
		return c, err
	}
	c.Op, c.Number, c.NumLow, c.NumHigh = op, n, lo, hi
	if len(parts) == 1 {
		return c, nil
	}
	c.UnitSystem, c.UnitCode = parts[1], parts[2]
	if c.UnitCode == "" {
		return c, nil
	}
	if cn, unit, ok := extract.Canonicalize(n, c.UnitSystem, c.UnitCode); ok {
		clo, _, _ := extract.Canonicalize(lo, c.UnitSystem, c.UnitCode)
		chi, _, _ := extract.Canonicalize(hi, c.UnitSystem, c.UnitCode)
		c.Number, c.NumLow, c.NumHigh, c.CanonicalUnit = cn, clo, chi, unit
	}
	return c, nil
}

// parseReferenceValue accepts "Type/id", an absolute URL or a bare id. A
// bare id takes its type from the :Type modifier or from a single-target
// definition, and otherwise matches any target type.
func parseReferenceValue(def catalog.ParamDef, typeMod, raw string) (index.Key, error) {
	if strings.Contains(raw, "/") {
		key, ok := extract.ParseReference(raw)
		if !ok {
			return index.Key{}, fmt.Errorf("malformed reference %q", raw)
		}
		if typeMod != "" && key.Type != typeMod {
			return index.Key{}, fmt.Errorf("reference %q does not match :%s", raw, typeMod)
		}
		if !def.AllowsTarget(key.Type) {
			return index.Key{}, fmt.Errorf("%s is not a target of %s", key.Type, def.Name)
		}
		return key, nil
	}
	if raw == "" {
		return index.Key{}, fmt.Errorf("empty reference")
	}
	key := index.Key{ID: raw, Type: typeMod}
	if key.Type == "" && len(def.Targets) == 1 {
		key.Type = def.Targets[0]
	}
	return key, nil
}
