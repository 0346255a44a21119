package extract

// UCUMSystem is the unit system quantities are canonicalized within.
const UCUMSystem = "http://unitsofmeasure.org"

type unitFactor struct {
	base   string
	factor float64
}

// ucumUnits maps known UCUM codes to their base unit. Only this subset is
// canonicalized; quantities in other units keep their raw value.
var ucumUnits = map[string]unitFactor{
	// mass
	"kg": {"g", 1e3},
	"g":  {"g", 1},
	"mg": {"g", 1e-3},
	"ug": {"g", 1e-6},
	"ng": {"g", 1e-9},
	// volume
	"L":  {"L", 1},
	"l":  {"L", 1},
	"dL": {"L", 1e-1},
	"mL": {"L", 1e-3},
	"uL": {"L", 1e-6},
	// length
	"km":     {"m", 1e3},
	"m":      {"m", 1},
	"cm":     {"m", 1e-2},
	"mm":     {"m", 1e-3},
	"[in_i]": {"m", 0.0254},
	// time
	"ms":  {"s", 1e-3},
	"s":   {"s", 1},
	"min": {"s", 60},
	"h":   {"s", 3600},
	"d":   {"s", 86400},
	"wk":  {"s", 604800},
	// amount of substance
	"mol":  {"mol", 1},
	"mmol": {"mol", 1e-3},
	"umol": {"mol", 1e-6},
	// concentrations
	"g/L":    {"g/L", 1},
	"g/dL":   {"g/L", 10},
	"mg/dL":  {"g/L", 1e-2},
	"mg/L":   {"g/L", 1e-3},
	"mol/L":  {"mol/L", 1},
	"mmol/L": {"mol/L", 1e-3},
	"umol/L": {"mol/L", 1e-6},
	// dimensionless and pressure
	"%":      {"%", 1},
	"mm[Hg]": {"mm[Hg]", 1},
}

// Canonicalize converts value in unit code to the base unit of its
// dimension. ok is false for unknown units and for non-UCUM systems.
func Canonicalize(value float64, system, code string) (float64, string, bool) {
	if system != "" && system != UCUMSystem {
		return 0, "", false
	}
	u, ok := ucumUnits[code]
	if !ok {
		return 0, "", false
	}
	return value * u.factor, u.base, true
}
