/*
units.go - Unit normalization into canonical liters and kilograms

PURPOSE:

	Converts any (value, unit) pair the cellar floor produces into the single
	canonical unit all ledger arithmetic runs in: liters for volume, kilograms
	for mass. Pure functions over an immutable conversion table; no process
	state, no hidden defaults.

THE BUSHEL PROBLEM:

	The same surface token resolves to different factors depending on
	dimension. A bushel of juice is a liquid measure (~35.24 L); a bushel of
	apples is a weight (~19.05 kg). Callers must say which dimension they
	mean; the normalizer never guesses.

FAILURE MODE:

	Unknown units fail with *ValidationError. They never pass through
	unconverted - a silently-wrong liter count is worse than a rejection.
*/
package ledger

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIMENSIONS AND UNITS
// =============================================================================

type Dimension string

const (
	DimensionVolume Dimension = "volume"
	DimensionMass   Dimension = "mass"
)

type Unit string

const (
	UnitLiters  Unit = "l"
	UnitGallons Unit = "gal"
	UnitBushels Unit = "bushel"
	UnitKg      Unit = "kg"
	UnitLb      Unit = "lb"
)

// Conversion factors to the canonical unit of each dimension.
var (
	volumeFactors = map[Unit]decimal.Decimal{
		UnitLiters:  decimal.RequireFromString("1"),
		UnitGallons: decimal.RequireFromString("3.785411784"),
		UnitBushels: decimal.RequireFromString("35.2391"), // bushel as liquid
	}
	massFactors = map[Unit]decimal.Decimal{
		UnitKg:      decimal.RequireFromString("1"),
		UnitLb:      decimal.RequireFromString("0.45359237"),
		UnitBushels: decimal.RequireFromString("19.05"), // bushel as weight
	}

	unitAliases = map[string]Unit{
		"l":       UnitLiters,
		"liter":   UnitLiters,
		"liters":  UnitLiters,
		"litre":   UnitLiters,
		"litres":  UnitLiters,
		"gal":     UnitGallons,
		"gallon":  UnitGallons,
		"gallons": UnitGallons,
		"bu":      UnitBushels,
		"bushel":  UnitBushels,
		"bushels": UnitBushels,
		"kg":      UnitKg,
		"kgs":     UnitKg,
		"lb":      UnitLb,
		"lbs":     UnitLb,
		"pound":   UnitLb,
		"pounds":  UnitLb,
	}
)

// ParseUnit resolves a surface token ("Gallons", "lbs") to a Unit.
func ParseUnit(token string) (Unit, error) {
	u, ok := unitAliases[strings.ToLower(strings.TrimSpace(token))]
	if !ok {
		return "", &ValidationError{
			Field:   "unit",
			Message: "unknown unit " + strconv.Quote(token),
		}
	}
	return u, nil
}

func factorsFor(dim Dimension) (map[Unit]decimal.Decimal, error) {
	switch dim {
	case DimensionVolume:
		return volumeFactors, nil
	case DimensionMass:
		return massFactors, nil
	default:
		return nil, &ValidationError{
			Field:   "dimension",
			Message: "unknown dimension " + strconv.Quote(string(dim)),
		}
	}
}

// =============================================================================
// CONVERSION
// =============================================================================

// ToCanonical converts (value, unit) into the canonical unit of the
// dimension: liters for volume, kilograms for mass.
func ToCanonical(value decimal.Decimal, unit Unit, dim Dimension) (decimal.Decimal, error) {
	factors, err := factorsFor(dim)
	if err != nil {
		return decimal.Zero, err
	}
	factor, ok := factors[unit]
	if !ok {
		return decimal.Zero, &ValidationError{
			Field:   "unit",
			Message: "unit " + strconv.Quote(string(unit)) + " is not a " + string(dim) + " unit",
		}
	}
	return value.Mul(factor), nil
}

// FromCanonical converts a canonical value back into a target unit.
// Round-trip safe: FromCanonical(ToCanonical(v, u), u) == v within
// floating-point tolerance.
func FromCanonical(canonical decimal.Decimal, unit Unit, dim Dimension) (decimal.Decimal, error) {
	factors, err := factorsFor(dim)
	if err != nil {
		return decimal.Zero, err
	}
	factor, ok := factors[unit]
	if !ok {
		return decimal.Zero, &ValidationError{
			Field:   "unit",
			Message: "unit " + strconv.Quote(string(unit)) + " is not a " + string(dim) + " unit",
		}
	}
	return canonical.DivRound(factor, 12), nil
}

// LitersToGallons is the regulatory direction: proof-gallon math runs in
// US gallons.
func LitersToGallons(l decimal.Decimal) decimal.Decimal {
	return l.DivRound(volumeFactors[UnitGallons], 12)
}
