package translate

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
)

var integerWidth = map[schema.Kind]int{schema.KindInteger: 1, schema.KindBigInt: 2}

// Narrows reports whether storing src values in a column of type dst loses
// information beyond scaleTolerance fractional digits. The returned string
// says what would be lost. UNKNOWN sources cannot be judged and pass.
func Narrows(src, dst schema.CanonicalType, target db.Dialect, scaleTolerance int) (string, bool) {
	if src.Kind == schema.KindUnknown {
		return "", false
	}
	if src.Kind == schema.KindTimestamp && dst.Kind == schema.KindTimestamp {
		return "", false
	}
	if src.Kind == schema.KindDecimal && dst.Kind == schema.KindDecimal {
		return decimalNarrows(src, dst, scaleTolerance)
	}
	switch schema.Compatible(src, dst, target) {
	case schema.Identical, schema.Widening:
		return "", false
	}

	switch {
	case src.Kind == schema.KindVarchar && dst.Kind == schema.KindVarchar:
		return fmt.Sprintf("VARCHAR(%d) shrinks to VARCHAR(%d)", src.Length, dst.Length), true
	case integerWidth[src.Kind] > 0 && integerWidth[dst.Kind] > 0:
		if integerWidth[dst.Kind] < integerWidth[src.Kind] {
			return fmt.Sprintf("%s shrinks to %s", src.Kind, dst.Kind), true
		}
		return "", false
	}
	return fmt.Sprintf("%s changes family to %s", src, dst), true
}

// decimalNarrows checks that the largest src value survives rounding to dst
// and that at most tolerance fractional digits are dropped.
func decimalNarrows(src, dst schema.CanonicalType, tolerance int) (string, bool) {
	if dst.Precision == 0 {
		return "", false
	}
	if src.Precision == 0 {
		return fmt.Sprintf("unconstrained DECIMAL bounded to %s", dst), true
	}
	if lost := src.Scale - dst.Scale; lost > tolerance {
		return fmt.Sprintf("%s drops %d fractional digits, tolerance is %d", src, lost, tolerance), true
	}
	ceiling := decimalCeiling(src.Precision, src.Scale)
	ctx := apd.BaseContext.WithPrecision(uint32(dst.Precision))
	ctx.Rounding = apd.RoundHalfUp
	var rounded apd.Decimal
	if _, err := ctx.Quantize(&rounded, ceiling, int32(-dst.Scale)); err != nil {
		return fmt.Sprintf("%s overflows %s at %s", src, dst, ceiling), true
	}
	return "", false
}

// decimalCeiling returns the largest value a DECIMAL(p,s) holds,
// 10^(p-s) - 10^-s.
func decimalCeiling(p, s int) *apd.Decimal {
	var out apd.Decimal
	ctx := apd.BaseContext.WithPrecision(uint32(p) + 2)
	_, _ = ctx.Sub(&out, apd.New(1, int32(p-s)), apd.New(1, int32(-s)))
	return &out
}
