package schema

import "github.com/anbu0809/strata-migrate/internal/db"

// Compatibility classifies a source/target column type pair.
type Compatibility int

const (
	Identical Compatibility = iota
	// Widening means the target holds every source value without loss.
	Widening
	Incompatible
)

func (c Compatibility) String() string {
	switch c {
	case Identical:
		return "identical"
	case Widening:
		return "widening"
	}
	return "incompatible"
}

// integerDigits is the number of decimal digits needed to hold any value of
// the integer kinds.
var integerDigits = map[Kind]int{KindInteger: 10, KindBigInt: 19}

// Compatible decides whether a src column can live in a dst column on the
// target dialect. It is a pure function of its arguments.
func Compatible(src, dst CanonicalType, target db.Dialect) Compatibility {
	if src.Kind == KindDecimal && !DecimalFits(src, target) {
		return Incompatible
	}
	if src.Same(dst) {
		return Identical
	}
	if src.Kind == KindUnknown {
		// A native type with a fixed equivalent counts as identical to it.
		if n, ok := AffinityType(src.Native, target); ok && Canonicalize(target, n).Same(dst) {
			return Identical
		}
	}
	switch src.Kind {
	case KindVarchar:
		if dst.Kind == KindText || (dst.Kind == KindVarchar && dst.Length >= src.Length) {
			return Widening
		}
	case KindDecimal:
		if dst.Kind == KindDecimal && decimalHolds(dst, src.Precision-src.Scale, src.Scale, src.Precision == 0) {
			return Widening
		}
	case KindInteger:
		if dst.Kind == KindBigInt {
			return Widening
		}
		fallthrough
	case KindBigInt:
		if dst.Kind == KindDecimal && decimalHolds(dst, integerDigits[src.Kind], 0, false) {
			return Widening
		}
	case KindBoolean:
		if dst.Kind == KindInteger || dst.Kind == KindBigInt {
			return Widening
		}
	case KindDate:
		if dst.Kind == KindTimestamp {
			return Widening
		}
	case KindJSON:
		if dst.Kind == KindText {
			return Widening
		}
	}
	return Incompatible
}

// DecimalFits reports whether a DECIMAL can be declared on the target at all.
func DecimalFits(t CanonicalType, target db.Dialect) bool {
	maxP, maxS := target.MaxDecimal()
	if t.Precision == 0 {
		// Unconstrained numerics exist only on Postgres and SQLite.
		return target != db.MySQL
	}
	if maxP == 0 {
		return true
	}
	return t.Precision <= maxP && t.Scale <= maxS
}

// decimalHolds reports whether dst keeps intDigits integer digits and scale
// fractional digits.
func decimalHolds(dst CanonicalType, intDigits, scale int, unbounded bool) bool {
	if dst.Precision == 0 {
		return true
	}
	if unbounded {
		return false
	}
	return dst.Scale >= scale && dst.Precision-dst.Scale >= intDigits
}
