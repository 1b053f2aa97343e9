package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
)

func dec(p, s int) schema.CanonicalType {
	return schema.CanonicalType{Kind: schema.KindDecimal, Precision: p, Scale: s}
}

func TestNarrows(t *testing.T) {
	kind := func(k schema.Kind) schema.CanonicalType { return schema.CanonicalType{Kind: k} }
	varchar := func(n int) schema.CanonicalType { return schema.CanonicalType{Kind: schema.KindVarchar, Length: n} }

	tests := []struct {
		name      string
		src, dst  schema.CanonicalType
		tolerance int
		narrows   bool
	}{
		{"same decimal", dec(10, 2), dec(10, 2), 0, false},
		{"wider decimal", dec(10, 2), dec(12, 4), 0, false},
		{"fewer integer digits", dec(10, 2), dec(8, 2), 0, true},
		{"scale loss beyond tolerance", dec(10, 2), dec(10, 1), 0, true},
		{"scale loss within tolerance", dec(10, 2), dec(10, 1), 1, false},
		{"rounding overflows the integer part", dec(7, 3), dec(6, 2), 1, true},
		{"unconstrained target", dec(38, 10), dec(0, 0), 0, false},
		{"unconstrained source into bounded target", dec(0, 0), dec(38, 10), 0, true},
		{"integer widening", kind(schema.KindInteger), kind(schema.KindBigInt), 0, false},
		{"integer shrinking", kind(schema.KindBigInt), kind(schema.KindInteger), 0, true},
		{"varchar to text", varchar(100), kind(schema.KindText), 0, false},
		{"varchar shrinking", varchar(100), varchar(50), 0, true},
		{"family change", kind(schema.KindText), kind(schema.KindInteger), 0, true},
		{"zone change is not precision loss",
			schema.CanonicalType{Kind: schema.KindTimestamp, WithTimeZone: true}, kind(schema.KindTimestamp), 0, false},
		{"unknown source cannot be judged", schema.CanonicalType{Kind: schema.KindUnknown, Native: "geometry"}, kind(schema.KindText), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, narrows := Narrows(tt.src, tt.dst, db.Postgres, tt.tolerance)
			assert.Equal(t, tt.narrows, narrows, reason)
			if narrows {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestDecimalCeiling(t *testing.T) {
	assert.Equal(t, "99999999.99", decimalCeiling(10, 2).String())
	assert.Equal(t, "999", decimalCeiling(3, 0).String())
}
