package translate

import (
	"fmt"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
)

// NativeType maps a canonical type to the target's native spelling. The
// second result is false when no direct mapping exists (UNKNOWN, a DECIMAL
// the target cannot declare, zoned timestamps on MySQL).
func NativeType(t schema.CanonicalType, target db.Dialect) (string, bool) {
	switch t.Kind {
	case schema.KindInteger:
		if target == db.MySQL {
			return "INT", true
		}
		return "INTEGER", true
	case schema.KindBigInt:
		return "BIGINT", true
	case schema.KindDecimal:
		if !schema.DecimalFits(t, target) {
			return "", false
		}
		name := "DECIMAL"
		if target == db.Postgres {
			name = "NUMERIC"
		}
		if t.Precision == 0 {
			return "NUMERIC", true
		}
		return fmt.Sprintf("%s(%d,%d)", name, t.Precision, t.Scale), true
	case schema.KindVarchar:
		if max := target.MaxVarchar(); max > 0 && t.Length > max {
			return NativeType(schema.CanonicalType{Kind: schema.KindText}, target)
		}
		return fmt.Sprintf("VARCHAR(%d)", t.Length), true
	case schema.KindText:
		if target == db.MySQL {
			return "LONGTEXT", true
		}
		return "TEXT", true
	case schema.KindBoolean:
		if target == db.MySQL {
			return "TINYINT(1)", true
		}
		return "BOOLEAN", true
	case schema.KindDate:
		return "DATE", true
	case schema.KindTimestamp:
		switch {
		case target == db.MySQL && t.WithTimeZone:
			return "", false
		case target == db.MySQL:
			return "DATETIME(6)", true
		case t.WithTimeZone:
			return "TIMESTAMPTZ", true
		}
		return "TIMESTAMP", true
	case schema.KindBlob:
		switch target {
		case db.MySQL:
			return "LONGBLOB", true
		case db.Postgres:
			return "BYTEA", true
		}
		return "BLOB", true
	case schema.KindJSON:
		if target == db.Postgres {
			return "JSONB", true
		}
		return "JSON", true
	}
	return "", false
}

// Resolution says where a resolved native type came from.
type Resolution string

const (
	ResolvedOverride    Resolution = "override"
	ResolvedPassthrough Resolution = "passthrough"
	ResolvedDirect      Resolution = "direct"
	ResolvedAffinity    Resolution = "affinity"
)

// TypeMapper resolves column types for one dialect pair.
type TypeMapper struct {
	Source    db.Dialect
	Target    db.Dialect
	Overrides *config.TypeOverrides
}

// Resolve returns the target native type for t. ok is false when only the
// translation service can answer.
func (m TypeMapper) Resolve(t schema.CanonicalType) (native string, how Resolution, ok bool) {
	if v, found := m.Overrides.Lookup(m.Target.String(), string(t.Kind), m.Source.String(), t.Native); found {
		return v, ResolvedOverride, true
	}
	if t.Kind == schema.KindUnknown && m.Source == m.Target && t.Native != "" {
		return t.Native, ResolvedPassthrough, true
	}
	if v, found := NativeType(t, m.Target); found {
		return v, ResolvedDirect, true
	}
	if t.Kind == schema.KindUnknown {
		if v, found := schema.AffinityType(t.Native, m.Target); found {
			return v, ResolvedAffinity, true
		}
	}
	return "", "", false
}
