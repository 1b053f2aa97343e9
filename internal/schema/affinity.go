package schema

import (
	"strings"

	"github.com/anbu0809/strata-migrate/internal/db"
)

// affinities lists native types outside the canonical enum whose equivalent
// on every dialect is unambiguous.
var affinities = []struct {
	names  []string
	native map[db.Dialect]string
}{
	{[]string{"double", "double precision", "float8"}, map[db.Dialect]string{db.MySQL: "DOUBLE", db.Postgres: "DOUBLE PRECISION", db.SQLite: "REAL"}},
	{[]string{"real", "float4", "float"}, map[db.Dialect]string{db.MySQL: "FLOAT", db.Postgres: "REAL", db.SQLite: "REAL"}},
	{[]string{"uuid"}, map[db.Dialect]string{db.MySQL: "CHAR(36)", db.Postgres: "UUID", db.SQLite: "TEXT"}},
	{[]string{"time", "time without time zone"}, map[db.Dialect]string{db.MySQL: "TIME", db.Postgres: "TIME", db.SQLite: "TEXT"}},
	{[]string{"year"}, map[db.Dialect]string{db.MySQL: "YEAR", db.Postgres: "SMALLINT", db.SQLite: "INTEGER"}},
}

// AffinityType returns the target spelling of an UNKNOWN native type that
// has a well-known equivalent.
func AffinityType(native string, target db.Dialect) (string, bool) {
	base := baseName(native)
	for _, a := range affinities {
		for _, n := range a.names {
			if n == base {
				v, ok := a.native[target]
				return v, ok
			}
		}
	}
	return "", false
}

// baseName lower-cases a native type and drops its arguments and sign.
func baseName(native string) string {
	n := strings.ToLower(strings.TrimSpace(native))
	if i := strings.IndexByte(n, '('); i >= 0 {
		n = n[:i]
	}
	n = strings.TrimSuffix(strings.TrimSpace(n), " unsigned")
	return strings.Join(strings.Fields(n), " ")
}
