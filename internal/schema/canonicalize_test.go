package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anbu0809/strata-migrate/internal/db"
)

func TestCanonicalize(t *testing.T) {
	testCases := []struct {
		dialect db.Dialect
		native  string
		want    string
	}{
		{db.MySQL, "int(11)", "INTEGER"},
		{db.MySQL, "int(10) unsigned", "BIGINT"},
		{db.MySQL, "int unsigned", "BIGINT"},
		{db.MySQL, "bigint(20) unsigned", "DECIMAL(20,0)"},
		{db.MySQL, "tinyint(1)", "BOOLEAN"},
		{db.MySQL, "tinyint(4) unsigned", "INTEGER"},
		{db.MySQL, "bit(1)", "BOOLEAN"},
		{db.MySQL, "varchar(255)", "VARCHAR(255)"},
		{db.MySQL, "char(36)", "VARCHAR(36)"},
		{db.MySQL, "decimal(10,2)", "DECIMAL(10,2)"},
		{db.MySQL, "decimal", "DECIMAL(10,0)"},
		{db.MySQL, "datetime(6)", "TIMESTAMP"},
		{db.MySQL, "longtext", "TEXT"},
		{db.MySQL, "json", "JSON"},
		{db.MySQL, "enum('a','b')", "UNKNOWN(enum('a','b'))"},
		{db.MySQL, "double", "UNKNOWN(double)"},
		{db.Postgres, "integer", "INTEGER"},
		{db.Postgres, "character varying(40)", "VARCHAR(40)"},
		{db.Postgres, "character varying", "TEXT"},
		{db.Postgres, "numeric(12,4)", "DECIMAL(12,4)"},
		{db.Postgres, "numeric", "DECIMAL"},
		{db.Postgres, "timestamp without time zone", "TIMESTAMP"},
		{db.Postgres, "timestamp with time zone", "TIMESTAMP WITH TIME ZONE"},
		{db.Postgres, "timestamp(3) with time zone", "TIMESTAMP WITH TIME ZONE"},
		{db.Postgres, "jsonb", "JSON"},
		{db.Postgres, "bytea", "BLOB"},
		{db.Postgres, "double precision", "UNKNOWN(double precision)"},
		{db.Postgres, "int4[]", "UNKNOWN(int4[])"},
		{db.SQLite, "INTEGER", "INTEGER"},
		{db.SQLite, "DECIMAL(10,2)", "DECIMAL(10,2)"},
		{db.SQLite, "VARCHAR(80)", "VARCHAR(80)"},
		{db.SQLite, "DATETIME", "TIMESTAMP"},
		{db.SQLite, "", "UNKNOWN()"},
		{db.SQLite, "GEOMETRY", "UNKNOWN(GEOMETRY)"},
	}
	for _, tc := range testCases {
		t.Run(string(tc.dialect)+"/"+tc.native, func(t *testing.T) {
			got := Canonicalize(tc.dialect, tc.native)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestCanonicalizeKeepsNativeSpelling(t *testing.T) {
	got := Canonicalize(db.Postgres, "  Point ")
	assert.Equal(t, KindUnknown, got.Kind)
	assert.Equal(t, "Point", got.Native)

	got = Canonicalize(db.MySQL, "VARCHAR(10)")
	assert.Equal(t, "VARCHAR(10)", got.Native)
}
