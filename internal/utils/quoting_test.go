package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdentifier(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		dialect  string
		expected string
	}{
		{"MySQL Basic", "my_table", "mysql", "`my_table`"},
		{"MySQL With Backtick", "my`table", "mysql", "`my``table`"},
		{"PostgreSQL Basic", "MyTable", "postgres", `"MyTable"`},
		{"PostgreSQL With Quote", `My"Table`, "postgres", `"My""Table"`},
		{"SQLite Basic", "some_column", "sqlite", `"some_column"`},
		{"SQLite With Quote", `another"column`, "sqlite", `"another""column"`},
		{"Unknown Dialect Fallback", "fallback_id", "unknown", `"fallback_id"`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, QuoteIdentifier(tc.input, tc.dialect))
		})
	}
}

func TestUnquoteIdentifierRoundTrip(t *testing.T) {
	for _, dialect := range []string{"mysql", "postgres", "sqlite"} {
		for _, name := range []string{"orders", "we`ird", `dou"ble`, "Mixed Case"} {
			assert.Equal(t, name, UnquoteIdentifier(QuoteIdentifier(name, dialect), dialect), "%s/%s", dialect, name)
		}
	}
	assert.Equal(t, "plain", UnquoteIdentifier("  plain ", "postgres"))
	assert.Equal(t, "bracketed", UnquoteIdentifier("[bracketed]", "sqlite"))
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, `'it''s'`, QuoteLiteral("it's", "sqlite"))
	assert.Equal(t, `'a\\b'`, QuoteLiteral(`a\b`, "mysql"))
	assert.Equal(t, `'x'`, QuoteLiteral("x", "postgres"))
}

func TestSplitStatements(t *testing.T) {
	script := `
-- leading comment; with semicolon
CREATE TABLE "a;b" (id INT);
/* block ; comment */ ALTER TABLE t ADD COLUMN c TEXT DEFAULT 'x;y';;
INSERT INTO t VALUES ('it''s; fine')`

	got := SplitStatements(script)
	assert.Equal(t, []string{
		`CREATE TABLE "a;b" (id INT)`,
		`ALTER TABLE t ADD COLUMN c TEXT DEFAULT 'x;y'`,
		`INSERT INTO t VALUES ('it''s; fine')`,
	}, got)
	assert.Empty(t, SplitStatements(" ; ;\n"))
}
