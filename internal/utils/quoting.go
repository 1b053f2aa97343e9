package utils

import (
	"strings"

	"github.com/lib/pq"
)

// QuoteIdentifier quotes name for dialect, doubling any embedded quote
// character.
func QuoteIdentifier(name, dialect string) string {
	switch strings.ToLower(dialect) {
	case "mysql":
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	case "postgres":
		return pq.QuoteIdentifier(name)
	default:
		// SQLite and anything ANSI-ish accept double quotes.
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

// QuoteIdentifiers quotes every name and joins them with ", ".
func QuoteIdentifiers(names []string, dialect string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdentifier(n, dialect)
	}
	return strings.Join(quoted, ", ")
}

// UnquoteIdentifier strips the dialect's quote characters from name. Input
// that is not quoted the expected way is returned trimmed but otherwise as-is.
func UnquoteIdentifier(name, dialect string) string {
	name = strings.TrimSpace(name)
	if len(name) < 2 {
		return name
	}
	first, last := name[0], name[len(name)-1]
	switch {
	case first == '`' && last == '`' && strings.ToLower(dialect) == "mysql":
		return strings.ReplaceAll(name[1:len(name)-1], "``", "`")
	case first == '"' && last == '"':
		return strings.ReplaceAll(name[1:len(name)-1], `""`, `"`)
	case first == '[' && last == ']' && strings.ToLower(dialect) == "sqlite":
		return name[1 : len(name)-1]
	}
	return name
}

// QuoteLiteral renders s as a string literal for dialect.
func QuoteLiteral(s, dialect string) string {
	if strings.ToLower(dialect) == "postgres" {
		return pq.QuoteLiteral(s)
	}
	s = strings.ReplaceAll(s, `'`, `''`)
	if strings.ToLower(dialect) == "mysql" {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + s + "'"
}

// SplitStatements splits a script on top-level semicolons, ignoring
// semicolons inside quoted strings, quoted identifiers and comments. Empty
// statements are dropped and the trailing semicolon is never included.
func SplitStatements(script string) []string {
	var (
		out     []string
		cur     strings.Builder
		quote   byte
		comment byte // '-' line comment, '*' block comment
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case comment == '-':
			if c == '\n' {
				comment = 0
				cur.WriteByte(c)
			}
			continue
		case comment == '*':
			if c == '*' && i+1 < len(script) && script[i+1] == '/' {
				comment = 0
				i++
			}
			continue
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				if i+1 < len(script) && script[i+1] == quote {
					cur.WriteByte(script[i+1])
					i++
				} else {
					quote = 0
				}
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
			cur.WriteByte(c)
		case '-':
			if i+1 < len(script) && script[i+1] == '-' {
				comment = '-'
				i++
				continue
			}
			cur.WriteByte(c)
		case '/':
			if i+1 < len(script) && script[i+1] == '*' {
				comment = '*'
				i++
				continue
			}
			cur.WriteByte(c)
		case ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
