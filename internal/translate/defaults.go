package translate

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/utils"
)

var pgCast = regexp.MustCompile(`^(\(.+\)|[^:]+?)\s*::\s*[a-zA-Z_][a-zA-Z0-9_."\[\]<> ]*(?:\([^)]*\))?\s*$`)

// normalizeDefault reduces a default expression as reported by the source
// dialect to either a bare literal or one of the marker names
// current_timestamp, current_date, nextval, uuid_function, null.
func normalizeDefault(def string, source db.Dialect) string {
	v := strings.TrimSpace(def)
	if v == "" {
		return ""
	}
	lower := strings.ToLower(v)
	switch source {
	case db.MySQL:
		if i := strings.Index(lower, "on update current_timestamp"); i >= 0 {
			v = strings.TrimSpace(v[:i])
			lower = strings.ToLower(v)
		}
		if lower == "b'0'" || lower == "b'1'" {
			return lower[2:3]
		}
	case db.Postgres:
		if strings.HasPrefix(lower, "nextval(") {
			return "nextval"
		}
		for {
			m := pgCast.FindStringSubmatch(v)
			if m == nil {
				break
			}
			inner := strings.TrimSpace(m[1])
			if len(inner) >= 2 && inner[0] == '(' && inner[len(inner)-1] == ')' && isBalanced(inner[1:len(inner)-1]) {
				inner = strings.TrimSpace(inner[1 : len(inner)-1])
			}
			if inner == v {
				break
			}
			v = inner
		}
		lower = strings.ToLower(v)
	}

	switch strings.TrimSuffix(lower, "()") {
	case "now", "current_timestamp", "localtimestamp", "getdate", "sysdatetime":
		return "current_timestamp"
	case "current_date", "curdate":
		return "current_date"
	case "uuid", "gen_random_uuid", "uuid_generate_v4", "newid":
		return "uuid_function"
	case "null":
		return "null"
	}
	if strings.HasPrefix(lower, "current_timestamp(") {
		return "current_timestamp"
	}
	return stripOuterQuotes(v)
}

func stripOuterQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') || (first == '`' && last == '`') {
			return strings.ReplaceAll(s[1:len(s)-1], string(first)+string(first), string(first))
		}
	}
	return s
}

func isBalanced(s string) bool {
	balance := 0
	for _, c := range s {
		switch c {
		case '(':
			balance++
		case ')':
			balance--
		}
		if balance < 0 {
			return false
		}
	}
	return balance == 0
}

// PortableDefault renders col's default for the target dialect. Only
// literals and CURRENT_TIMESTAMP carry over; sequences, UUID generators and
// other functions are dropped.
func PortableDefault(col schema.Column, source, target db.Dialect) (string, bool) {
	if col.Default == nil || col.AutoIncrement {
		return "", false
	}
	v := normalizeDefault(*col.Default, source)
	switch v {
	case "", "null", "nextval", "uuid_function", "current_date":
		return "", false
	case "current_timestamp":
		if col.Type.Kind != schema.KindTimestamp {
			return "", false
		}
		if target == db.MySQL {
			return "CURRENT_TIMESTAMP(6)", true
		}
		return "CURRENT_TIMESTAMP", true
	}

	switch col.Type.Kind {
	case schema.KindBoolean:
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			if target == db.Postgres {
				return "TRUE", true
			}
			return "1", true
		case "0", "false", "f", "no", "n", "off":
			if target == db.Postgres {
				return "FALSE", true
			}
			return "0", true
		}
		return "", false
	case schema.KindInteger, schema.KindBigInt, schema.KindDecimal:
		d, _, err := apd.NewFromString(v)
		if err != nil || d.Form != apd.Finite {
			return "", false
		}
		return d.String(), true
	case schema.KindVarchar, schema.KindDate, schema.KindTimestamp:
		return utils.QuoteLiteral(v, target.String()), true
	case schema.KindText:
		// MySQL rejects literal defaults on TEXT columns.
		if target == db.MySQL {
			return "", false
		}
		return utils.QuoteLiteral(v, target.String()), true
	}
	return "", false
}
