package schema

import (
	"strconv"
	"strings"

	"github.com/anbu0809/strata-migrate/internal/db"
)

// typeLookup maps a normalized base type name to its canonical kind for one
// dialect. Sizes and flags are applied afterwards from the type arguments.
var typeLookup = map[db.Dialect]map[string]Kind{
	db.MySQL: {
		"tinyint": KindInteger, "smallint": KindInteger, "mediumint": KindInteger, "int": KindInteger, "integer": KindInteger,
		"bigint":  KindBigInt,
		"decimal": KindDecimal, "numeric": KindDecimal, "dec": KindDecimal, "fixed": KindDecimal,
		"char": KindVarchar, "varchar": KindVarchar,
		"tinytext": KindText, "text": KindText, "mediumtext": KindText, "longtext": KindText,
		"bool": KindBoolean, "boolean": KindBoolean,
		"date":     KindDate,
		"datetime": KindTimestamp, "timestamp": KindTimestamp,
		"binary": KindBlob, "varbinary": KindBlob, "tinyblob": KindBlob, "blob": KindBlob, "mediumblob": KindBlob, "longblob": KindBlob,
		"json": KindJSON,
	},
	db.Postgres: {
		"smallint": KindInteger, "int2": KindInteger, "integer": KindInteger, "int": KindInteger, "int4": KindInteger,
		"serial": KindInteger, "smallserial": KindInteger, "serial4": KindInteger, "serial2": KindInteger,
		"bigint": KindBigInt, "int8": KindBigInt, "bigserial": KindBigInt, "serial8": KindBigInt,
		"numeric": KindDecimal, "decimal": KindDecimal,
		"character varying": KindVarchar, "varchar": KindVarchar, "character": KindVarchar, "char": KindVarchar, "bpchar": KindVarchar,
		"text":    KindText,
		"boolean": KindBoolean, "bool": KindBoolean,
		"date":                        KindDate,
		"timestamp":                   KindTimestamp,
		"timestamp without time zone": KindTimestamp,
		"timestamptz":                 KindTimestamp,
		"timestamp with time zone":    KindTimestamp,
		"bytea":                       KindBlob,
		"json":                        KindJSON, "jsonb": KindJSON,
	},
	db.SQLite: {
		"int": KindInteger, "integer": KindInteger, "tinyint": KindInteger, "smallint": KindInteger, "mediumint": KindInteger,
		"bigint": KindBigInt, "int8": KindBigInt, "unsigned big int": KindBigInt,
		"numeric": KindDecimal, "decimal": KindDecimal,
		"varchar": KindVarchar, "character": KindVarchar, "char": KindVarchar, "nchar": KindVarchar, "nvarchar": KindVarchar,
		"varying character": KindVarchar, "native character": KindVarchar,
		"text": KindText, "clob": KindText,
		"boolean": KindBoolean, "bool": KindBoolean,
		"date":     KindDate,
		"datetime": KindTimestamp, "timestamp": KindTimestamp, "timestamptz": KindTimestamp,
		"blob": KindBlob,
		"json": KindJSON,
	},
}

type nativeParts struct {
	base   string
	args   []int
	suffix string
	array  bool
}

// splitNative breaks "decimal(10,2) unsigned" into base, numeric args and
// trailing modifiers. Non-numeric args (enum members) leave args empty.
func splitNative(native string) (nativeParts, bool) {
	name := strings.Join(strings.Fields(strings.ToLower(native)), " ")
	if name == "" {
		return nativeParts{}, false
	}
	var p nativeParts
	if strings.HasSuffix(name, "[]") {
		p.array = true
		name = strings.TrimSpace(strings.TrimSuffix(name, "[]"))
	}
	if i := strings.IndexByte(name, '('); i >= 0 {
		j := strings.LastIndexByte(name, ')')
		if j < i {
			return nativeParts{}, false
		}
		p.base = strings.TrimSpace(name[:i])
		p.suffix = strings.TrimSpace(name[j+1:])
		for _, a := range strings.Split(name[i+1:j], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(a))
			if err != nil {
				p.args = nil
				break
			}
			p.args = append(p.args, n)
		}
	} else {
		words := strings.Fields(name)
		for len(words) > 1 && (words[len(words)-1] == "unsigned" || words[len(words)-1] == "zerofill") {
			p.suffix = strings.TrimSpace(words[len(words)-1] + " " + p.suffix)
			words = words[:len(words)-1]
		}
		p.base = strings.Join(words, " ")
	}
	return p, p.base != ""
}

// Canonicalize maps a native column type to its canonical form using the
// dialect's lookup table. Types without an entry become UNKNOWN with the
// native spelling preserved.
func Canonicalize(dialect db.Dialect, native string) CanonicalType {
	unknown := CanonicalType{Kind: KindUnknown, Native: strings.TrimSpace(native)}
	p, ok := splitNative(native)
	if !ok || p.array {
		return unknown
	}

	unsigned := false
	for _, word := range strings.Fields(p.suffix) {
		switch word {
		case "unsigned":
			unsigned = true
		case "zerofill", "with", "without", "time", "zone", "varying", "precision":
		default:
			return unknown
		}
	}
	base := p.base
	// "timestamp(3) with time zone" carries words after the args.
	if strings.Contains(p.suffix, "time zone") || p.suffix == "varying" {
		base = base + " " + p.suffix
	}

	kind, ok := typeLookup[dialect][base]
	if !ok {
		// MySQL reports bit(1) for boolean flags.
		if dialect == db.MySQL && base == "bit" && len(p.args) == 1 && p.args[0] == 1 {
			return CanonicalType{Kind: KindBoolean, Native: unknown.Native}
		}
		return unknown
	}

	t := CanonicalType{Kind: kind, Native: unknown.Native}
	switch kind {
	case KindInteger:
		if dialect == db.MySQL && base == "tinyint" && len(p.args) == 1 && p.args[0] == 1 {
			t.Kind = KindBoolean
		} else if unsigned && (base == "int" || base == "integer" || base == "mediumint") {
			t.Kind = KindBigInt
		}
	case KindBigInt:
		if unsigned {
			t = CanonicalType{Kind: KindDecimal, Precision: 20, Scale: 0, Native: unknown.Native}
		}
	case KindDecimal:
		switch len(p.args) {
		case 0:
			if dialect == db.MySQL {
				t.Precision = 10
			}
		case 1:
			t.Precision = p.args[0]
		default:
			t.Precision, t.Scale = p.args[0], p.args[1]
		}
	case KindVarchar:
		switch {
		case len(p.args) > 0:
			t.Length = p.args[0]
		case base == "char" || base == "character" || base == "bpchar" || base == "nchar":
			t.Length = 1
		default:
			// Unbounded varchar behaves like text.
			t.Kind = KindText
		}
	case KindTimestamp:
		t.WithTimeZone = base == "timestamptz" || base == "timestamp with time zone"
	}
	return t
}
