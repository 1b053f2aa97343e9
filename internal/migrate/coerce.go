package migrate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
)

// Coercer rewrites extracted rows into values the target driver accepts for
// each column. Columns maps source column names to target names; source
// columns without a target are dropped.
type Coercer struct {
	Target  db.Dialect
	Columns map[string]string
	Kinds   map[string]schema.Kind // by source column name
}

// NewCoercer pairs src columns with dst columns by name.
func NewCoercer(target db.Dialect, src, dst *schema.Table, caseInsensitive bool) *Coercer {
	c := &Coercer{Target: target, Columns: map[string]string{}, Kinds: map[string]schema.Kind{}}
	for _, col := range src.Columns {
		if d, ok := dst.Column(col.Name, caseInsensitive); ok {
			c.Columns[col.Name] = d.Name
			c.Kinds[col.Name] = col.Type.Kind
		}
	}
	return c
}

// Rows coerces every row. The input slice is not modified.
func (c *Coercer) Rows(rows []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		r := make(map[string]any, len(c.Columns))
		for src, v := range row {
			dst, ok := c.Columns[src]
			if !ok {
				continue
			}
			cv, err := c.Value(v, c.Kinds[src])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", src, err)
			}
			r[dst] = cv
		}
		out[i] = r
	}
	return out, nil
}

// Value converts a single driver value for a column of the given kind.
func (c *Coercer) Value(v any, kind schema.Kind) (any, error) {
	if v == nil {
		return nil, nil
	}
	if rb, ok := v.(sql.RawBytes); ok {
		v = []byte(rb)
	}
	switch kind {
	case schema.KindBoolean:
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		if c.Target == db.Postgres {
			return b, nil
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case schema.KindDecimal:
		return decimalString(v)
	case schema.KindJSON:
		return jsonText(v)
	case schema.KindBlob:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
		return v, nil
	case schema.KindTimestamp, schema.KindDate:
		if t, ok := v.(time.Time); ok && c.Target == db.SQLite {
			return t.UTC(), nil
		}
	}
	if b, ok := v.([]byte); ok && kind != schema.KindUnknown {
		return string(b), nil
	}
	return v, nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int32:
		return x != 0, nil
	case int:
		return x != 0, nil
	case int8:
		return x != 0, nil
	case uint8:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case []byte:
		return parseBool(string(x))
	case string:
		return parseBool(x)
	}
	return false, fmt.Errorf("cannot read %T as boolean", v)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off", "":
		return false, nil
	}
	if len(s) == 1 {
		return s[0] != 0, nil // BIT(1)
	}
	return false, fmt.Errorf("cannot read %q as boolean", s)
}

// decimalString renders a numeric value exactly as a decimal string so no
// driver routes it through float64.
func decimalString(v any) (any, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return x, nil
	case int:
		return x, nil
	case fmt.Stringer:
		s = x.String()
	default:
		return v, nil
	}
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d.Text('f'), nil
}

func jsonText(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.RawMessage:
		return string(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json value: %w", err)
	}
	return string(b), nil
}
