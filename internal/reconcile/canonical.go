package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/anbu0809/strata-migrate/internal/schema"
)

const nullMarker = "\x00NULL"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// Canonical renders a driver value as the dialect-independent text used for
// hashing and comparison. Equal data read from different databases yields
// equal text: decimals lose trailing zeros, timestamps are UTC, booleans are
// 0/1 and JSON is re-encoded with sorted keys.
func Canonical(v any, kind schema.Kind) string {
	if v == nil {
		return nullMarker
	}
	if b, ok := v.([]byte); ok && kind != schema.KindBlob {
		v = string(b)
	}
	switch kind {
	case schema.KindInteger, schema.KindBigInt:
		return canonicalInt(v)
	case schema.KindDecimal:
		return canonicalDecimal(v)
	case schema.KindBoolean:
		return canonicalBool(v)
	case schema.KindTimestamp:
		return canonicalTime(v, time.RFC3339Nano)
	case schema.KindDate:
		return canonicalTime(v, "2006-01-02")
	case schema.KindJSON:
		return canonicalJSON(v)
	case schema.KindBlob:
		switch x := v.(type) {
		case []byte:
			return string(x)
		case string:
			return x
		}
	}
	return fmt.Sprint(v)
}

func canonicalInt(v any) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return strconv.FormatInt(n, 10)
		}
	case bool:
		if x {
			return "1"
		}
		return "0"
	}
	return fmt.Sprint(v)
}

func canonicalDecimal(v any) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		s = fmt.Sprint(v)
	}
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	var reduced apd.Decimal
	reduced.Reduce(d)
	if reduced.IsZero() {
		return "0"
	}
	return reduced.Text('f')
}

func canonicalBool(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "1"
		}
		return "0"
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "t", "true", "y", "yes", "on", "\x01":
			return "1"
		case "0", "f", "false", "n", "no", "off", "\x00":
			return "0"
		}
		return x
	}
	if canonicalInt(v) == "0" {
		return "0"
	}
	return "1"
}

func canonicalTime(v any, layout string) string {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(layout)
	case string:
		for _, l := range timeLayouts {
			if t, err := time.Parse(l, strings.TrimSpace(x)); err == nil {
				return t.UTC().Format(layout)
			}
		}
		return x
	}
	return fmt.Sprint(v)
}

func canonicalJSON(v any) string {
	var raw []byte
	switch x := v.(type) {
	case string:
		raw = []byte(x)
	case json.RawMessage:
		raw = x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(v)
		}
		raw = b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
