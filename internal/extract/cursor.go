package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/anbu0809/strata-migrate/internal/schema"
)

// Strategy records how a table is ordered during extraction.
type Strategy string

const (
	StrategyPrimaryKey Strategy = "primary_key"
	StrategyUniqueKey  Strategy = "unique_key"
	StrategyFullScan   Strategy = "full_scan"
)

// Resumable reports whether an interrupted extraction can continue from a
// committed key.
func (s Strategy) Resumable() bool { return s != StrategyFullScan }

// Cursor is the committed extraction position of one table. LastKey holds the
// key values of the last row whose batch was written; nil means nothing has
// been committed yet.
type Cursor struct {
	Table         string   `json:"table"`
	Strategy      Strategy `json:"strategy"`
	KeyColumns    []string `json:"key_columns,omitempty"`
	LastKey       []any    `json:"last_key,omitempty"`
	RowsExtracted int64    `json:"rows_extracted"`
	TotalEstimate int64    `json:"total_estimate"`
	Resumable     bool     `json:"resumable"`
	Done          bool     `json:"done"`
}

// CursorStore persists committed cursors. Implementations must make Save
// durable before returning.
type CursorStore interface {
	SaveCursor(ctx context.Context, c Cursor) error
}

// ChooseStrategy picks the ordering for t: its primary key, else the first
// unique index over NOT NULL columns, else an unordered full scan.
func ChooseStrategy(t *schema.Table) (Strategy, []string) {
	if len(t.PrimaryKey) > 0 {
		return StrategyPrimaryKey, append([]string(nil), t.PrimaryKey...)
	}
	if idx, ok := t.UniqueKey(); ok {
		return StrategyUniqueKey, append([]string(nil), idx.Columns...)
	}
	return StrategyFullScan, nil
}

// NewCursor returns the starting cursor for t.
func NewCursor(t *schema.Table) Cursor {
	strategy, keys := ChooseStrategy(t)
	return Cursor{
		Table:      t.Name,
		Strategy:   strategy,
		KeyColumns: keys,
		Resumable:  strategy.Resumable(),
	}
}

// DecodeCursor reads a cursor saved as JSON and restores its key values to
// the Go types the drivers expect for each key column's canonical kind.
func DecodeCursor(data []byte, t *schema.Table) (Cursor, error) {
	var c Cursor
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor for %s: %w", t.Name, err)
	}
	if c.LastKey == nil {
		return c, nil
	}
	if len(c.LastKey) != len(c.KeyColumns) {
		return Cursor{}, fmt.Errorf("cursor for %s has %d key values for %d key columns", t.Name, len(c.LastKey), len(c.KeyColumns))
	}
	for i, name := range c.KeyColumns {
		col, ok := t.Column(name, false)
		if !ok {
			return Cursor{}, fmt.Errorf("cursor for %s names unknown key column %q", t.Name, name)
		}
		v, err := restoreKey(c.LastKey[i], col.Type.Kind)
		if err != nil {
			return Cursor{}, fmt.Errorf("cursor for %s column %s: %w", t.Name, name, err)
		}
		c.LastKey[i] = v
	}
	return c, nil
}

func restoreKey(v any, kind schema.Kind) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		switch kind {
		case schema.KindInteger, schema.KindBigInt, schema.KindBoolean:
			return x.Int64()
		case schema.KindDecimal:
			return x.String(), nil
		}
		return x.Float64()
	case string:
		switch kind {
		case schema.KindTimestamp, schema.KindDate:
			if ts, err := time.Parse(time.RFC3339Nano, x); err == nil {
				return ts, nil
			}
			return x, nil
		case schema.KindBlob:
			return base64.StdEncoding.DecodeString(x)
		case schema.KindInteger, schema.KindBigInt:
			return strconv.ParseInt(x, 10, 64)
		}
		return x, nil
	case bool:
		return x, nil
	}
	return nil, fmt.Errorf("unsupported key value %T", v)
}

// normalizeKey turns driver scan results into values that survive a JSON
// round trip through DecodeCursor.
func normalizeKey(v any, kind schema.Kind) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if kind == schema.KindBlob {
		return append([]byte(nil), b...)
	}
	s := string(b)
	if kind == schema.KindInteger || kind == schema.KindBigInt {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return s
}
