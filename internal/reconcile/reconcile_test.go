package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/testsupport"
)

const (
	ordersDDL  = `CREATE TABLE orders (id INTEGER PRIMARY KEY, total DECIMAL(10,2), created_at TIMESTAMP)`
	ordersSeed = `WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i + 1 FROM n WHERE i < 1000)
		INSERT INTO orders SELECT i, i * 1.5, '2024-01-01 10:00:00' FROM n`
)

func ordersTable() *schema.Table {
	return &schema.Table{
		Name: "orders",
		Columns: []schema.Column{
			{Name: "id", Type: schema.CanonicalType{Kind: schema.KindInteger}},
			{Name: "total", Type: schema.CanonicalType{Kind: schema.KindDecimal, Precision: 10, Scale: 2}, Nullable: true},
			{Name: "created_at", Type: schema.CanonicalType{Kind: schema.KindTimestamp}, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func newEngine(t *testing.T, src, dst *db.Connector) *Engine {
	return New(src, dst, Options{
		Buckets:      64,
		SampleSize:   100,
		Seed:         1,
		BatchSize:    250,
		FetchTimeout: 5 * time.Second,
		QueryTimeout: 5 * time.Second,
		Retry:        db.RetryPolicy{MaxRetries: 1, Initial: time.Millisecond},
		Logger:       zaptest.NewLogger(t),
	})
}

func ordersPair(t *testing.T, dstExtra ...string) (*db.Connector, *db.Connector) {
	src := testsupport.NewSQLite(t, "src", ordersDDL, ordersSeed)
	dst := testsupport.NewSQLite(t, "dst", append([]string{ordersDDL, ordersSeed}, dstExtra...)...)
	return src, dst
}

func TestIdenticalTablesPass(t *testing.T) {
	src, dst := ordersPair(t)
	rep, err := newEngine(t, src, dst).Table(context.Background(), ordersTable(), ordersTable())
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, rep.Status)
	assert.Equal(t, int64(1000), rep.SourceCount)
	assert.Equal(t, int64(1000), rep.TargetCount)
	assert.True(t, rep.DigestMatch)
	assert.Empty(t, rep.Mismatches)
}

func TestSingleDifferingCellIsLocated(t *testing.T) {
	src, dst := ordersPair(t, `UPDATE orders SET total = 99.99 WHERE id = 417`)
	rep, err := newEngine(t, src, dst).Table(context.Background(), ordersTable(), ordersTable())
	require.Error(t, err)
	assert.Equal(t, errs.KindReconciliation, errs.KindOf(err))
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, rep.SourceCount, rep.TargetCount)
	assert.False(t, rep.DigestMatch)

	require.Len(t, rep.Mismatches, 1)
	m := rep.Mismatches[0]
	assert.Equal(t, "id=417", m.PrimaryKey)
	assert.Equal(t, "total", m.Column)
	assert.Equal(t, "625.5", m.SourceValue)
	assert.Equal(t, "99.99", m.TargetValue)
}

func TestMissingAndExtraRows(t *testing.T) {
	src, dst := ordersPair(t,
		`DELETE FROM orders WHERE id = 5`,
		`INSERT INTO orders VALUES (5000, 1, '2024-01-01 10:00:00')`)
	rep, err := newEngine(t, src, dst).Table(context.Background(), ordersTable(), ordersTable())
	require.Error(t, err)

	byKey := map[string]Mismatch{}
	for _, m := range rep.Mismatches {
		byKey[m.PrimaryKey] = m
	}
	require.Contains(t, byKey, "id=5")
	assert.Equal(t, missingMarker, byKey["id=5"].TargetValue)
	assert.Empty(t, byKey["id=5"].Column)
	require.Contains(t, byKey, "id=5000")
	assert.Equal(t, missingMarker, byKey["id=5000"].SourceValue)
	assert.NotEmpty(t, rep.Problems())
}

func TestColumnSubsetIgnoresOtherColumns(t *testing.T) {
	src, dst := ordersPair(t, `UPDATE orders SET created_at = '2030-01-01 00:00:00' WHERE id = 9`)
	e := newEngine(t, src, dst)
	e.Opts.Columns = []string{"id", "total"}
	rep, err := e.Table(context.Background(), ordersTable(), ordersTable())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "total"}, rep.Columns)
}

func TestKeylessTableReportsWithoutSamples(t *testing.T) {
	ddl := `CREATE TABLE notes (body TEXT)`
	src := testsupport.NewSQLite(t, "src", ddl, `INSERT INTO notes VALUES ('a'), ('b')`)
	dst := testsupport.NewSQLite(t, "dst", ddl, `INSERT INTO notes VALUES ('b'), ('a')`)
	notes := &schema.Table{Name: "notes", Columns: []schema.Column{{Name: "body", Type: schema.CanonicalType{Kind: schema.KindText}, Nullable: true}}}

	rep, err := newEngine(t, src, dst).Table(context.Background(), notes, notes)
	require.NoError(t, err, "row order does not matter")
	assert.True(t, rep.DigestMatch)

	testsupport.Exec(t, dst, `UPDATE notes SET body = 'c' WHERE body = 'a'`)
	rep, err = newEngine(t, src, dst).Table(context.Background(), notes, notes)
	require.Error(t, err)
	assert.Contains(t, rep.Error, "no key")
	assert.Empty(t, rep.Mismatches)
}

func TestNoSharedColumnsIsAnError(t *testing.T) {
	src, dst := ordersPair(t)
	other := &schema.Table{Name: "orders", Columns: []schema.Column{{Name: "x", Type: schema.CanonicalType{Kind: schema.KindText}}}}
	rep, err := newEngine(t, src, dst).Table(context.Background(), ordersTable(), other)
	require.Error(t, err)
	assert.Equal(t, StatusError, rep.Status)
}

func TestDigestIsOrderIndependent(t *testing.T) {
	rows := [][2]uint64{{1, 10}, {2, 20}, {3, 30}, {4, 40}, {5, 50}}
	a, b := NewDigest(4), NewDigest(4)
	for _, r := range rows {
		a.Add(r[0], r[1])
	}
	for i := len(rows) - 1; i >= 0; i-- {
		b.Add(rows[i][0], rows[i][1])
	}
	assert.Equal(t, a.Sum(), b.Sum())
	assert.Empty(t, a.Diff(b))

	b.Add(6, 60)
	assert.NotEqual(t, a.Sum(), b.Sum())
	assert.Equal(t, map[int]bool{2: true}, a.Diff(b))
}

func TestCanonical(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 2*3600))
	tests := []struct {
		name string
		v    any
		kind schema.Kind
		want string
	}{
		{"decimal trailing zeros", "12.50", schema.KindDecimal, "12.5"},
		{"decimal float", 12.5, schema.KindDecimal, "12.5"},
		{"decimal bytes", []byte("0012.500"), schema.KindDecimal, "12.5"},
		{"decimal integer", "100.00", schema.KindDecimal, "100"},
		{"decimal zero", "-0.00", schema.KindDecimal, "0"},
		{"int from bytes", []byte("42"), schema.KindBigInt, "42"},
		{"int from float", float64(7), schema.KindInteger, "7"},
		{"bool true", true, schema.KindBoolean, "1"},
		{"bool int", int64(0), schema.KindBoolean, "0"},
		{"bool text", "t", schema.KindBoolean, "1"},
		{"timestamp to utc", ts, schema.KindTimestamp, "2024-01-01T10:00:00Z"},
		{"timestamp string", "2024-01-01 10:00:00", schema.KindTimestamp, "2024-01-01T10:00:00Z"},
		{"date", ts, schema.KindDate, "2024-01-01"},
		{"json key order", `{"b":1,"a":[1,2]}`, schema.KindJSON, `{"a":[1,2],"b":1}`},
		{"json whitespace", []byte(`{ "a" : 1.0 }`), schema.KindJSON, `{"a":1.0}`},
		{"text bytes", []byte("hi"), schema.KindText, "hi"},
		{"null", nil, schema.KindText, nullMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonical(tt.v, tt.kind))
		})
	}
}

func TestReservoirIsBounded(t *testing.T) {
	r := &reservoir{size: 3, rnd: newRand(7)}
	for i := 0; i < 100; i++ {
		r.offer(map[string]any{"i": i})
	}
	assert.Len(t, r.rows, 3)
	assert.Equal(t, 100, r.seen)
}
