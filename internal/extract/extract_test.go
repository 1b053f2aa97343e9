package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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

type memStore struct {
	saved [][]byte
}

func (m *memStore) SaveCursor(_ context.Context, c Cursor) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	m.saved = append(m.saved, b)
	return nil
}

func (m *memStore) last() []byte { return m.saved[len(m.saved)-1] }

func intCol(name string) schema.Column {
	return schema.Column{Name: name, Type: schema.CanonicalType{Kind: schema.KindInteger}}
}

func itemsTable() *schema.Table {
	return &schema.Table{
		Name:       "items",
		Columns:    []schema.Column{intCol("id"), {Name: "label", Type: schema.CanonicalType{Kind: schema.KindText}, Nullable: true}},
		PrimaryKey: []string{"id"},
	}
}

func seedItems(t *testing.T, n int) *db.Connector {
	t.Helper()
	stmts := []string{`CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)`}
	for i := 1; i <= n; i++ {
		stmts = append(stmts, fmt.Sprintf(`INSERT INTO items (id, label) VALUES (%d, 'item %d')`, i, i))
	}
	return testsupport.NewSQLite(t, "src", stmts...)
}

func newExtractor(t *testing.T, conn *db.Connector, batch int) *Extractor {
	return New(conn, Options{
		BatchSize:    batch,
		FetchTimeout: 5 * time.Second,
		Retry:        db.RetryPolicy{MaxRetries: 1, Initial: time.Millisecond},
		Logger:       zaptest.NewLogger(t),
	})
}

// drain reads every batch, committing each one, and returns the ids seen.
func drain(t *testing.T, s *Stream, key string) []int64 {
	t.Helper()
	ctx := context.Background()
	var ids []int64
	for {
		b, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		for _, r := range b.Rows {
			ids = append(ids, r[key].(int64))
		}
		require.NoError(t, s.Commit(ctx, b))
	}
	require.NoError(t, s.Finish(ctx))
	return ids
}

func seq(from, to int) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, int64(i))
	}
	return out
}

func TestChooseStrategy(t *testing.T) {
	withUnique := func(nullable bool) *schema.Table {
		return &schema.Table{
			Name:    "t",
			Columns: []schema.Column{{Name: "code", Type: schema.CanonicalType{Kind: schema.KindVarchar, Length: 10}, Nullable: nullable}},
			Indexes: []schema.Index{{Name: "t_code", Columns: []string{"code"}, Unique: true}},
		}
	}
	tests := []struct {
		name     string
		table    *schema.Table
		strategy Strategy
		keys     []string
	}{
		{"primary key", itemsTable(), StrategyPrimaryKey, []string{"id"}},
		{"non-null unique index", withUnique(false), StrategyUniqueKey, []string{"code"}},
		{"nullable unique index", withUnique(true), StrategyFullScan, nil},
		{"no key", &schema.Table{Name: "log", Columns: []schema.Column{intCol("n")}}, StrategyFullScan, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCursor(tt.table)
			assert.Equal(t, tt.strategy, c.Strategy)
			assert.Equal(t, tt.keys, c.KeyColumns)
			assert.Equal(t, tt.strategy != StrategyFullScan, c.Resumable)
		})
	}
}

func TestSeekPredicate(t *testing.T) {
	pg := []string{`"a"`, `"b"`}
	where, args := seekPredicate(db.Postgres, pg, []any{1, 2})
	assert.Equal(t, `("a", "b") > (?, ?)`, where)
	assert.Equal(t, []any{1, 2}, args)

	where, args = seekPredicate(db.SQLite, pg, []any{1, 2})
	assert.Equal(t, `(("a" > ?) OR ("a" = ? AND "b" > ?))`, where)
	assert.Equal(t, []any{1, 1, 2}, args)

	where, args = seekPredicate(db.MySQL, []string{"`id`"}, []any{int64(9)})
	assert.Equal(t, "`id` > ?", where)
	assert.Equal(t, []any{int64(9)}, args)
}

func TestKeysetPages(t *testing.T) {
	conn := seedItems(t, 25)
	store := &memStore{}
	s, err := newExtractor(t, conn, 10).Open(context.Background(), itemsTable(), nil, store)
	require.NoError(t, err)
	assert.Equal(t, int64(25), s.Cursor().TotalEstimate)

	var sizes []int
	ctx := context.Background()
	for {
		b, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(b.Rows))
		assert.Equal(t, len(sizes), b.Seq)
		require.NoError(t, s.Commit(ctx, b))
	}
	assert.Equal(t, []int{10, 10, 5}, sizes)

	c := s.Cursor()
	assert.Equal(t, int64(25), c.RowsExtracted)
	assert.Equal(t, []any{int64(25)}, c.LastKey)
	assert.Len(t, store.saved, 3)
}

func TestCompositeKeyOrder(t *testing.T) {
	stmts := []string{`CREATE TABLE pairs (a INTEGER NOT NULL, b INTEGER NOT NULL, PRIMARY KEY (a, b))`}
	for a := 3; a >= 1; a-- {
		for b := 4; b >= 1; b-- {
			stmts = append(stmts, fmt.Sprintf(`INSERT INTO pairs VALUES (%d, %d)`, a, b))
		}
	}
	conn := testsupport.NewSQLite(t, "pairs", stmts...)
	table := &schema.Table{Name: "pairs", Columns: []schema.Column{intCol("a"), intCol("b")}, PrimaryKey: []string{"a", "b"}}

	s, err := newExtractor(t, conn, 5).Open(context.Background(), table, nil, nil)
	require.NoError(t, err)

	var got [][2]int64
	ctx := context.Background()
	for {
		b, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		for _, r := range b.Rows {
			got = append(got, [2]int64{r["a"].(int64), r["b"].(int64)})
		}
		require.NoError(t, s.Commit(ctx, b))
	}
	require.Len(t, got, 12)
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		assert.True(t, prev[0] < cur[0] || (prev[0] == cur[0] && prev[1] < cur[1]), "%v then %v", prev, cur)
	}
}

func TestResumeFromCommittedCursor(t *testing.T) {
	conn := seedItems(t, 23)
	table := itemsTable()
	ctx := context.Background()
	store := &memStore{}

	first, err := newExtractor(t, conn, 5).Open(ctx, table, nil, store)
	require.NoError(t, err)
	var seen []int64
	for i := 0; i < 2; i++ {
		b, err := first.Next(ctx)
		require.NoError(t, err)
		for _, r := range b.Rows {
			seen = append(seen, r["id"].(int64))
		}
		require.NoError(t, first.Commit(ctx, b))
	}
	// a fetched but uncommitted batch is re-read after restart
	_, err = first.Next(ctx)
	require.NoError(t, err)

	saved, err := DecodeCursor(store.last(), table)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(10)}, saved.LastKey)
	assert.Equal(t, int64(10), saved.RowsExtracted)

	second, err := newExtractor(t, conn, 5).Open(ctx, table, &saved, store)
	require.NoError(t, err)
	seen = append(seen, drain(t, second, "id")...)

	assert.Equal(t, seq(1, 23), seen)
	final, err := DecodeCursor(store.last(), table)
	require.NoError(t, err)
	assert.True(t, final.Done)
	assert.Equal(t, int64(23), final.RowsExtracted)

	done, err := newExtractor(t, conn, 5).Open(ctx, table, &final, nil)
	require.NoError(t, err)
	_, err = done.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFullScan(t *testing.T) {
	stmts := []string{`CREATE TABLE events (n INTEGER, note TEXT)`}
	for i := 1; i <= 10; i++ {
		stmts = append(stmts, fmt.Sprintf(`INSERT INTO events VALUES (%d, 'e')`, i))
	}
	conn := testsupport.NewSQLite(t, "events", stmts...)
	table := &schema.Table{Name: "events", Columns: []schema.Column{
		{Name: "n", Type: schema.CanonicalType{Kind: schema.KindInteger}, Nullable: true},
		{Name: "note", Type: schema.CanonicalType{Kind: schema.KindText}, Nullable: true},
	}}
	ctx := context.Background()

	s, err := newExtractor(t, conn, 4).Open(ctx, table, nil, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Cursor().Resumable)

	var sizes []int
	var total int
	for {
		b, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Nil(t, b.LastKey)
		sizes = append(sizes, len(b.Rows))
		total += len(b.Rows)
		require.NoError(t, s.Commit(ctx, b))
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, 10, total)

	interrupted := NewCursor(table)
	interrupted.RowsExtracted = 4
	_, err = newExtractor(t, conn, 4).Open(ctx, table, &interrupted, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotResumable)
	assert.Equal(t, errs.KindDataWrite, errs.KindOf(err))
}

func TestDecodeCursorRestoresKeyTypes(t *testing.T) {
	table := &schema.Table{
		Name: "t",
		Columns: []schema.Column{
			intCol("id"),
			{Name: "at", Type: schema.CanonicalType{Kind: schema.KindTimestamp}},
			{Name: "code", Type: schema.CanonicalType{Kind: schema.KindVarchar, Length: 8}},
		},
	}
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	in := Cursor{Table: "t", Strategy: StrategyPrimaryKey, KeyColumns: []string{"id", "at", "code"},
		LastKey: []any{int64(9007199254740993), at, "x1"}, Resumable: true}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := DecodeCursor(b, table)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), out.LastKey[0])
	assert.True(t, at.Equal(out.LastKey[1].(time.Time)))
	assert.Equal(t, "x1", out.LastKey[2])

	_, err = DecodeCursor([]byte(`{"table":"t","key_columns":["ghost"],"last_key":[1]}`), table)
	assert.Error(t, err)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, int64(42), normalizeKey([]byte("42"), schema.KindBigInt))
	assert.Equal(t, "abc", normalizeKey([]byte("abc"), schema.KindVarchar))
	assert.Equal(t, []byte{1, 2}, normalizeKey([]byte{1, 2}, schema.KindBlob))
	assert.Equal(t, int64(7), normalizeKey(int64(7), schema.KindInteger))
}
