package schema

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/testsupport"
)

var shopDDL = []string{
	`CREATE TABLE customers (id INTEGER PRIMARY KEY, email VARCHAR(120) NOT NULL UNIQUE, note TEXT DEFAULT 'none')`,
	`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		total DECIMAL(10,2),
		created_at TIMESTAMP,
		payload JSON,
		shape GEOMETRY
	)`,
	`CREATE INDEX idx_orders_created ON orders(created_at)`,
	`CREATE INDEX idx_orders_lower ON orders(lower(payload))`,
}

func TestCaptureSQLite(t *testing.T) {
	conn := testsupport.NewSQLite(t, "shop", shopDDL...)
	in := NewIntrospector(zaptest.NewLogger(t), db.RetryPolicy{MaxRetries: 1}, 5*time.Second)

	snap, err := in.Capture(context.Background(), conn, Selection{CaseInsensitive: true})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", snap.Dialect)
	assert.Equal(t, []string{"customers", "orders"}, snap.TableNames())

	customers, ok := snap.Table("CUSTOMERS", true)
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, customers.PrimaryKey)
	id, _ := customers.Column("id", false)
	assert.True(t, id.AutoIncrement)
	assert.False(t, id.Nullable)
	note, _ := customers.Column("note", false)
	require.NotNil(t, note.Default)
	assert.Equal(t, "'none'", *note.Default)
	require.Len(t, customers.Indexes, 1)
	assert.Equal(t, Index{Name: "uq_customers_email", Columns: []string{"email"}, Unique: true}, customers.Indexes[0])

	orders, ok := snap.Table("orders", false)
	require.True(t, ok)
	assert.Equal(t, []string{"id", "customer_id", "total", "created_at", "payload", "shape"}, orders.ColumnNames())
	total, _ := orders.Column("total", false)
	assert.Equal(t, "DECIMAL(10,2)", total.Type.String())
	shape, _ := orders.Column("shape", false)
	assert.Equal(t, KindUnknown, shape.Type.Kind)
	assert.Equal(t, "GEOMETRY", shape.Type.Native)

	require.Len(t, orders.Indexes, 1, "expression indexes are not captured")
	assert.Equal(t, "idx_orders_created", orders.Indexes[0].Name)
	require.Len(t, orders.ForeignKeys, 1)
	assert.Equal(t, ForeignKey{
		Name:       "fk_orders_customer_id",
		Columns:    []string{"customer_id"},
		RefTable:   "customers",
		RefColumns: []string{"id"},
		OnDelete:   "CASCADE",
	}, orders.ForeignKeys[0])

	uk, ok := customers.UniqueKey()
	require.True(t, ok)
	assert.Equal(t, "uq_customers_email", uk.Name)
}

func TestCaptureAppliesSelection(t *testing.T) {
	conn := testsupport.NewSQLite(t, "shop", shopDDL...)
	in := NewIntrospector(zaptest.NewLogger(t), db.RetryPolicy{}, time.Second)

	snap, err := in.Capture(context.Background(), conn, Selection{Exclude: []string{"ORDERS"}, CaseInsensitive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, snap.TableNames())
}

func TestCaptureThenDiffAgainstItselfIsEmpty(t *testing.T) {
	conn := testsupport.NewSQLite(t, "shop", shopDDL...)
	in := NewIntrospector(zaptest.NewLogger(t), db.RetryPolicy{}, time.Second)

	first, err := in.Capture(context.Background(), conn, Selection{})
	require.NoError(t, err)
	second, err := in.Capture(context.Background(), conn, Selection{})
	require.NoError(t, err)

	d := Differ{CaseInsensitive: true}.Diff(first, second)
	assert.Empty(t, d.Entries)
}

func TestCaptureImplicitForeignKeyColumns(t *testing.T) {
	conn := testsupport.NewSQLite(t, "implicit",
		`CREATE TABLE parents (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE kids (id INTEGER PRIMARY KEY, parent_id INTEGER REFERENCES parents)`,
	)
	in := NewIntrospector(zaptest.NewLogger(t), db.RetryPolicy{}, time.Second)
	snap, err := in.Capture(context.Background(), conn, Selection{})
	require.NoError(t, err)

	kids, _ := snap.Table("kids", false)
	require.Len(t, kids.ForeignKeys, 1)
	assert.Equal(t, []string{"id"}, kids.ForeignKeys[0].RefColumns)
}

func TestCheckTableRejectsMalformedMetadata(t *testing.T) {
	assert.Error(t, checkTable(&Table{Name: "t"}))
	assert.Error(t, checkTable(&Table{Name: "t", Columns: []Column{{Name: "a"}, {Name: "a"}}}))
	assert.Error(t, checkTable(&Table{Name: "t", Columns: []Column{{Name: "a"}}, PrimaryKey: []string{"b"}}))

	tbl := &Table{Name: "t", Columns: []Column{{Name: "a", Nullable: true}}, PrimaryKey: []string{"a"}}
	require.NoError(t, checkTable(tbl))
	assert.False(t, tbl.Columns[0].Nullable)
}
