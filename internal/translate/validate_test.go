package translate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
)

func ordersSource() *schema.Snapshot {
	return &schema.Snapshot{Dialect: "sqlite", Tables: []schema.Table{*ordersTable()}}
}

func newValidator(target db.Dialect, existing ...schema.Table) *Validator {
	src := ordersSource()
	idents := NewIdentifierSet(true)
	for i := range src.Tables {
		idents.AddTable(&src.Tables[i])
	}
	return &Validator{Target: target, Idents: idents, Source: src, Existing: existing}
}

func createOrders(t *testing.T, target db.Dialect) string {
	t.Helper()
	b := NewBuilder(TypeMapper{Source: db.SQLite, Target: target}, true, nil)
	res := b.CreateTable(CreateTableInput{Table: ordersTable(), Created: noneCreated, Planned: noneCreated, RefName: samename})
	require.Len(t, res.Statements, 1)
	return res.Statements[0]
}

func rejection(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	return ve.Reason
}

func TestValidatePostgres(t *testing.T) {
	ctx := context.Background()
	v := newValidator(db.Postgres)

	require.NoError(t, v.Validate(ctx, []string{createOrders(t, db.Postgres)}, Scope{Creates: "orders"}))

	tests := []struct {
		name string
		stmt string
		want string
	}{
		{"unknown column", `ALTER TABLE orders ADD COLUMN ghost INTEGER`, `unknown column "ghost"`},
		{"unknown table", `ALTER TABLE invoices ADD COLUMN total NUMERIC(10,2)`, `unknown table "invoices"`},
		{"syntax", `CREATE TABLE orders (id INTEGER`, "syntax"},
		{"drop is not allowed", `DROP TABLE orders`, "only CREATE TABLE"},
		{"drop column is not allowed", `ALTER TABLE orders DROP COLUMN total`, "not allowed"},
		{"narrowing decimal", `ALTER TABLE orders ALTER COLUMN total TYPE NUMERIC(6,2)`, "column orders.total"},
		{"family change", `ALTER TABLE orders ALTER COLUMN created_at TYPE INTEGER`, "changes family"},
		{"two statements", `ALTER TABLE orders ALTER COLUMN total DROP NOT NULL; DROP TABLE orders`, "exactly one statement"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, rejection(t, v.Validate(ctx, []string{tt.stmt}, Scope{})), tt.want)
		})
	}
}

func TestValidatePostgresIndexNames(t *testing.T) {
	ctx := context.Background()
	v := newValidator(db.Postgres)
	stmt := `CREATE INDEX "orders_total" ON "orders" ("total")`

	assert.Contains(t, rejection(t, v.Validate(ctx, []string{stmt}, Scope{})), `unknown index or constraint name "orders_total"`)
	v.Idents.AddName("orders_total")
	assert.NoError(t, v.Validate(ctx, []string{stmt}, Scope{}))
}

func TestValidateMySQL(t *testing.T) {
	ctx := context.Background()
	v := newValidator(db.MySQL)

	require.NoError(t, v.Validate(ctx, []string{createOrders(t, db.MySQL)}, Scope{Creates: "orders"}))
	require.NoError(t, v.Validate(ctx, []string{"ALTER TABLE `orders` MODIFY COLUMN `total` DECIMAL(12,2) NULL"}, Scope{}))

	assert.Contains(t, rejection(t, v.Validate(ctx, []string{"ALTER TABLE `orders` ADD COLUMN `ghost` INT"}, Scope{})), `"ghost"`)
	assert.Contains(t, rejection(t, v.Validate(ctx, []string{"ALTER TABLE `orders` MODIFY COLUMN `total` DECIMAL(6,2)"}, Scope{})), "orders.total")
	assert.Contains(t, rejection(t, v.Validate(ctx, []string{"DROP TABLE `orders`"}, Scope{})), "only CREATE TABLE")
	assert.Contains(t, rejection(t, v.Validate(ctx, []string{"CREATE TABLE `orders` (`id` INT"}, Scope{})), "syntax")
}

func TestValidateSQLiteSandbox(t *testing.T) {
	ctx := context.Background()
	orders := *ordersTable()

	t.Run("create table", func(t *testing.T) {
		v := newValidator(db.SQLite, orders)
		assert.NoError(t, v.Validate(ctx, []string{createOrders(t, db.SQLite)}, Scope{Creates: "orders"}))
	})
	t.Run("unknown column", func(t *testing.T) {
		v := newValidator(db.SQLite, orders)
		reason := rejection(t, v.Validate(ctx, []string{`ALTER TABLE "orders" ADD COLUMN "ghost" INTEGER`}, Scope{}))
		assert.Contains(t, reason, `unknown column "ghost"`)
	})
	t.Run("index on unknown column", func(t *testing.T) {
		v := newValidator(db.SQLite, orders)
		v.Idents.AddName("orders_ghost_idx")
		reason := rejection(t, v.Validate(ctx, []string{`CREATE INDEX "orders_ghost_idx" ON "orders" ("ghost")`}, Scope{}))
		assert.Contains(t, reason, `"orders_ghost_idx"`)
	})
	t.Run("index on known column", func(t *testing.T) {
		v := newValidator(db.SQLite, orders)
		v.Idents.AddName("orders_total_idx")
		assert.NoError(t, v.Validate(ctx, []string{`CREATE INDEX "orders_total_idx" ON "orders" ("total")`}, Scope{}))
	})
	t.Run("drop table", func(t *testing.T) {
		v := newValidator(db.SQLite, orders)
		assert.Contains(t, rejection(t, v.Validate(ctx, []string{`DROP TABLE "orders"`}, Scope{})), `drops table "orders"`)
	})
	t.Run("syntax", func(t *testing.T) {
		v := newValidator(db.SQLite, orders)
		assert.Contains(t, rejection(t, v.Validate(ctx, []string{`ALTER TABLE "orders" ADD "note" TEXT TEXT TEXT (`}, Scope{})), "sqlite")
	})
}

func TestIdentifierSetCaseFolding(t *testing.T) {
	s := NewIdentifierSet(true)
	s.AddTable(ordersTable())
	assert.True(t, s.HasTable("ORDERS"))
	assert.True(t, s.HasColumn("Orders", "Total"))
	assert.True(t, s.HasName("orders_pkey"))

	exact := NewIdentifierSet(false)
	exact.AddTable(ordersTable())
	assert.False(t, exact.HasTable("ORDERS"))
}
