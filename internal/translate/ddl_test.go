package translate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
)

func strPtr(s string) *string { return &s }

func ordersTable() *schema.Table {
	return &schema.Table{
		Name: "orders",
		Columns: []schema.Column{
			{Name: "id", Type: schema.CanonicalType{Kind: schema.KindInteger, Native: "INTEGER"}},
			{Name: "total", Type: schema.CanonicalType{Kind: schema.KindDecimal, Precision: 10, Scale: 2, Native: "DECIMAL(10,2)"}, Nullable: true},
			{Name: "created_at", Type: schema.CanonicalType{Kind: schema.KindTimestamp, Native: "TIMESTAMP"}, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func noneCreated(string) bool { return false }
func samename(t string) string { return t }

func TestCreateTableOrders(t *testing.T) {
	tests := []struct {
		target db.Dialect
		want   string
	}{
		{db.Postgres, "CREATE TABLE \"orders\" (\n" +
			"  \"id\" INTEGER NOT NULL,\n" +
			"  \"total\" NUMERIC(10,2),\n" +
			"  \"created_at\" TIMESTAMP,\n" +
			"  PRIMARY KEY (\"id\")\n)"},
		{db.MySQL, "CREATE TABLE `orders` (\n" +
			"  `id` INT NOT NULL,\n" +
			"  `total` DECIMAL(10,2),\n" +
			"  `created_at` DATETIME(6),\n" +
			"  PRIMARY KEY (`id`)\n)"},
		{db.SQLite, "CREATE TABLE \"orders\" (\n" +
			"  \"id\" INTEGER NOT NULL,\n" +
			"  \"total\" DECIMAL(10,2),\n" +
			"  \"created_at\" TIMESTAMP,\n" +
			"  PRIMARY KEY (\"id\")\n)"},
	}
	for _, tt := range tests {
		t.Run(tt.target.String(), func(t *testing.T) {
			b := NewBuilder(TypeMapper{Source: db.SQLite, Target: tt.target}, true, nil)
			res := b.CreateTable(CreateTableInput{Table: ordersTable(), Created: noneCreated, Planned: noneCreated, RefName: samename})
			require.Empty(t, res.Unresolved)
			require.Len(t, res.Statements, 1)
			assert.Equal(t, tt.want, res.Statements[0])
			assert.Empty(t, res.Deferred)
		})
	}
}

func TestCreateTableAutoIncrement(t *testing.T) {
	tbl := ordersTable()
	tbl.Columns[0].AutoIncrement = true

	pg := NewBuilder(TypeMapper{Source: db.MySQL, Target: db.Postgres}, true, nil)
	res := pg.CreateTable(CreateTableInput{Table: tbl, Created: noneCreated, Planned: noneCreated, RefName: samename})
	assert.Contains(t, res.Statements[0], `"id" INTEGER GENERATED BY DEFAULT AS IDENTITY NOT NULL`)

	my := NewBuilder(TypeMapper{Source: db.Postgres, Target: db.MySQL}, true, nil)
	res = my.CreateTable(CreateTableInput{Table: tbl, Created: noneCreated, Planned: noneCreated, RefName: samename})
	assert.Contains(t, res.Statements[0], "`id` INT AUTO_INCREMENT NOT NULL")
}

func TestCreateTableUnresolvedColumn(t *testing.T) {
	tbl := ordersTable()
	tbl.Columns = append(tbl.Columns, schema.Column{Name: "area", Type: schema.CanonicalType{Kind: schema.KindUnknown, Native: "polygon"}})
	b := NewBuilder(TypeMapper{Source: db.Postgres, Target: db.MySQL}, true, nil)

	res := b.CreateTable(CreateTableInput{Table: tbl, Created: noneCreated, Planned: noneCreated, RefName: samename})
	assert.Equal(t, []string{"area"}, res.Unresolved)
	assert.Empty(t, res.Statements)

	res = b.CreateTable(CreateTableInput{Table: tbl, Natives: map[string]string{"area": "POLYGON"}, Created: noneCreated, Planned: noneCreated, RefName: samename})
	require.Len(t, res.Statements, 1)
	assert.Contains(t, res.Statements[0], "`area` POLYGON")
}

func TestCreateTableForeignKeyPlacement(t *testing.T) {
	child := &schema.Table{
		Name: "items",
		Columns: []schema.Column{
			{Name: "id", Type: schema.CanonicalType{Kind: schema.KindInteger}},
			{Name: "order_id", Type: schema.CanonicalType{Kind: schema.KindInteger}, Nullable: true},
		},
		PrimaryKey: []string{"id"},
		ForeignKeys: []schema.ForeignKey{
			{Name: "fk_items_order", Columns: []string{"order_id"}, RefTable: "orders", RefColumns: []string{"id"}, OnDelete: "CASCADE"},
		},
	}
	planned := func(t string) bool { return t == "orders" }

	t.Run("parent created inline", func(t *testing.T) {
		b := NewBuilder(TypeMapper{Source: db.MySQL, Target: db.Postgres}, true, nil)
		res := b.CreateTable(CreateTableInput{Table: child, Created: planned, Planned: planned, RefName: samename})
		assert.Contains(t, res.Statements[0], `CONSTRAINT "fk_items_order" FOREIGN KEY ("order_id") REFERENCES "orders" ("id") ON DELETE CASCADE`)
		assert.Empty(t, res.Deferred)
	})
	t.Run("parent later in plan is deferred", func(t *testing.T) {
		b := NewBuilder(TypeMapper{Source: db.MySQL, Target: db.Postgres}, true, nil)
		res := b.CreateTable(CreateTableInput{Table: child, Created: noneCreated, Planned: planned, RefName: samename})
		assert.NotContains(t, res.Statements[0], "FOREIGN KEY")
		require.Len(t, res.Deferred, 1)
		assert.Equal(t, `ALTER TABLE "items" ADD CONSTRAINT "fk_items_order" FOREIGN KEY ("order_id") REFERENCES "orders" ("id") ON DELETE CASCADE`, res.Deferred[0])
	})
	t.Run("sqlite declares cycles inline", func(t *testing.T) {
		b := NewBuilder(TypeMapper{Source: db.MySQL, Target: db.SQLite}, true, nil)
		res := b.CreateTable(CreateTableInput{Table: child, Created: noneCreated, Planned: planned, RefName: samename})
		assert.Contains(t, res.Statements[0], "FOREIGN KEY")
		assert.Empty(t, res.Deferred)
	})
	t.Run("parent outside migration is skipped", func(t *testing.T) {
		b := NewBuilder(TypeMapper{Source: db.MySQL, Target: db.Postgres}, true, nil)
		res := b.CreateTable(CreateTableInput{Table: child, Created: noneCreated, Planned: noneCreated, RefName: samename})
		assert.Equal(t, []string{"fk_items_order"}, res.Skipped)
		assert.NotContains(t, res.Statements[0], "FOREIGN KEY")
	})
}

func TestNameRegistry(t *testing.T) {
	existing := &schema.Snapshot{Tables: []schema.Table{{Name: "users", Indexes: []schema.Index{{Name: "idx_email"}}}}}
	r := newNameRegistry(db.Postgres, existing)

	assert.Equal(t, "orders_idx_email", r.claim("orders", "idx_email"))
	assert.Equal(t, "orders_idx_email_2", r.claim("orders", "idx_email"))
	assert.Equal(t, "idx_total", r.claim("orders", "idx_total"))
	assert.Equal(t, []string{"orders_idx_email", "orders_idx_email_2", "idx_total"}, r.issued)

	long := strings.Repeat("x", 80)
	first := r.claim("t", long)
	assert.Len(t, first, 63)
	second := r.claim("t", long)
	assert.Len(t, second, 63)
	assert.NotEqual(t, first, second)
	third := r.claim("t", long)
	assert.True(t, strings.HasSuffix(third, "_2"), third)
}

func TestCreateIndex(t *testing.T) {
	pg := NewBuilder(TypeMapper{Source: db.MySQL, Target: db.Postgres}, true, nil)
	assert.Equal(t, `CREATE UNIQUE INDEX IF NOT EXISTS "uq_email" ON "users" ("email")`,
		pg.CreateIndex("users", schema.Index{Name: "uq_email", Columns: []string{"email"}, Unique: true}))

	my := NewBuilder(TypeMapper{Source: db.Postgres, Target: db.MySQL}, true, nil)
	assert.Equal(t, "CREATE INDEX `idx_a_b` ON `t` (`a`, `b`)",
		my.CreateIndex("t", schema.Index{Name: "idx_a_b", Columns: []string{"a", "b"}}))
}

func TestAddColumnKeepsNotNullOnlyWithDefault(t *testing.T) {
	b := NewBuilder(TypeMapper{Source: db.MySQL, Target: db.Postgres}, true, nil)
	col := schema.Column{Name: "status", Type: schema.CanonicalType{Kind: schema.KindVarchar, Length: 20}}

	assert.Equal(t, `ALTER TABLE "orders" ADD COLUMN "status" VARCHAR(20)`, b.AddColumn("orders", col, "VARCHAR(20)"))

	col.Default = strPtr("'new'")
	assert.Equal(t, `ALTER TABLE "orders" ADD COLUMN "status" VARCHAR(20) DEFAULT 'new' NOT NULL`, b.AddColumn("orders", col, "VARCHAR(20)"))
}

func TestAlterColumnType(t *testing.T) {
	cur := schema.Column{Name: "total", Type: schema.CanonicalType{Kind: schema.KindDecimal, Precision: 8, Scale: 2}, Nullable: false}

	pg := NewBuilder(TypeMapper{Source: db.MySQL, Target: db.Postgres}, true, nil)
	stmt, ok := pg.AlterColumnType("orders", cur, "NUMERIC(10,2)")
	require.True(t, ok)
	assert.Equal(t, `ALTER TABLE "orders" ALTER COLUMN "total" TYPE NUMERIC(10,2) USING "total"::NUMERIC(10,2)`, stmt)

	my := NewBuilder(TypeMapper{Source: db.Postgres, Target: db.MySQL}, true, nil)
	stmt, ok = my.AlterColumnType("orders", cur, "DECIMAL(10,2)")
	require.True(t, ok)
	assert.Equal(t, "ALTER TABLE `orders` MODIFY COLUMN `total` DECIMAL(10,2) NOT NULL", stmt)

	lite := NewBuilder(TypeMapper{Source: db.Postgres, Target: db.SQLite}, true, nil)
	_, ok = lite.AlterColumnType("orders", cur, "DECIMAL(10,2)")
	assert.False(t, ok)
}

func TestDropNotNull(t *testing.T) {
	cur := schema.Column{Name: "note", Type: schema.CanonicalType{Kind: schema.KindText}}

	pg := NewBuilder(TypeMapper{Source: db.MySQL, Target: db.Postgres}, true, nil)
	stmt, ok := pg.DropNotNull("orders", cur, "text")
	require.True(t, ok)
	assert.Equal(t, `ALTER TABLE "orders" ALTER COLUMN "note" DROP NOT NULL`, stmt)

	my := NewBuilder(TypeMapper{Source: db.Postgres, Target: db.MySQL}, true, nil)
	stmt, ok = my.DropNotNull("orders", cur, "LONGTEXT")
	require.True(t, ok)
	assert.Equal(t, "ALTER TABLE `orders` MODIFY COLUMN `note` LONGTEXT NULL", stmt)
}
