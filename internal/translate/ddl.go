package translate

import (
	"fmt"
	"strings"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/utils"
)

// maxIdentifier is the longest index or constraint name each dialect keeps.
var maxIdentifier = map[db.Dialect]int{db.Postgres: 63, db.MySQL: 64}

// nameRegistry hands out index and constraint names that are unique across
// the target database. Names already present in the target are reserved up
// front.
type nameRegistry struct {
	dialect db.Dialect
	used    map[string]bool
	issued  []string
}

func newNameRegistry(dialect db.Dialect, existing *schema.Snapshot) *nameRegistry {
	r := &nameRegistry{dialect: dialect, used: map[string]bool{}}
	if existing != nil {
		for _, t := range existing.Tables {
			for _, idx := range t.Indexes {
				r.used[strings.ToLower(idx.Name)] = true
			}
			for _, fk := range t.ForeignKeys {
				r.used[strings.ToLower(fk.Name)] = true
			}
		}
	}
	return r
}

// claim returns name if it is free, else table_name, else table_name_N.
func (r *nameRegistry) claim(table, name string) string {
	candidates := []string{name, table + "_" + name}
	for _, c := range candidates {
		c = r.truncate(c)
		if !r.used[strings.ToLower(c)] {
			return r.take(c)
		}
	}
	for n := 2; ; n++ {
		suffix := fmt.Sprintf("_%d", n)
		c := r.truncate(table+"_"+name+suffix, len(suffix))
		if !r.used[strings.ToLower(c)] {
			return r.take(c)
		}
	}
}

func (r *nameRegistry) take(name string) string {
	r.used[strings.ToLower(name)] = true
	r.issued = append(r.issued, name)
	return name
}

// truncate shortens name to the dialect limit, keeping the last keep bytes.
func (r *nameRegistry) truncate(name string, keep ...int) string {
	limit := maxIdentifier[r.dialect]
	if limit == 0 || len(name) <= limit {
		return name
	}
	k := 0
	if len(keep) > 0 {
		k = keep[0]
	}
	return name[:limit-k] + name[len(name)-k:]
}

// Builder renders DDL for one source/target dialect pair.
type Builder struct {
	Mapper          TypeMapper
	CaseInsensitive bool

	names *nameRegistry
}

func NewBuilder(mapper TypeMapper, caseInsensitive bool, target *schema.Snapshot) *Builder {
	return &Builder{Mapper: mapper, CaseInsensitive: caseInsensitive, names: newNameRegistry(mapper.Target, target)}
}

func (b *Builder) quote(name string) string { return b.Mapper.Target.Quote(name) }

func (b *Builder) quoteAll(names []string) string {
	return utils.QuoteIdentifiers(names, b.Mapper.Target.String())
}

// IssuedNames returns every index and constraint name generated so far.
func (b *Builder) IssuedNames() []string { return append([]string(nil), b.names.issued...) }

// columnOptions controls which clauses a column definition may carry.
type columnOptions struct {
	primaryKey   bool // column is part of the primary key
	singlePK     bool // and the key has one column
	addingColumn bool // ALTER TABLE ADD COLUMN on a table that may hold rows
}

// columnDefinition renders `"name" TYPE [identity] [DEFAULT x] [NOT NULL]`.
// native is the already resolved target type.
func (b *Builder) columnDefinition(col schema.Column, native string, opts columnOptions) string {
	target := b.Mapper.Target
	var def strings.Builder
	def.WriteString(b.quote(col.Name))
	def.WriteString(" ")

	autoInc := col.AutoIncrement && opts.primaryKey && !opts.addingColumn &&
		(col.Type.Kind == schema.KindInteger || col.Type.Kind == schema.KindBigInt)
	if autoInc && target == db.SQLite && opts.singlePK {
		// Only a column declared exactly INTEGER becomes the rowid alias.
		native = "INTEGER"
	}
	def.WriteString(native)
	if autoInc {
		switch target {
		case db.MySQL:
			def.WriteString(" AUTO_INCREMENT")
		case db.Postgres:
			def.WriteString(" GENERATED BY DEFAULT AS IDENTITY")
		}
	}

	dflt, hasDefault := PortableDefault(col, b.Mapper.Source, target)
	if hasDefault {
		def.WriteString(" DEFAULT ")
		def.WriteString(dflt)
	}
	if !col.Nullable && (!opts.addingColumn || hasDefault) {
		def.WriteString(" NOT NULL")
	}
	return def.String()
}

// resolveColumn maps a column type, reporting false when the translation
// service has to supply it.
func (b *Builder) resolveColumn(col schema.Column) (string, bool) {
	native, _, ok := b.Mapper.Resolve(col.Type)
	return native, ok
}

// fkPlacement decides where a foreign key of a new table goes.
type fkPlacement int

const (
	fkInline fkPlacement = iota
	fkDeferred
	fkSkip
)

// CreateTableInput collects what CreateTable needs beyond the table itself.
type CreateTableInput struct {
	Table *schema.Table
	// Natives holds target types for columns the mapper cannot resolve,
	// keyed by column name.
	Natives map[string]string
	// Created reports whether a parent table exists by the time this table
	// is created (earlier in the plan or already in the target).
	Created func(table string) bool
	// Planned reports whether a parent table is created later in the plan.
	Planned func(table string) bool
	// RefName maps a parent table to the name it has in the target.
	RefName func(table string) string
}

// CreateTableResult is the rendered DDL for one missing table.
type CreateTableResult struct {
	Statements []string // CREATE TABLE then its indexes
	Deferred   []string // FKs that must wait until every table exists
	Skipped    []string // FKs to tables outside the migration
	Unresolved []string // columns with no target type
}

// CreateTable renders CREATE TABLE plus CREATE INDEX statements. The primary
// key keeps its source column order.
func (b *Builder) CreateTable(in CreateTableInput) CreateTableResult {
	t := in.Table
	var res CreateTableResult

	pk := map[string]bool{}
	for _, c := range t.PrimaryKey {
		pk[strings.ToLower(c)] = true
	}

	lines := make([]string, 0, len(t.Columns)+1+len(t.ForeignKeys))
	for _, col := range t.Columns {
		native, ok := in.Natives[col.Name]
		if !ok {
			native, ok = b.resolveColumn(col)
		}
		if !ok {
			res.Unresolved = append(res.Unresolved, col.Name)
			continue
		}
		lines = append(lines, "  "+b.columnDefinition(col, native, columnOptions{
			primaryKey: pk[strings.ToLower(col.Name)],
			singlePK:   len(t.PrimaryKey) == 1,
		}))
	}
	if len(res.Unresolved) > 0 {
		return res
	}
	if len(t.PrimaryKey) > 0 {
		lines = append(lines, fmt.Sprintf("  PRIMARY KEY (%s)", b.quoteAll(t.PrimaryKey)))
	}

	for _, fk := range t.ForeignKeys {
		switch b.placeForeignKey(t, fk, in) {
		case fkSkip:
			res.Skipped = append(res.Skipped, fk.Name)
		case fkDeferred:
			res.Deferred = append(res.Deferred, b.AddForeignKey(t.Name, fk, in.RefName(fk.RefTable)))
		default:
			name := b.names.claim(t.Name, fk.Name)
			lines = append(lines, "  "+b.foreignKeyClause(name, fk, in.RefName(fk.RefTable)))
		}
	}

	var create strings.Builder
	create.WriteString("CREATE TABLE ")
	create.WriteString(b.quote(t.Name))
	create.WriteString(" (\n")
	create.WriteString(strings.Join(lines, ",\n"))
	create.WriteString("\n)")
	res.Statements = append(res.Statements, create.String())

	for _, idx := range t.Indexes {
		if len(idx.Columns) == 0 {
			continue
		}
		res.Statements = append(res.Statements, b.CreateIndex(t.Name, idx))
	}
	return res
}

func (b *Builder) placeForeignKey(t *schema.Table, fk schema.ForeignKey, in CreateTableInput) fkPlacement {
	switch {
	case strings.EqualFold(fk.RefTable, t.Name), in.Created(fk.RefTable):
		return fkInline
	case !in.Planned(fk.RefTable):
		return fkSkip
	case b.Mapper.Target == db.SQLite:
		// SQLite resolves references lazily, so cycles can be declared inline.
		return fkInline
	}
	return fkDeferred
}

func (b *Builder) foreignKeyClause(name string, fk schema.ForeignKey, refTable string) string {
	var s strings.Builder
	fmt.Fprintf(&s, "CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		b.quote(name), b.quoteAll(fk.Columns), b.quote(refTable), b.quoteAll(fk.RefColumns))
	if fk.OnDelete != "" {
		s.WriteString(" ON DELETE ")
		s.WriteString(fk.OnDelete)
	}
	if fk.OnUpdate != "" {
		s.WriteString(" ON UPDATE ")
		s.WriteString(fk.OnUpdate)
	}
	return s.String()
}

// CreateIndex renders CREATE [UNIQUE] INDEX with a registry-issued name.
func (b *Builder) CreateIndex(table string, idx schema.Index) string {
	name := b.names.claim(table, idx.Name)
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	ifNotExists := ""
	if b.Mapper.Target != db.MySQL {
		ifNotExists = "IF NOT EXISTS "
	}
	return fmt.Sprintf("CREATE %sINDEX %s%s ON %s (%s)", unique, ifNotExists, b.quote(name), b.quote(table), b.quoteAll(idx.Columns))
}

// AddColumn renders ALTER TABLE ADD COLUMN. NOT NULL is kept only when a
// default fills existing rows.
func (b *Builder) AddColumn(table string, col schema.Column, native string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", b.quote(table),
		b.columnDefinition(col, native, columnOptions{addingColumn: true}))
}

// AlterColumnType changes a column's type in place. cur is the column as it
// exists in the target; its nullability, default and identity are kept.
func (b *Builder) AlterColumnType(table string, cur schema.Column, native string) (string, bool) {
	switch b.Mapper.Target {
	case db.Postgres:
		col := b.quote(cur.Name)
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s", b.quote(table), col, native, col, native), true
	case db.MySQL:
		keep := b.withTarget()
		return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", b.quote(table),
			keep.columnDefinition(cur, native, columnOptions{primaryKey: cur.AutoIncrement, singlePK: true})+nullClause(cur.Nullable)), true
	}
	return "", false
}

// DropNotNull relaxes a NOT NULL column. native is the column's current
// target type, needed by MySQL's MODIFY.
func (b *Builder) DropNotNull(table string, cur schema.Column, native string) (string, bool) {
	switch b.Mapper.Target {
	case db.Postgres:
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", b.quote(table), b.quote(cur.Name)), true
	case db.MySQL:
		cur.Nullable = true
		keep := b.withTarget()
		return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", b.quote(table),
			keep.columnDefinition(cur, native, columnOptions{primaryKey: cur.AutoIncrement, singlePK: true})+" NULL"), true
	}
	return "", false
}

// AddPrimaryKey renders ALTER TABLE ADD PRIMARY KEY. SQLite cannot alter keys.
func (b *Builder) AddPrimaryKey(table string, cols []string) (string, bool) {
	if b.Mapper.Target == db.SQLite {
		return "", false
	}
	return fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", b.quote(table), b.quoteAll(cols)), true
}

// AddForeignKey renders ALTER TABLE ADD CONSTRAINT ... FOREIGN KEY.
func (b *Builder) AddForeignKey(table string, fk schema.ForeignKey, refTable string) string {
	name := b.names.claim(table, fk.Name)
	return fmt.Sprintf("ALTER TABLE %s ADD %s", b.quote(table), b.foreignKeyClause(name, fk, refTable))
}

// withTarget returns a builder whose defaults are read in the target dialect,
// for statements that restate an existing target column.
func (b *Builder) withTarget() *Builder {
	c := *b
	c.Mapper.Source = b.Mapper.Target
	return &c
}

// nullClause makes MySQL's MODIFY explicit about nullability; NOT NULL is
// already rendered by columnDefinition.
func nullClause(nullable bool) string {
	if nullable {
		return " NULL"
	}
	return ""
}
