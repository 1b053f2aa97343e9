package translate

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"vitess.io/vitess/go/vt/sqlparser"
	_ "modernc.org/sqlite"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/utils"
)

// ValidationError explains why a statement was not accepted.
type ValidationError struct {
	Statement string
	Reason    string
}

func (e *ValidationError) Error() string {
	return "statement rejected: " + e.Reason
}

func reject(stmt, format string, args ...any) error {
	return &ValidationError{Statement: stmt, Reason: fmt.Sprintf(format, args...)}
}

// IdentifierSet is every name a plan statement may mention: tables and
// columns from both snapshots plus generated index and constraint names.
type IdentifierSet struct {
	ci      bool
	tables  map[string]bool
	columns map[string]map[string]bool
	names   map[string]bool
}

func NewIdentifierSet(caseInsensitive bool) *IdentifierSet {
	return &IdentifierSet{
		ci:      caseInsensitive,
		tables:  map[string]bool{},
		columns: map[string]map[string]bool{},
		names:   map[string]bool{},
	}
}

func (s *IdentifierSet) key(name string) string {
	if s.ci {
		return strings.ToLower(name)
	}
	return name
}

// AddTable registers a table with its columns, index and FK names.
func (s *IdentifierSet) AddTable(t *schema.Table) {
	tk := s.key(t.Name)
	s.tables[tk] = true
	if s.columns[tk] == nil {
		s.columns[tk] = map[string]bool{}
	}
	for _, c := range t.Columns {
		s.columns[tk][s.key(c.Name)] = true
	}
	for _, idx := range t.Indexes {
		s.AddName(idx.Name)
	}
	for _, fk := range t.ForeignKeys {
		s.AddName(fk.Name)
	}
	s.AddName(t.Name + "_pkey")
}

func (s *IdentifierSet) AddName(name string) {
	if name != "" {
		s.names[s.key(name)] = true
	}
}

func (s *IdentifierSet) HasTable(table string) bool { return s.tables[s.key(table)] }

func (s *IdentifierSet) HasColumn(table, column string) bool {
	return s.columns[s.key(table)][s.key(column)]
}

func (s *IdentifierSet) HasName(name string) bool { return s.names[s.key(name)] }

// stmtFacts is what a parser found in one statement.
type stmtFacts struct {
	tables  []string
	columns [][2]string // table, column
	names   []string    // index and constraint names
	loose   [][2]string // table, identifier that is either a column or a name
	types   [][3]string // table, column, native type
}

func (f *stmtFacts) column(table, col string) {
	if col != "" {
		f.columns = append(f.columns, [2]string{table, col})
	}
}

func (f *stmtFacts) name(n string) {
	if n != "" {
		f.names = append(f.names, n)
	}
}

// Validator is the gate every plan statement passes before it can run,
// whether it was built here, suggested by the translation service or typed
// by an operator.
type Validator struct {
	Target         db.Dialect
	Idents         *IdentifierSet
	Source         *schema.Snapshot
	Existing       []schema.Table // target tables plus tables the plan creates, for the SQLite sandbox
	ScaleTolerance int

	mysql *sqlparser.Parser
}

// Scope says which table, if any, the statements being validated create.
type Scope struct {
	Creates string
}

// Validate checks statements in order: syntax in the target dialect, known
// identifiers only, and no precision loss against the source column types.
func (v *Validator) Validate(ctx context.Context, statements []string, scope Scope) error {
	for _, stmt := range statements {
		if n := len(utils.SplitStatements(stmt)); n != 1 {
			return reject(stmt, "expected exactly one statement, found %d", n)
		}
	}
	if v.Target == db.SQLite {
		return v.validateSQLite(ctx, statements, scope)
	}
	for _, stmt := range statements {
		var (
			facts *stmtFacts
			err   error
		)
		switch v.Target {
		case db.Postgres:
			facts, err = postgresFacts(stmt)
		case db.MySQL:
			facts, err = v.mysqlFacts(stmt)
		default:
			return reject(stmt, "unsupported target dialect %s", v.Target)
		}
		if err != nil {
			return err
		}
		if err := v.check(stmt, facts); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) check(stmt string, f *stmtFacts) error {
	for _, t := range f.tables {
		if !v.Idents.HasTable(t) {
			return reject(stmt, "unknown table %q", t)
		}
	}
	for _, c := range f.columns {
		if !v.Idents.HasColumn(c[0], c[1]) {
			return reject(stmt, "unknown column %q on table %q", c[1], c[0])
		}
	}
	for _, n := range f.names {
		if !v.Idents.HasName(n) {
			return reject(stmt, "unknown index or constraint name %q", n)
		}
	}
	for _, l := range f.loose {
		if !v.Idents.HasColumn(l[0], l[1]) && !v.Idents.HasName(l[1]) && !strings.EqualFold(l[1], "primary") {
			return reject(stmt, "unknown identifier %q on table %q", l[1], l[0])
		}
	}
	for _, t := range f.types {
		if err := v.checkType(stmt, t[0], t[1], schema.Canonicalize(v.Target, t[2])); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkType(stmt, table, column string, dst schema.CanonicalType) error {
	st, ok := v.Source.Table(table, v.Idents.ci)
	if !ok {
		return nil
	}
	sc, ok := st.Column(column, v.Idents.ci)
	if !ok {
		return nil
	}
	if reason, narrows := Narrows(sc.Type, dst, v.Target, v.ScaleTolerance); narrows {
		return reject(stmt, "column %s.%s: %s", table, column, reason)
	}
	return nil
}

// postgresFacts parses stmt with the Postgres parser. Only CREATE TABLE,
// ALTER TABLE and CREATE INDEX are accepted.
func postgresFacts(stmt string) (*stmtFacts, error) {
	res, err := pg_query.Parse(stmt)
	if err != nil {
		return nil, reject(stmt, "syntax: %v", err)
	}
	if len(res.Stmts) != 1 {
		return nil, reject(stmt, "expected exactly one statement, found %d", len(res.Stmts))
	}
	f := &stmtFacts{}
	node := res.Stmts[0].Stmt
	switch {
	case node.GetCreateStmt() != nil:
		cs := node.GetCreateStmt()
		table := cs.GetRelation().GetRelname()
		f.tables = append(f.tables, table)
		for _, elt := range cs.GetTableElts() {
			if cd := elt.GetColumnDef(); cd != nil {
				pgColumnDef(f, table, cd.GetColname(), cd)
			} else if c := elt.GetConstraint(); c != nil {
				pgConstraint(f, table, "", c)
			}
		}
	case node.GetAlterTableStmt() != nil:
		at := node.GetAlterTableStmt()
		table := at.GetRelation().GetRelname()
		f.tables = append(f.tables, table)
		for _, n := range at.GetCmds() {
			cmd := n.GetAlterTableCmd()
			if cmd == nil {
				continue
			}
			switch cmd.GetSubtype() {
			case pg_query.AlterTableType_AT_AddColumn:
				if cd := cmd.GetDef().GetColumnDef(); cd != nil {
					pgColumnDef(f, table, cd.GetColname(), cd)
				}
			case pg_query.AlterTableType_AT_AlterColumnType:
				if cd := cmd.GetDef().GetColumnDef(); cd != nil {
					pgColumnDef(f, table, cmd.GetName(), cd)
				}
			case pg_query.AlterTableType_AT_DropNotNull, pg_query.AlterTableType_AT_SetNotNull, pg_query.AlterTableType_AT_ColumnDefault:
				f.column(table, cmd.GetName())
			case pg_query.AlterTableType_AT_AddConstraint:
				if c := cmd.GetDef().GetConstraint(); c != nil {
					pgConstraint(f, table, "", c)
				}
			default:
				return nil, reject(stmt, "ALTER TABLE subcommand %s is not allowed", cmd.GetSubtype())
			}
		}
	case node.GetIndexStmt() != nil:
		is := node.GetIndexStmt()
		table := is.GetRelation().GetRelname()
		f.tables = append(f.tables, table)
		f.name(is.GetIdxname())
		for _, p := range is.GetIndexParams() {
			if elem := p.GetIndexElem(); elem != nil {
				f.column(table, elem.GetName())
			}
		}
	default:
		return nil, reject(stmt, "only CREATE TABLE, ALTER TABLE and CREATE INDEX are allowed")
	}
	return f, nil
}

func pgColumnDef(f *stmtFacts, table, column string, cd *pg_query.ColumnDef) {
	f.column(table, column)
	if tn := cd.GetTypeName(); tn != nil {
		f.types = append(f.types, [3]string{table, column, pgTypeName(tn)})
	}
	for _, n := range cd.GetConstraints() {
		if c := n.GetConstraint(); c != nil {
			pgConstraint(f, table, column, c)
		}
	}
}

func pgConstraint(f *stmtFacts, table, column string, c *pg_query.Constraint) {
	f.name(c.GetConname())
	for _, k := range c.GetKeys() {
		f.column(table, k.GetString_().GetSval())
	}
	for _, k := range c.GetFkAttrs() {
		f.column(table, k.GetString_().GetSval())
	}
	if c.GetContype() == pg_query.ConstrType_CONSTR_FOREIGN {
		ref := c.GetPktable().GetRelname()
		f.tables = append(f.tables, ref)
		for _, k := range c.GetPkAttrs() {
			f.column(ref, k.GetString_().GetSval())
		}
		if column != "" && len(c.GetFkAttrs()) == 0 {
			f.column(table, column)
		}
	}
}

// pgTypeName renders a parsed type back to "numeric(10,2)" form, dropping
// the pg_catalog qualifier.
func pgTypeName(tn *pg_query.TypeName) string {
	var parts []string
	for _, n := range tn.GetNames() {
		if s := n.GetString_().GetSval(); s != "" && s != "pg_catalog" {
			parts = append(parts, s)
		}
	}
	name := strings.Join(parts, ".")
	var mods []string
	for _, m := range tn.GetTypmods() {
		if c := m.GetAConst(); c != nil && c.GetIval() != nil {
			mods = append(mods, strconv.Itoa(int(c.GetIval().GetIval())))
		}
	}
	if len(mods) > 0 {
		name += "(" + strings.Join(mods, ",") + ")"
	}
	if len(tn.GetArrayBounds()) > 0 {
		name += "[]"
	}
	return name
}

func (v *Validator) parser() (*sqlparser.Parser, error) {
	if v.mysql != nil {
		return v.mysql, nil
	}
	p, err := sqlparser.New(sqlparser.Options{MySQLServerVersion: "8.0.40"})
	if err != nil {
		return nil, err
	}
	v.mysql = p
	return p, nil
}

// mysqlFacts parses stmt with the vitess MySQL parser. CREATE INDEX parses
// as an ALTER TABLE.
func (v *Validator) mysqlFacts(stmt string) (*stmtFacts, error) {
	p, err := v.parser()
	if err != nil {
		return nil, fmt.Errorf("mysql parser: %w", err)
	}
	parsed, err := p.Parse(stmt)
	if err != nil {
		return nil, reject(stmt, "syntax: %v", err)
	}
	var table string
	switch s := parsed.(type) {
	case *sqlparser.CreateTable:
		table = s.Table.Name.String()
	case *sqlparser.AlterTable:
		table = s.Table.Name.String()
	default:
		return nil, reject(stmt, "only CREATE TABLE, ALTER TABLE and CREATE INDEX are allowed")
	}

	f := &stmtFacts{tables: []string{table}}
	err = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case sqlparser.TableName:
			if n.Name.String() != "" {
				f.tables = append(f.tables, n.Name.String())
			}
			return false, nil
		case *sqlparser.ReferenceDefinition:
			ref := n.ReferencedTable.Name.String()
			f.tables = append(f.tables, ref)
			for _, c := range n.ReferencedColumns {
				f.column(ref, c.String())
			}
			return false, nil
		case *sqlparser.ColumnDefinition:
			f.column(table, n.Name.String())
			f.types = append(f.types, [3]string{table, n.Name.String(), mysqlColumnType(n.Type)})
		case sqlparser.IdentifierCI:
			if n.String() != "" {
				f.loose = append(f.loose, [2]string{table, n.String()})
			}
		case *sqlparser.IdentifierCI:
			if n != nil && n.String() != "" {
				f.loose = append(f.loose, [2]string{table, n.String()})
			}
		case sqlparser.Expr:
			// defaults, generated columns and checks name no schema objects we track
			return false, nil
		}
		return true, nil
	}, parsed)
	if err != nil {
		return nil, reject(stmt, "walk: %v", err)
	}
	return f, nil
}

// mysqlColumnType renders only the type part of a column definition.
func mysqlColumnType(ct *sqlparser.ColumnType) string {
	if ct == nil {
		return ""
	}
	c := *ct
	c.Options = nil
	c.Charset = sqlparser.ColumnCharset{}
	s := strings.ToLower(sqlparser.String(&c))
	for _, cut := range []string{" character set", " collate"} {
		if i := strings.Index(s, cut); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// validateSQLite runs the statements against an in-memory database seeded
// with shell tables and inspects what they changed.
func (v *Validator) validateSQLite(ctx context.Context, statements []string, scope Scope) error {
	sandbox, closeFn, err := openSandbox()
	if err != nil {
		return fmt.Errorf("open sqlite sandbox: %w", err)
	}
	defer closeFn()

	for _, t := range v.Existing {
		if scope.Creates != "" && strings.EqualFold(t.Name, scope.Creates) {
			continue
		}
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = db.SQLite.Quote(c.Name)
		}
		shell := fmt.Sprintf("CREATE TABLE %s (%s)", db.SQLite.Quote(t.Name), strings.Join(cols, ", "))
		if err := sandbox.DB.WithContext(ctx).Exec(shell).Error; err != nil {
			return fmt.Errorf("seed sandbox table %s: %w", t.Name, err)
		}
	}

	intro := schema.NewIntrospector(zap.NewNop(), db.RetryPolicy{}, 0)
	before, err := intro.Capture(ctx, sandbox, schema.Selection{})
	if err != nil {
		return fmt.Errorf("capture sandbox: %w", err)
	}
	for _, stmt := range statements {
		if err := sandbox.DB.WithContext(ctx).Exec(stmt).Error; err != nil {
			return reject(stmt, "sqlite: %v", err)
		}
	}
	joined := strings.Join(statements, ";\n")
	if err := rejectExpressionIndexes(ctx, sandbox, joined); err != nil {
		return err
	}
	after, err := intro.Capture(ctx, sandbox, schema.Selection{})
	if err != nil {
		return fmt.Errorf("capture sandbox: %w", err)
	}
	return v.checkSandboxChange(joined, before, after)
}

// rejectExpressionIndexes fails on any index keyed by an expression. SQLite
// reads a double-quoted name that matches no column as a string literal, so
// an index on an unknown column turns into an expression index that the
// introspector skips.
func rejectExpressionIndexes(ctx context.Context, sandbox *db.Connector, stmt string) error {
	var indexes []struct {
		Name  string `gorm:"column:name"`
		Table string `gorm:"column:tbl_name"`
	}
	if err := sandbox.DB.WithContext(ctx).
		Raw("SELECT name, tbl_name FROM sqlite_master WHERE type = 'index' AND sql IS NOT NULL").
		Scan(&indexes).Error; err != nil {
		return fmt.Errorf("list sandbox indexes: %w", err)
	}
	for _, idx := range indexes {
		var keys []struct {
			Cid int `gorm:"column:cid"`
			Key int `gorm:"column:key"`
		}
		if err := sandbox.DB.WithContext(ctx).
			Raw(fmt.Sprintf("PRAGMA index_xinfo(%s)", db.SQLite.Quote(idx.Name))).
			Scan(&keys).Error; err != nil {
			return fmt.Errorf("sqlite PRAGMA index_xinfo failed for index '%s': %w", idx.Name, err)
		}
		for _, k := range keys {
			if k.Key == 1 && k.Cid == -2 {
				return reject(stmt, "index %q on table %q keys on an expression or unknown column", idx.Name, idx.Table)
			}
		}
	}
	return nil
}

func openSandbox() (*db.Connector, func(), error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, nil, err
	}
	// Every connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)
	gdb, err := gorm.Open(sqlite.New(sqlite.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return &db.Connector{DB: gdb, Dialect: db.SQLite}, func() { _ = sqlDB.Close() }, nil
}

func (v *Validator) checkSandboxChange(stmt string, before, after *schema.Snapshot) error {
	for _, bt := range before.Tables {
		at, ok := after.Table(bt.Name, false)
		if !ok {
			return reject(stmt, "statement drops table %q", bt.Name)
		}
		for _, c := range bt.Columns {
			if _, ok := at.Column(c.Name, false); !ok {
				return reject(stmt, "statement drops column %s.%s", bt.Name, c.Name)
			}
		}
	}

	f := &stmtFacts{}
	for i := range after.Tables {
		at := &after.Tables[i]
		bt, existed := before.Table(at.Name, false)
		if !existed {
			f.tables = append(f.tables, at.Name)
		}
		for _, c := range at.Columns {
			if existed {
				if _, ok := bt.Column(c.Name, false); ok {
					continue
				}
			}
			f.column(at.Name, c.Name)
			f.types = append(f.types, [3]string{at.Name, c.Name, c.Type.Native})
		}
		for _, idx := range at.Indexes {
			if existed && hasIndex(bt, idx.Name) {
				continue
			}
			if idx.Name != "uq_"+at.Name+"_"+strings.Join(idx.Columns, "_") {
				f.name(idx.Name)
			}
			for _, c := range idx.Columns {
				f.column(at.Name, c)
			}
		}
		for _, fk := range at.ForeignKeys {
			f.tables = append(f.tables, fk.RefTable)
			for _, c := range fk.RefColumns {
				f.column(fk.RefTable, c)
			}
		}
	}
	return v.check(stmt, f)
}

func hasIndex(t *schema.Table, name string) bool {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return true
		}
	}
	return false
}
