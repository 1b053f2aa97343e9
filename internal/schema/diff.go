package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anbu0809/strata-migrate/internal/db"
)

type DiffKind string

const (
	TableMissing       DiffKind = "TABLE_MISSING"
	ColumnMissing      DiffKind = "COLUMN_MISSING"
	TypeMismatch       DiffKind = "TYPE_MISMATCH"
	ConstraintMismatch DiffKind = "CONSTRAINT_MISMATCH"
	CompatibleChange   DiffKind = "COMPATIBLE"
)

// Constraint subtypes carried by CONSTRAINT_MISMATCH entries.
const (
	ConstraintNotNull    = "NOT_NULL"
	ConstraintPrimaryKey = "PRIMARY_KEY"
	ConstraintForeignKey = "FOREIGN_KEY"
	ConstraintUnique     = "UNIQUE"
)

// DiffEntry is one classified difference. Table and Column use source names;
// TargetTable is the matched target name when the table exists there.
type DiffEntry struct {
	ID           string      `json:"id"`
	Kind         DiffKind    `json:"kind"`
	Table        string      `json:"table"`
	TargetTable  string      `json:"target_table,omitempty"`
	Column       string      `json:"column,omitempty"`
	Constraint   string      `json:"constraint,omitempty"`
	Detail       string      `json:"detail,omitempty"`
	SourceTable  *Table      `json:"source_table,omitempty"`
	SourceColumn *Column     `json:"source_column,omitempty"`
	TargetColumn *Column     `json:"target_column,omitempty"`
	ForeignKey   *ForeignKey `json:"foreign_key,omitempty"`
	Index        *Index      `json:"index,omitempty"`
	PrimaryKey   []string    `json:"primary_key,omitempty"`
}

// Diff is the ordered result of comparing two snapshots. TableOrder lists
// every source table parents-first; Cyclic names tables caught in FK cycles.
type Diff struct {
	Entries    []DiffEntry `json:"entries"`
	TableOrder []string    `json:"table_order"`
	Cyclic     []string    `json:"cyclic,omitempty"`
}

// Fingerprint is a SHA-256 over the JSON encoding of the entries. Unchanged
// snapshots always produce the same value.
func (d *Diff) Fingerprint() string {
	entries := d.Entries
	if entries == nil {
		entries = []DiffEntry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		// Entries hold only plain data; Marshal cannot fail.
		panic(fmt.Sprintf("diff fingerprint: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ForTable returns the entries that belong to table, in diff order.
func (d *Diff) ForTable(table string) []DiffEntry {
	var out []DiffEntry
	for _, e := range d.Entries {
		if e.Table == table {
			out = append(out, e)
		}
	}
	return out
}

// Differ compares a source snapshot against a target snapshot.
type Differ struct {
	CaseInsensitive bool
}

// Diff compares src against dst (which may be nil or empty). Target-only
// tables and columns are ignored.
func (df Differ) Diff(src, dst *Snapshot) *Diff {
	ci := df.CaseInsensitive
	target := db.Dialect("")
	if dst != nil {
		target = db.Dialect(dst.Dialect)
	}

	order, cyclic := TopoOrder(src.Tables, ci)
	out := &Diff{TableOrder: order, Entries: []DiffEntry{}}
	for name := range cyclic {
		out.Cyclic = append(out.Cyclic, name)
	}
	sort.Strings(out.Cyclic)

	for _, name := range order {
		st, _ := src.Table(name, false)
		tt, ok := dst.Table(name, ci)
		if !ok {
			out.Entries = append(out.Entries, DiffEntry{
				ID:          id(TableMissing, st.Name, ""),
				Kind:        TableMissing,
				Table:       st.Name,
				SourceTable: st,
				Detail:      "table does not exist in target",
			})
			continue
		}
		out.Entries = append(out.Entries, df.diffColumns(st, tt, target)...)
		out.Entries = append(out.Entries, df.diffConstraints(src, dst, st, tt)...)
	}
	return out
}

func (df Differ) diffColumns(st, tt *Table, target db.Dialect) []DiffEntry {
	ci := df.CaseInsensitive
	cols := append([]Column(nil), st.Columns...)
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	var out []DiffEntry
	for i := range cols {
		sc := &cols[i]
		base := DiffEntry{Table: st.Name, TargetTable: tt.Name, Column: sc.Name, SourceColumn: sc}
		tc, ok := tt.Column(sc.Name, ci)
		if !ok {
			e := base
			e.Kind, e.ID, e.Detail = ColumnMissing, id(ColumnMissing, st.Name, sc.Name), "column does not exist in target"
			out = append(out, e)
			continue
		}
		tcCopy := *tc
		base.TargetColumn = &tcCopy
		switch Compatible(sc.Type, tc.Type, target) {
		case Widening:
			e := base
			e.Kind, e.ID = CompatibleChange, id(CompatibleChange, st.Name, sc.Name)
			e.Detail = fmt.Sprintf("%s widens to %s", sc.Type, tc.Type)
			out = append(out, e)
		case Incompatible:
			e := base
			e.Kind, e.ID = TypeMismatch, id(TypeMismatch, st.Name, sc.Name)
			e.Detail = fmt.Sprintf("%s cannot be stored as %s", sc.Type, tc.Type)
			out = append(out, e)
		}
		if sc.Nullable && !tc.Nullable {
			e := base
			e.Kind, e.ID, e.Constraint = ConstraintMismatch, id(ConstraintMismatch, st.Name, sc.Name), ConstraintNotNull
			e.Detail = "target column is NOT NULL but source allows NULL"
			out = append(out, e)
		}
	}
	return out
}

func (df Differ) diffConstraints(src, dst *Snapshot, st, tt *Table) []DiffEntry {
	ci := df.CaseInsensitive
	var out []DiffEntry

	if len(st.PrimaryKey) > 0 && !sameNames(st.PrimaryKey, tt.PrimaryKey, ci) {
		out = append(out, DiffEntry{
			ID:          "CONSTRAINT_MISMATCH:" + st.Name + ":pk",
			Kind:        ConstraintMismatch,
			Table:       st.Name,
			TargetTable: tt.Name,
			Constraint:  ConstraintPrimaryKey,
			PrimaryKey:  append([]string(nil), st.PrimaryKey...),
			Detail:      fmt.Sprintf("primary key (%s) differs from target (%s)", strings.Join(st.PrimaryKey, ", "), strings.Join(tt.PrimaryKey, ", ")),
		})
	}

	for i := range st.ForeignKeys {
		fk := st.ForeignKeys[i]
		_, parentInSource := src.Table(fk.RefTable, ci)
		_, parentInTarget := dst.Table(fk.RefTable, ci)
		if !parentInSource && !parentInTarget {
			continue
		}
		if hasForeignKey(tt, fk, ci) {
			continue
		}
		out = append(out, DiffEntry{
			ID:          "CONSTRAINT_MISMATCH:" + st.Name + ":fk:" + fk.Name,
			Kind:        ConstraintMismatch,
			Table:       st.Name,
			TargetTable: tt.Name,
			Constraint:  ConstraintForeignKey,
			ForeignKey:  &fk,
			Detail:      fmt.Sprintf("foreign key %s -> %s missing in target", fk.Name, fk.RefTable),
		})
	}

	for i := range st.Indexes {
		idx := st.Indexes[i]
		if !idx.Unique || hasUnique(tt, idx.Columns, ci) {
			continue
		}
		out = append(out, DiffEntry{
			ID:          "CONSTRAINT_MISMATCH:" + st.Name + ":uq:" + idx.Name,
			Kind:        ConstraintMismatch,
			Table:       st.Name,
			TargetTable: tt.Name,
			Constraint:  ConstraintUnique,
			Index:       &idx,
			Detail:      fmt.Sprintf("unique index %s (%s) missing in target", idx.Name, strings.Join(idx.Columns, ", ")),
		})
	}
	return out
}

func id(kind DiffKind, table, column string) string {
	if column == "" {
		return string(kind) + ":" + table
	}
	return string(kind) + ":" + table + "." + column
}

func sameNames(a, b []string, ci bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !nameEqual(a[i], b[i], ci) {
			return false
		}
	}
	return true
}

func hasForeignKey(t *Table, fk ForeignKey, ci bool) bool {
	for _, other := range t.ForeignKeys {
		if nameEqual(other.RefTable, fk.RefTable, ci) &&
			sameNames(other.Columns, fk.Columns, ci) &&
			(len(fk.RefColumns) == 0 || sameNames(other.RefColumns, fk.RefColumns, ci)) {
			return true
		}
	}
	return false
}

// hasUnique reports whether t enforces uniqueness over exactly cols, through
// a unique index or its primary key.
func hasUnique(t *Table, cols []string, ci bool) bool {
	if sameSet(t.PrimaryKey, cols, ci) {
		return true
	}
	for _, idx := range t.Indexes {
		if idx.Unique && sameSet(idx.Columns, cols, ci) {
			return true
		}
	}
	return false
}

func sameSet(a, b []string, ci bool) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, n := range a {
		seen[nameKey(n, ci)]++
	}
	for _, n := range b {
		k := nameKey(n, ci)
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}

// TopoOrder sorts tables parents-first using Kahn's algorithm with a
// lexically sorted queue. Tables left over because of a cycle are appended
// in lexical order and reported in the cyclic set. Self references and
// references to tables outside the list are ignored.
func TopoOrder(tables []Table, ci bool) ([]string, map[string]bool) {
	names := make(map[string]string, len(tables))
	for _, t := range tables {
		names[nameKey(t.Name, ci)] = t.Name
	}
	indegree := make(map[string]int, len(tables))
	children := make(map[string][]string, len(tables))
	for _, t := range tables {
		indegree[t.Name] += 0
		parents := map[string]bool{}
		for _, fk := range t.ForeignKeys {
			parent, ok := names[nameKey(fk.RefTable, ci)]
			if !ok || parent == t.Name || parents[parent] {
				continue
			}
			parents[parent] = true
			indegree[t.Name]++
			children[parent] = append(children[parent], t.Name)
		}
	}

	var queue []string
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(tables))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, c := range children[n] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
				sort.Strings(queue)
			}
		}
	}

	cyclic := map[string]bool{}
	if len(order) < len(tables) {
		var rest []string
		for name, d := range indegree {
			if d > 0 {
				rest = append(rest, name)
				cyclic[name] = true
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)
	}
	return order, cyclic
}

// Parents returns the in-list tables that t references, excluding itself.
func Parents(t *Table, tables []Table, ci bool) []string {
	var out []string
	seen := map[string]bool{}
	for _, fk := range t.ForeignKeys {
		for _, other := range tables {
			if nameEqual(other.Name, fk.RefTable, ci) && other.Name != t.Name && !seen[other.Name] {
				seen[other.Name] = true
				out = append(out, other.Name)
			}
		}
	}
	sort.Strings(out)
	return out
}
