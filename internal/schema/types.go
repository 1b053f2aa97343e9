// Package schema captures live database structure as dialect-neutral
// snapshots and compares them.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of canonical column types.
type Kind string

const (
	KindInteger   Kind = "INTEGER"
	KindBigInt    Kind = "BIGINT"
	KindDecimal   Kind = "DECIMAL"
	KindText      Kind = "TEXT"
	KindVarchar   Kind = "VARCHAR"
	KindBoolean   Kind = "BOOLEAN"
	KindDate      Kind = "DATE"
	KindTimestamp Kind = "TIMESTAMP"
	KindBlob      Kind = "BLOB"
	KindJSON      Kind = "JSON"
	KindUnknown   Kind = "UNKNOWN"
)

// CanonicalType is a dialect-neutral column type. Precision and Scale apply to
// DECIMAL (Precision 0 means unconstrained), Length to VARCHAR. Native keeps
// the type as declared in the database it was read from; for UNKNOWN it is
// the only description available.
type CanonicalType struct {
	Kind         Kind   `json:"kind"`
	Precision    int    `json:"precision,omitempty"`
	Scale        int    `json:"scale,omitempty"`
	Length       int    `json:"length,omitempty"`
	WithTimeZone bool   `json:"with_time_zone,omitempty"`
	Native       string `json:"native,omitempty"`
}

func (t CanonicalType) String() string {
	switch t.Kind {
	case KindDecimal:
		if t.Precision == 0 {
			return "DECIMAL"
		}
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
	case KindVarchar:
		return fmt.Sprintf("VARCHAR(%d)", t.Length)
	case KindTimestamp:
		if t.WithTimeZone {
			return "TIMESTAMP WITH TIME ZONE"
		}
		return "TIMESTAMP"
	case KindUnknown:
		return fmt.Sprintf("UNKNOWN(%s)", t.Native)
	}
	return string(t.Kind)
}

// Same reports whether two types are semantically identical. Native spelling
// only matters for UNKNOWN.
func (t CanonicalType) Same(o CanonicalType) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindDecimal:
		return t.Precision == o.Precision && t.Scale == o.Scale
	case KindVarchar:
		return t.Length == o.Length
	case KindTimestamp:
		return t.WithTimeZone == o.WithTimeZone
	case KindUnknown:
		return strings.EqualFold(strings.TrimSpace(t.Native), strings.TrimSpace(o.Native))
	}
	return true
}

type Column struct {
	Name          string        `json:"name"`
	Type          CanonicalType `json:"type"`
	Nullable      bool          `json:"nullable"`
	Default       *string       `json:"default,omitempty"`
	AutoIncrement bool          `json:"auto_increment,omitempty"`
}

type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
	OnDelete   string   `json:"on_delete,omitempty"`
	OnUpdate   string   `json:"on_update,omitempty"`
}

// Table describes one table. Columns keep their ordinal order.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key,omitempty"`
	Indexes     []Index      `json:"indexes,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Column looks a column up by name.
func (t *Table) Column(name string, caseInsensitive bool) (*Column, bool) {
	for i := range t.Columns {
		if nameEqual(t.Columns[i].Name, name, caseInsensitive) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns column names in ordinal order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// UniqueKey returns the first unique index (by name) whose columns are all
// NOT NULL, usable as a stable ordering key when there is no primary key.
func (t *Table) UniqueKey() (Index, bool) {
	for _, idx := range t.Indexes {
		if !idx.Unique || len(idx.Columns) == 0 {
			continue
		}
		ok := true
		for _, c := range idx.Columns {
			col, found := t.Column(c, false)
			if !found || col.Nullable {
				ok = false
				break
			}
		}
		if ok {
			return idx, true
		}
	}
	return Index{}, false
}

// Snapshot is an immutable capture of a database's structure. Tables are
// sorted by name.
type Snapshot struct {
	Dialect    string    `json:"dialect"`
	Tables     []Table   `json:"tables"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s *Snapshot) Table(name string, caseInsensitive bool) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Tables {
		if nameEqual(s.Tables[i].Name, name, caseInsensitive) {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

func (s *Snapshot) TableNames() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		out[i] = t.Name
	}
	return out
}

func nameEqual(a, b string, caseInsensitive bool) bool {
	if caseInsensitive {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func nameKey(name string, caseInsensitive bool) string {
	if caseInsensitive {
		return strings.ToLower(name)
	}
	return name
}

// Selection filters tables by name. An empty include list selects all.
type Selection struct {
	Include         []string
	Exclude         []string
	CaseInsensitive bool
}

func (s Selection) Match(name string) bool {
	for _, e := range s.Exclude {
		if nameEqual(e, name, s.CaseInsensitive) {
			return false
		}
	}
	if len(s.Include) == 0 {
		return true
	}
	for _, i := range s.Include {
		if nameEqual(i, name, s.CaseInsensitive) {
			return true
		}
	}
	return false
}

// Missing returns included names absent from the snapshot.
func (s Selection) Missing(snap *Snapshot) []string {
	var out []string
	for _, i := range s.Include {
		if _, ok := snap.Table(i, s.CaseInsensitive); !ok {
			out = append(out, i)
		}
	}
	return out
}
