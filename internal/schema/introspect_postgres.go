package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/anbu0809/strata-migrate/internal/db"
)

// pgActions decodes pg_constraint.confupdtype / confdeltype.
var pgActions = map[string]string{"a": "", "r": "RESTRICT", "c": "CASCADE", "n": "SET NULL", "d": "SET DEFAULT"}

func fetchPostgresTable(ctx context.Context, gdb *gorm.DB, table string) (Table, error) {
	t := Table{Name: table}

	var cols []struct {
		Name       string         `gorm:"column:column_name"`
		Default    sql.NullString `gorm:"column:column_default"`
		IsNullable string         `gorm:"column:is_nullable"`
		DataType   string         `gorm:"column:data_type"`
		UdtName    string         `gorm:"column:udt_name"`
		Length     sql.NullInt64  `gorm:"column:character_maximum_length"`
		Precision  sql.NullInt64  `gorm:"column:numeric_precision"`
		Scale      sql.NullInt64  `gorm:"column:numeric_scale"`
		IsIdentity string         `gorm:"column:is_identity"`
	}
	err := gdb.WithContext(ctx).Raw(`
		SELECT c.column_name, c.column_default, c.is_nullable, c.data_type, c.udt_name,
		       c.character_maximum_length, c.numeric_precision, c.numeric_scale, c.is_identity
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = ?
		ORDER BY c.ordinal_position`, table).Scan(&cols).Error
	if err != nil {
		return t, fmt.Errorf("postgres columns query failed for table '%s': %w", table, err)
	}
	for _, c := range cols {
		native := postgresNative(c.DataType, c.UdtName, c.Length, c.Precision, c.Scale)
		col := Column{
			Name:          c.Name,
			Type:          Canonicalize(db.Postgres, native),
			Nullable:      c.IsNullable == "YES",
			AutoIncrement: c.IsIdentity == "YES" || (c.Default.Valid && strings.HasPrefix(c.Default.String, "nextval(")),
		}
		if c.Default.Valid && !col.AutoIncrement {
			d := c.Default.String
			col.Default = &d
		}
		t.Columns = append(t.Columns, col)
	}

	var idxRows []struct {
		IndexName string `gorm:"column:index_name"`
		IsUnique  bool   `gorm:"column:is_unique"`
		IsPrimary bool   `gorm:"column:is_primary"`
		Column    string `gorm:"column:column_name"`
	}
	err = gdb.WithContext(ctx).Raw(`
		SELECT i.relname AS index_name, ix.indisunique AS is_unique, ix.indisprimary AS is_primary,
		       a.attname AS column_name
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = current_schema() AND t.relname = ?
		  AND ix.indexprs IS NULL AND ix.indpred IS NULL
		ORDER BY i.relname, array_position(ix.indkey::int2[], a.attnum)`, table).Scan(&idxRows).Error
	if err != nil {
		return t, fmt.Errorf("postgres index query failed for table '%s': %w", table, err)
	}
	for _, r := range idxRows {
		if r.IsPrimary {
			t.PrimaryKey = append(t.PrimaryKey, r.Column)
			continue
		}
		n := len(t.Indexes)
		if n == 0 || t.Indexes[n-1].Name != r.IndexName {
			t.Indexes = append(t.Indexes, Index{Name: r.IndexName, Unique: r.IsUnique})
			n++
		}
		t.Indexes[n-1].Columns = append(t.Indexes[n-1].Columns, r.Column)
	}

	var fkRows []struct {
		Name      string `gorm:"column:name"`
		Column    string `gorm:"column:column_name"`
		RefTable  string `gorm:"column:ref_table"`
		RefColumn string `gorm:"column:ref_column"`
		OnUpdate  string `gorm:"column:on_update"`
		OnDelete  string `gorm:"column:on_delete"`
	}
	err = gdb.WithContext(ctx).Raw(`
		SELECT con.conname AS name, att.attname AS column_name, ft.relname AS ref_table, fatt.attname AS ref_column,
		       con.confupdtype::text AS on_update, con.confdeltype::text AS on_delete
		FROM pg_constraint con
		JOIN pg_class t ON t.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_class ft ON ft.oid = con.confrelid
		CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, fattnum, ord)
		JOIN pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = k.attnum
		JOIN pg_attribute fatt ON fatt.attrelid = con.confrelid AND fatt.attnum = k.fattnum
		WHERE con.contype = 'f' AND n.nspname = current_schema() AND t.relname = ?
		ORDER BY con.conname, k.ord`, table).Scan(&fkRows).Error
	if err != nil {
		return t, fmt.Errorf("postgres foreign key query failed for table '%s': %w", table, err)
	}
	for _, r := range fkRows {
		n := len(t.ForeignKeys)
		if n == 0 || t.ForeignKeys[n-1].Name != r.Name {
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
				Name:     r.Name,
				RefTable: r.RefTable,
				OnUpdate: pgActions[r.OnUpdate],
				OnDelete: pgActions[r.OnDelete],
			})
			n++
		}
		fk := &t.ForeignKeys[n-1]
		fk.Columns = append(fk.Columns, r.Column)
		fk.RefColumns = append(fk.RefColumns, r.RefColumn)
	}
	return t, nil
}

// postgresNative rebuilds a declared type from information_schema pieces.
func postgresNative(dataType, udt string, length, precision, scale sql.NullInt64) string {
	switch dataType {
	case "ARRAY":
		return strings.TrimPrefix(udt, "_") + "[]"
	case "USER-DEFINED":
		return udt
	case "character varying", "character":
		if length.Valid {
			return fmt.Sprintf("%s(%d)", dataType, length.Int64)
		}
	case "numeric":
		if precision.Valid {
			return fmt.Sprintf("numeric(%d,%d)", precision.Int64, scale.Int64)
		}
	}
	return dataType
}
