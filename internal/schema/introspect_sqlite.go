package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/anbu0809/strata-migrate/internal/db"
)

func fetchSQLiteTable(ctx context.Context, gdb *gorm.DB, table string) (Table, error) {
	t := Table{Name: table}
	quoted := db.SQLite.Quote(table)

	var cols []struct {
		Cid       int            `gorm:"column:cid"`
		Name      string         `gorm:"column:name"`
		Type      string         `gorm:"column:type"`
		NotNull   int            `gorm:"column:notnull"`
		DfltValue sql.NullString `gorm:"column:dflt_value"`
		Pk        int            `gorm:"column:pk"`
	}
	if err := gdb.WithContext(ctx).Raw(fmt.Sprintf("PRAGMA table_info(%s)", quoted)).Scan(&cols).Error; err != nil {
		return t, fmt.Errorf("sqlite PRAGMA table_info failed for table '%s': %w", table, err)
	}
	type pkCol struct {
		pos  int
		name string
	}
	var pks []pkCol
	for _, c := range cols {
		col := Column{
			Name:     c.Name,
			Type:     Canonicalize(db.SQLite, c.Type),
			Nullable: c.NotNull == 0,
		}
		if c.DfltValue.Valid {
			d := c.DfltValue.String
			col.Default = &d
		}
		if c.Pk > 0 {
			pks = append(pks, pkCol{c.Pk, c.Name})
		}
		t.Columns = append(t.Columns, col)
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, p := range pks {
		t.PrimaryKey = append(t.PrimaryKey, p.name)
	}
	// A lone INTEGER primary key aliases the rowid.
	if len(pks) == 1 {
		if col, ok := t.Column(pks[0].name, false); ok && strings.EqualFold(strings.TrimSpace(col.Type.Native), "integer") {
			col.AutoIncrement = true
		}
	}

	var indexList []struct {
		Name    string `gorm:"column:name"`
		Unique  int    `gorm:"column:unique"`
		Origin  string `gorm:"column:origin"`
		Partial int    `gorm:"column:partial"`
	}
	if err := gdb.WithContext(ctx).Raw(fmt.Sprintf("PRAGMA index_list(%s)", quoted)).Scan(&indexList).Error; err != nil {
		return t, fmt.Errorf("sqlite PRAGMA index_list failed for table '%s': %w", table, err)
	}
	for _, item := range indexList {
		if item.Origin == "pk" || item.Partial == 1 {
			continue
		}
		var info []struct {
			SeqNo int            `gorm:"column:seqno"`
			Name  sql.NullString `gorm:"column:name"`
		}
		if err := gdb.WithContext(ctx).Raw(fmt.Sprintf("PRAGMA index_info(%s)", db.SQLite.Quote(item.Name))).Scan(&info).Error; err != nil {
			return t, fmt.Errorf("sqlite PRAGMA index_info failed for index '%s': %w", item.Name, err)
		}
		sort.Slice(info, func(i, j int) bool { return info[i].SeqNo < info[j].SeqNo })
		idx := Index{Name: item.Name, Unique: item.Unique == 1}
		expression := false
		for _, c := range info {
			if !c.Name.Valid {
				expression = true
				break
			}
			idx.Columns = append(idx.Columns, c.Name.String)
		}
		if expression || len(idx.Columns) == 0 {
			continue
		}
		// UNIQUE constraints get sqlite_autoindex_* names that cannot be recreated elsewhere.
		if item.Origin == "u" {
			idx.Name = "uq_" + table + "_" + strings.Join(idx.Columns, "_")
		}
		t.Indexes = append(t.Indexes, idx)
	}

	var fkRows []struct {
		ID       int            `gorm:"column:id"`
		Seq      int            `gorm:"column:seq"`
		Table    string         `gorm:"column:table"`
		From     string         `gorm:"column:from"`
		To       sql.NullString `gorm:"column:to"`
		OnUpdate string         `gorm:"column:on_update"`
		OnDelete string         `gorm:"column:on_delete"`
	}
	if err := gdb.WithContext(ctx).Raw(fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoted)).Scan(&fkRows).Error; err != nil {
		return t, fmt.Errorf("sqlite PRAGMA foreign_key_list failed for table '%s': %w", table, err)
	}
	sort.Slice(fkRows, func(i, j int) bool {
		if fkRows[i].ID != fkRows[j].ID {
			return fkRows[i].ID < fkRows[j].ID
		}
		return fkRows[i].Seq < fkRows[j].Seq
	})
	byID := map[int]int{}
	for _, r := range fkRows {
		i, ok := byID[r.ID]
		if !ok {
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
				RefTable: r.Table,
				OnUpdate: normalizeAction(r.OnUpdate),
				OnDelete: normalizeAction(r.OnDelete),
			})
			i = len(t.ForeignKeys) - 1
			byID[r.ID] = i
		}
		fk := &t.ForeignKeys[i]
		fk.Columns = append(fk.Columns, r.From)
		if r.To.Valid && r.To.String != "" {
			fk.RefColumns = append(fk.RefColumns, r.To.String)
		}
	}
	// SQLite does not report constraint names.
	for i := range t.ForeignKeys {
		t.ForeignKeys[i].Name = "fk_" + table + "_" + strings.Join(t.ForeignKeys[i].Columns, "_")
	}
	return t, nil
}
