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

func fetchMySQLTable(ctx context.Context, gdb *gorm.DB, table string) (Table, error) {
	t := Table{Name: table}

	var cols []struct {
		Name       string         `gorm:"column:COLUMN_NAME"`
		Default    sql.NullString `gorm:"column:COLUMN_DEFAULT"`
		IsNullable string         `gorm:"column:IS_NULLABLE"`
		ColumnType string         `gorm:"column:COLUMN_TYPE"`
		Extra      string         `gorm:"column:EXTRA"`
	}
	err := gdb.WithContext(ctx).Raw(`
		SELECT COLUMN_NAME, COLUMN_DEFAULT, IS_NULLABLE, COLUMN_TYPE, EXTRA
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, table).Scan(&cols).Error
	if err != nil {
		return t, fmt.Errorf("mysql columns query failed for table '%s': %w", table, err)
	}
	for _, c := range cols {
		col := Column{
			Name:          c.Name,
			Type:          Canonicalize(db.MySQL, c.ColumnType),
			Nullable:      strings.EqualFold(c.IsNullable, "YES"),
			AutoIncrement: strings.Contains(strings.ToLower(c.Extra), "auto_increment"),
		}
		if c.Default.Valid && !col.AutoIncrement {
			d := c.Default.String
			col.Default = &d
		}
		t.Columns = append(t.Columns, col)
	}

	var idxRows []struct {
		NonUnique  int            `gorm:"column:Non_unique"`
		KeyName    string         `gorm:"column:Key_name"`
		SeqInIndex int            `gorm:"column:Seq_in_index"`
		ColumnName sql.NullString `gorm:"column:Column_name"`
	}
	if err := gdb.WithContext(ctx).Raw("SHOW INDEX FROM " + db.MySQL.Quote(table)).Scan(&idxRows).Error; err != nil {
		return t, fmt.Errorf("mysql SHOW INDEX failed for table '%s': %w", table, err)
	}
	sort.SliceStable(idxRows, func(i, j int) bool {
		if idxRows[i].KeyName != idxRows[j].KeyName {
			return idxRows[i].KeyName < idxRows[j].KeyName
		}
		return idxRows[i].SeqInIndex < idxRows[j].SeqInIndex
	})
	byName := map[string]*Index{}
	var order []string
	functional := map[string]bool{}
	for _, r := range idxRows {
		if !r.ColumnName.Valid {
			functional[r.KeyName] = true
			continue
		}
		if r.KeyName == "PRIMARY" {
			t.PrimaryKey = append(t.PrimaryKey, r.ColumnName.String)
			continue
		}
		idx, ok := byName[r.KeyName]
		if !ok {
			idx = &Index{Name: r.KeyName, Unique: r.NonUnique == 0}
			byName[r.KeyName] = idx
			order = append(order, r.KeyName)
		}
		idx.Columns = append(idx.Columns, r.ColumnName.String)
	}
	for _, name := range order {
		if !functional[name] {
			t.Indexes = append(t.Indexes, *byName[name])
		}
	}

	var fkRows []struct {
		Name      string `gorm:"column:CONSTRAINT_NAME"`
		Column    string `gorm:"column:COLUMN_NAME"`
		RefTable  string `gorm:"column:REFERENCED_TABLE_NAME"`
		RefColumn string `gorm:"column:REFERENCED_COLUMN_NAME"`
		OnUpdate  string `gorm:"column:UPDATE_RULE"`
		OnDelete  string `gorm:"column:DELETE_RULE"`
	}
	err = gdb.WithContext(ctx).Raw(`
		SELECT kcu.CONSTRAINT_NAME, kcu.COLUMN_NAME, kcu.REFERENCED_TABLE_NAME, kcu.REFERENCED_COLUMN_NAME,
		       rc.UPDATE_RULE, rc.DELETE_RULE
		FROM information_schema.KEY_COLUMN_USAGE kcu
		JOIN information_schema.REFERENTIAL_CONSTRAINTS rc
		  ON rc.CONSTRAINT_SCHEMA = kcu.CONSTRAINT_SCHEMA
		 AND rc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
		 AND rc.TABLE_NAME = kcu.TABLE_NAME
		WHERE kcu.TABLE_SCHEMA = DATABASE() AND kcu.TABLE_NAME = ? AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`, table).Scan(&fkRows).Error
	if err != nil {
		return t, fmt.Errorf("mysql foreign key query failed for table '%s': %w", table, err)
	}
	for _, r := range fkRows {
		n := len(t.ForeignKeys)
		if n == 0 || t.ForeignKeys[n-1].Name != r.Name {
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
				Name:     r.Name,
				RefTable: r.RefTable,
				OnUpdate: normalizeAction(r.OnUpdate),
				OnDelete: normalizeAction(r.OnDelete),
			})
			n++
		}
		fk := &t.ForeignKeys[n-1]
		fk.Columns = append(fk.Columns, r.Column)
		fk.RefColumns = append(fk.RefColumns, r.RefColumn)
	}
	return t, nil
}

// normalizeAction upper-cases a referential action; NO ACTION is the default
// everywhere and is dropped.
func normalizeAction(a string) string {
	a = strings.ToUpper(strings.TrimSpace(a))
	if a == "NO ACTION" {
		return ""
	}
	return a
}
