// Package translate turns a schema diff into a migration plan of
// target-dialect DDL, consulting an external translation service where no
// direct mapping exists and validating every statement before it can run.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/schema"
)

type Confidence string

const (
	ConfidenceDirect     Confidence = "DIRECT"
	ConfidenceAIAssisted Confidence = "AI_ASSISTED"
)

type ValidationStatus string

const (
	Valid             ValidationStatus = "VALID"
	NeedsManualReview ValidationStatus = "NEEDS_MANUAL_REVIEW"
	Pending           ValidationStatus = "PENDING"
)

// PlanEntry answers one diff entry. Deferred statements run after every
// table's structure is in place (foreign keys inside reference cycles).
type PlanEntry struct {
	ID         string           `json:"id" yaml:"id"`
	Kind       schema.DiffKind  `json:"kind" yaml:"kind"`
	Table      string           `json:"table" yaml:"table"`
	Column     string           `json:"column,omitempty" yaml:"column,omitempty"`
	Detail     string           `json:"detail,omitempty" yaml:"detail,omitempty"`
	Statements []string         `json:"statements,omitempty" yaml:"statements,omitempty"`
	Deferred   []string         `json:"deferred,omitempty" yaml:"deferred,omitempty"`
	NoOp       bool             `json:"no_op,omitempty" yaml:"no_op,omitempty"`
	Confidence Confidence       `json:"confidence" yaml:"confidence"`
	Validation ValidationStatus `json:"validation" yaml:"validation"`
	Reason     string           `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Runnable reports whether the entry may be applied without an operator
// supplying a statement.
func (e PlanEntry) Runnable() bool { return e.NoOp || e.Validation == Valid }

// Plan is the migration plan for one job. It is immutable once approved.
type Plan struct {
	DiffFingerprint string      `json:"diff_fingerprint" yaml:"diff_fingerprint"`
	SourceDialect   string      `json:"source_dialect" yaml:"source_dialect"`
	TargetDialect   string      `json:"target_dialect" yaml:"target_dialect"`
	TableOrder      []string    `json:"table_order" yaml:"table_order"`
	Cyclic          []string    `json:"cyclic,omitempty" yaml:"cyclic,omitempty"`
	Names           []string    `json:"names,omitempty" yaml:"names,omitempty"` // generated index and constraint names
	Entries         []PlanEntry `json:"entries" yaml:"entries"`
	CreatedAt       time.Time   `json:"created_at" yaml:"created_at"`
}

// ForTable returns the entries of table in plan order.
func (p *Plan) ForTable(table string) []PlanEntry {
	var out []PlanEntry
	for _, e := range p.Entries {
		if e.Table == table {
			out = append(out, e)
		}
	}
	return out
}

func (p *Plan) Entry(id string) (*PlanEntry, bool) {
	for i := range p.Entries {
		if p.Entries[i].ID == id {
			return &p.Entries[i], true
		}
	}
	return nil, false
}

// Counts tallies entries by validation status; no-ops count as VALID.
func (p *Plan) Counts() map[ValidationStatus]int {
	out := map[ValidationStatus]int{}
	for _, e := range p.Entries {
		if e.NoOp {
			out[Valid]++
			continue
		}
		out[e.Validation]++
	}
	return out
}

// Translator builds plans for one dialect pair. Service may be nil, in which
// case entries that need it stay PENDING.
type Translator struct {
	Mapper          TypeMapper
	Service         Service
	CaseInsensitive bool
	ScaleTolerance  int
	Logger          *zap.Logger
}

func (tr *Translator) log() *zap.Logger {
	if tr.Logger != nil {
		return tr.Logger
	}
	return logger.Log.Named("translate")
}

// buildState is the per-plan context shared by every entry.
type buildState struct {
	diff      *schema.Diff
	src, dst  *schema.Snapshot
	builder   *Builder
	validator *Validator
	planned   map[string]bool
	created   map[string]bool
	cyclic    map[string]bool
	newTypes  map[string]string // table.column -> type set earlier in the plan
}

func (tr *Translator) key(name string) string {
	if tr.CaseInsensitive {
		return strings.ToLower(name)
	}
	return name
}

func (tr *Translator) newState(diff *schema.Diff, src, dst *schema.Snapshot, names []string) *buildState {
	st := &buildState{
		diff: diff, src: src, dst: dst,
		builder:  NewBuilder(tr.Mapper, tr.CaseInsensitive, dst),
		planned:  map[string]bool{},
		created:  map[string]bool{},
		cyclic:   map[string]bool{},
		newTypes: map[string]string{},
	}
	idents := NewIdentifierSet(tr.CaseInsensitive)
	var existing []schema.Table
	if dst != nil {
		for i := range dst.Tables {
			idents.AddTable(&dst.Tables[i])
			existing = append(existing, dst.Tables[i])
			st.created[tr.key(dst.Tables[i].Name)] = true
		}
	}
	for _, e := range diff.Entries {
		if e.Kind == schema.TableMissing && e.SourceTable != nil {
			st.planned[tr.key(e.Table)] = true
			existing = append(existing, *e.SourceTable)
		}
	}
	for i := range src.Tables {
		idents.AddTable(&src.Tables[i])
	}
	for _, n := range names {
		idents.AddName(n)
	}
	for _, c := range diff.Cyclic {
		st.cyclic[tr.key(c)] = true
	}
	st.validator = &Validator{
		Target:         tr.Mapper.Target,
		Idents:         idents,
		Source:         src,
		Existing:       existing,
		ScaleTolerance: tr.ScaleTolerance,
	}
	return st
}

// Build translates every diff entry. Translation service failures never fail
// the build; they leave the entry PENDING.
func (tr *Translator) Build(ctx context.Context, diff *schema.Diff, src, dst *schema.Snapshot) (*Plan, error) {
	log := tr.log().With(zap.String("src_dialect", tr.Mapper.Source.String()), zap.String("dst_dialect", tr.Mapper.Target.String()))
	st := tr.newState(diff, src, dst, nil)

	plan := &Plan{
		DiffFingerprint: diff.Fingerprint(),
		SourceDialect:   tr.Mapper.Source.String(),
		TargetDialect:   tr.Mapper.Target.String(),
		TableOrder:      append([]string(nil), diff.TableOrder...),
		Cyclic:          append([]string(nil), diff.Cyclic...),
		Entries:         make([]PlanEntry, 0, len(diff.Entries)),
		CreatedAt:       time.Now().UTC(),
	}
	for _, e := range diff.Entries {
		if err := ctx.Err(); err != nil {
			return nil, errs.Aborted("build plan", err)
		}
		entry := tr.translateEntry(ctx, st, e)
		for _, n := range st.builder.IssuedNames() {
			st.validator.Idents.AddName(n)
		}
		if !entry.NoOp && entry.Validation == Valid {
			scope := Scope{}
			if e.Kind == schema.TableMissing {
				scope.Creates = e.Table
			}
			stmts := append(append([]string(nil), entry.Statements...), entry.Deferred...)
			if err := st.validator.Validate(ctx, stmts, scope); err != nil {
				entry.Validation = NeedsManualReview
				entry.Reason = err.Error()
				log.Warn("Plan statement failed validation", zap.String("entry", e.ID), zap.String("reason", entry.Reason))
			}
		}
		if e.Kind == schema.TableMissing {
			st.created[tr.key(e.Table)] = true
		}
		log.Debug("Translated diff entry",
			zap.String("entry", e.ID),
			zap.String("confidence", string(entry.Confidence)),
			zap.String("validation", string(entry.Validation)))
		plan.Entries = append(plan.Entries, entry)
	}
	plan.Names = st.builder.IssuedNames()

	counts := plan.Counts()
	log.Info("Migration plan built",
		zap.Int("entries", len(plan.Entries)),
		zap.Int("valid", counts[Valid]),
		zap.Int("needs_manual_review", counts[NeedsManualReview]),
		zap.Int("pending", counts[Pending]))
	return plan, nil
}

// ValidateOverride runs operator-supplied statements for an entry through
// the same gate as generated ones.
func (tr *Translator) ValidateOverride(ctx context.Context, plan *Plan, diff *schema.Diff, src, dst *schema.Snapshot, entryID string, statements []string) error {
	entry, ok := plan.Entry(entryID)
	if !ok {
		return fmt.Errorf("plan has no entry %q", entryID)
	}
	if len(statements) == 0 {
		return &ValidationError{Reason: "override has no statements"}
	}
	st := tr.newState(diff, src, dst, plan.Names)
	scope := Scope{}
	if entry.Kind == schema.TableMissing {
		scope.Creates = entry.Table
	}
	return st.validator.Validate(ctx, statements, scope)
}

func newEntry(e schema.DiffEntry) PlanEntry {
	return PlanEntry{
		ID:         e.ID,
		Kind:       e.Kind,
		Table:      e.Table,
		Column:     e.Column,
		Detail:     e.Detail,
		Confidence: ConfidenceDirect,
		Validation: Valid,
	}
}

func manual(entry PlanEntry, reason string) PlanEntry {
	entry.Validation = NeedsManualReview
	entry.Reason = reason
	return entry
}

func (tr *Translator) translateEntry(ctx context.Context, st *buildState, e schema.DiffEntry) PlanEntry {
	entry := newEntry(e)
	switch e.Kind {
	case schema.CompatibleChange:
		entry.NoOp = true
		return entry
	case schema.TableMissing:
		return tr.createTable(ctx, st, e, entry)
	case schema.ColumnMissing:
		native, ai, err := tr.columnType(ctx, st, e, *e.SourceColumn)
		if err != nil {
			return pending(entry, err)
		}
		entry.Statements = []string{st.builder.AddColumn(e.TargetTable, *e.SourceColumn, native)}
		if ai {
			entry.Confidence = ConfidenceAIAssisted
		}
		return entry
	case schema.TypeMismatch:
		if tr.Mapper.Target == db.SQLite {
			return manual(entry, "SQLite cannot change a column type in place; rebuild the table")
		}
		native, ai, err := tr.columnType(ctx, st, e, *e.SourceColumn)
		if err != nil {
			return pending(entry, err)
		}
		stmt, _ := st.builder.AlterColumnType(e.TargetTable, *e.TargetColumn, native)
		st.newTypes[tr.key(e.Table)+"."+tr.key(e.Column)] = native
		entry.Statements = []string{stmt}
		if ai {
			entry.Confidence = ConfidenceAIAssisted
		}
		return entry
	case schema.ConstraintMismatch:
		return tr.constraint(ctx, st, e, entry)
	}
	return manual(entry, fmt.Sprintf("unsupported diff kind %s", e.Kind))
}

func (tr *Translator) createTable(ctx context.Context, st *buildState, e schema.DiffEntry, entry PlanEntry) PlanEntry {
	in := CreateTableInput{
		Table:   e.SourceTable,
		Natives: map[string]string{},
		Created: func(t string) bool { return st.created[tr.key(t)] },
		Planned: func(t string) bool { return st.planned[tr.key(t)] },
		RefName: func(t string) string {
			if tt, ok := st.dst.Table(t, tr.CaseInsensitive); ok {
				return tt.Name
			}
			return t
		},
	}
	for _, col := range e.SourceTable.Columns {
		if _, ok := st.builder.resolveColumn(col); ok {
			continue
		}
		native, _, err := tr.columnType(ctx, st, schema.DiffEntry{ID: e.ID, Table: e.Table, Column: col.Name}, col)
		if err != nil {
			return pending(entry, err)
		}
		in.Natives[col.Name] = native
		entry.Confidence = ConfidenceAIAssisted
	}
	res := st.builder.CreateTable(in)
	if len(res.Unresolved) > 0 {
		return manual(entry, "no target type for columns "+strings.Join(res.Unresolved, ", "))
	}
	entry.Statements = res.Statements
	entry.Deferred = res.Deferred
	if len(res.Skipped) > 0 {
		tr.log().Info("Foreign keys to tables outside the migration are not created",
			zap.String("table", e.Table), zap.Strings("foreign_keys", res.Skipped))
	}
	return entry
}

func (tr *Translator) constraint(ctx context.Context, st *buildState, e schema.DiffEntry, entry PlanEntry) PlanEntry {
	b := st.builder
	sqlite := tr.Mapper.Target == db.SQLite
	switch e.Constraint {
	case schema.ConstraintNotNull:
		native := e.TargetColumn.Type.Native
		if v, ok := st.newTypes[tr.key(e.Table)+"."+tr.key(e.Column)]; ok {
			native = v
		}
		stmt, ok := b.DropNotNull(e.TargetTable, *e.TargetColumn, native)
		if !ok {
			return manual(entry, "SQLite cannot drop NOT NULL in place; rebuild the table")
		}
		entry.Statements = []string{stmt}
		return entry

	case schema.ConstraintPrimaryKey:
		if sqlite {
			return manual(entry, "SQLite cannot change a primary key in place; rebuild the table")
		}
		tt, _ := st.dst.Table(e.TargetTable, false)
		if tt != nil && len(tt.PrimaryKey) == 0 {
			stmt, _ := b.AddPrimaryKey(e.TargetTable, e.PrimaryKey)
			entry.Statements = []string{stmt}
			return entry
		}
		resp, err := tr.ask(ctx, Request{
			Purpose:       PurposeStatement,
			EntryID:       e.ID,
			Table:         e.TargetTable,
			SourceDialect: tr.Mapper.Source.String(),
			TargetDialect: tr.Mapper.Target.String(),
			Context:       e.Detail,
		})
		if err != nil {
			return pending(entry, err)
		}
		entry.Statements = []string{resp.Fragment}
		entry.Confidence = ConfidenceAIAssisted
		return entry

	case schema.ConstraintForeignKey:
		if sqlite {
			return manual(entry, "SQLite cannot add a foreign key to an existing table; rebuild the table")
		}
		ref := e.ForeignKey.RefTable
		if tt, ok := st.dst.Table(ref, tr.CaseInsensitive); ok {
			ref = tt.Name
		}
		stmt := b.AddForeignKey(e.TargetTable, *e.ForeignKey, ref)
		if st.cyclic[tr.key(e.Table)] || st.cyclic[tr.key(e.ForeignKey.RefTable)] {
			entry.Deferred = []string{stmt}
		} else {
			entry.Statements = []string{stmt}
		}
		return entry

	case schema.ConstraintUnique:
		idx := *e.Index
		idx.Unique = true
		entry.Statements = []string{b.CreateIndex(e.TargetTable, idx)}
		return entry
	}
	return manual(entry, "unsupported constraint "+e.Constraint)
}

// columnType resolves a target type for col directly or through the
// translation service. ai reports the latter.
func (tr *Translator) columnType(ctx context.Context, st *buildState, e schema.DiffEntry, col schema.Column) (native string, ai bool, err error) {
	if v, ok := st.builder.resolveColumn(col); ok {
		return v, false, nil
	}
	resp, err := tr.ask(ctx, Request{
		Purpose:       PurposeColumnType,
		EntryID:       e.ID,
		Table:         e.Table,
		Column:        col.Name,
		Canonical:     col.Type.String(),
		SourceNative:  col.Type.Native,
		SourceDialect: tr.Mapper.Source.String(),
		TargetDialect: tr.Mapper.Target.String(),
	})
	if err != nil {
		return "", false, err
	}
	return resp.Fragment, true, nil
}

var errNoService = errors.New("no translation service configured")

func (tr *Translator) ask(ctx context.Context, req Request) (Response, error) {
	if tr.Service == nil {
		return Response{}, errNoService
	}
	resp, err := tr.Service.Translate(ctx, req)
	if err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.Translation("translate "+req.EntryID, err)
		}
		return Response{}, err
	}
	if strings.TrimSpace(resp.Fragment) == "" {
		return Response{}, errs.Translation("translate "+req.EntryID, &MalformedError{Reason: "empty fragment"})
	}
	return resp, nil
}

func pending(entry PlanEntry, err error) PlanEntry {
	entry.Validation = Pending
	entry.Confidence = ConfidenceAIAssisted
	entry.Statements = nil
	entry.Deferred = nil
	if errors.Is(err, errNoService) {
		entry.Reason = "needs the translation service, which is not configured"
	} else {
		entry.Reason = logger.Redact(err.Error())
	}
	return entry
}
