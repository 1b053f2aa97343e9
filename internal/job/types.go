// Package job drives a migration through its stages: analysis, plan
// approval, structure, data and reconciliation. It owns per-table status,
// the error log and persistence of everything needed to resume.
package job

import (
	"fmt"
	"time"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

type Stage string

const (
	StageCreated            Stage = "CREATED"
	StageAnalyzing          Stage = "ANALYZING"
	StagePlanReady          Stage = "PLAN_READY"
	StageMigratingStructure Stage = "MIGRATING_STRUCTURE"
	StageMigratingData      Stage = "MIGRATING_DATA"
	StageReconciling        Stage = "RECONCILING"
	StageCompleted          Stage = "COMPLETED"
	StageFailed             Stage = "FAILED"
	StageAborted            Stage = "ABORTED"
)

// next lists the forward transitions. FAILED and ABORTED are reachable from
// every non-terminal stage and are not repeated here.
var next = map[Stage]Stage{
	StageCreated:            StageAnalyzing,
	StageAnalyzing:          StagePlanReady,
	StagePlanReady:          StageMigratingStructure,
	StageMigratingStructure: StageMigratingData,
	StageMigratingData:      StageReconciling,
	StageReconciling:        StageCompleted,
}

func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageAborted
}

// CanTransition reports whether s may move to to.
func (s Stage) CanTransition(to Stage) bool {
	if s.Terminal() {
		return false
	}
	if to == StageFailed || to == StageAborted {
		return true
	}
	return next[s] == to
}

// TableStatus is the state of one table within one stage.
type TableStatus string

const (
	TablePending TableStatus = "PENDING"
	TableRunning TableStatus = "RUNNING"
	TableSuccess TableStatus = "SUCCESS"
	TableFailed  TableStatus = "FAILED"
	TableSkipped TableStatus = "SKIPPED"
)

func (s TableStatus) Terminal() bool {
	return s == TableSuccess || s == TableFailed || s == TableSkipped
}

// Outcome is how a finished job ended. The three terminal situations an
// operator cares about are never folded into a boolean.
type Outcome string

const (
	OutcomeNone           Outcome = ""
	OutcomeClean          Outcome = "CLEAN"
	OutcomePartialSuccess Outcome = "PARTIAL_SUCCESS"
	OutcomeFailed         Outcome = "FAILED"
	OutcomeAborted        Outcome = "ABORTED"
)

// Table stage names used in table records, errors and metrics.
const (
	phaseStructure = "structure"
	phaseData      = "data"
	phaseReconcile = "reconcile"
)

// TableRecord is the persisted status of one in-scope table. TargetName is
// the table's name on the target once it is known.
type TableRecord struct {
	Name       string      `json:"name" yaml:"name"`
	TargetName string      `json:"target_name,omitempty" yaml:"target_name,omitempty"`
	Structure  TableStatus `json:"structure" yaml:"structure"`
	Data       TableStatus `json:"data" yaml:"data"`
	Reconcile  TableStatus `json:"reconcile" yaml:"reconcile"`
	Reason     string      `json:"reason,omitempty" yaml:"reason,omitempty"`
	Rows       int64       `json:"rows" yaml:"rows"`
}

func newTableRecord(name string) *TableRecord {
	return &TableRecord{Name: name, Structure: TablePending, Data: TablePending, Reconcile: TablePending}
}

func (t *TableRecord) status(phase string) TableStatus {
	switch phase {
	case phaseStructure:
		return t.Structure
	case phaseData:
		return t.Data
	default:
		return t.Reconcile
	}
}

func (t *TableRecord) set(phase string, s TableStatus) {
	switch phase {
	case phaseStructure:
		t.Structure = s
	case phaseData:
		t.Data = s
	default:
		t.Reconcile = s
	}
}

// skipFrom marks phase and every later phase SKIPPED.
func (t *TableRecord) skipFrom(phase, reason string) {
	started := false
	for _, p := range []string{phaseStructure, phaseData, phaseReconcile} {
		if p == phase {
			started = true
		}
		if started && !t.status(p).Terminal() {
			t.set(p, TableSkipped)
		}
	}
	if t.Reason == "" {
		t.Reason = reason
	}
}

// Clean reports whether the table succeeded in every stage.
func (t *TableRecord) Clean() bool {
	return t.Structure == TableSuccess && t.Data == TableSuccess && t.Reconcile == TableSuccess
}

// Approval approves one plan entry. Statements, when set, replace the
// entry's generated statements and must pass validation.
type Approval struct {
	EntryID    string   `json:"entry_id" yaml:"entry_id"`
	Statements []string `json:"statements,omitempty" yaml:"statements,omitempty"`
}

// Record is the persisted job aggregate. Profiles hold secret references
// only, never resolved credentials.
type Record struct {
	ID        string                   `json:"id" yaml:"id"`
	Source    config.ConnectionProfile `json:"source" yaml:"source"`
	Target    config.ConnectionProfile `json:"target" yaml:"target"`
	Selection Selection                `json:"selection" yaml:"selection"`
	Stage     Stage                    `json:"stage" yaml:"stage"`
	Outcome   Outcome                  `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Message   string                   `json:"message,omitempty" yaml:"message,omitempty"`
	Plan      *translate.Plan          `json:"plan,omitempty" yaml:"plan,omitempty"`
	Approvals map[string]Approval      `json:"approvals,omitempty" yaml:"approvals,omitempty"`
	Tables    map[string]*TableRecord  `json:"tables" yaml:"tables"`
	Order     []string                 `json:"order" yaml:"order"`
	CreatedAt time.Time                `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time                `json:"updated_at" yaml:"updated_at"`
}

// Selection is the table scope requested at submission.
type Selection struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

func (r *Record) transition(to Stage) error {
	if !r.Stage.CanTransition(to) {
		return fmt.Errorf("illegal job transition %s -> %s", r.Stage, to)
	}
	r.Stage = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// clone copies the record deeply enough for readers to use it without
// holding the job lock. The plan is immutable and shared.
func (r *Record) clone() *Record {
	c := *r
	c.Tables = make(map[string]*TableRecord, len(r.Tables))
	for k, v := range r.Tables {
		t := *v
		c.Tables[k] = &t
	}
	c.Approvals = make(map[string]Approval, len(r.Approvals))
	for k, v := range r.Approvals {
		c.Approvals[k] = v
	}
	c.Order = append([]string(nil), r.Order...)
	return &c
}

// outcome rolls table statuses up into the completed job's outcome.
func (r *Record) outcome() Outcome {
	for _, name := range r.Order {
		if !r.Tables[name].Clean() {
			return OutcomePartialSuccess
		}
	}
	return OutcomeClean
}

// ErrorEntry is one line of the job's error log.
type ErrorEntry struct {
	Seq       int       `json:"seq" yaml:"seq"`
	At        time.Time `json:"at" yaml:"at"`
	Kind      errs.Kind `json:"kind" yaml:"kind"`
	Table     string    `json:"table,omitempty" yaml:"table,omitempty"`
	Stage     string    `json:"stage,omitempty" yaml:"stage,omitempty"`
	Transient bool      `json:"transient,omitempty" yaml:"transient,omitempty"`
	Message   string    `json:"message" yaml:"message"`
}

// TableProgress is an immutable snapshot published by a table's data worker.
type TableProgress struct {
	RowsWritten   int64     `json:"rows_written" yaml:"rows_written"`
	TotalEstimate int64     `json:"total_estimate" yaml:"total_estimate"`
	Batches       int       `json:"batches" yaml:"batches"`
	RowsPerSec    float64   `json:"rows_per_sec" yaml:"rows_per_sec"`
	Strategy      string    `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Resumable     bool      `json:"resumable" yaml:"resumable"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at"`
}

// TableView is the status of one table as seen by a poller.
type TableView struct {
	TableRecord `yaml:",inline"`
	Progress *TableProgress `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// Status is the pollable view of a job.
type Status struct {
	JobID       string       `json:"job_id" yaml:"job_id"`
	Stage       Stage        `json:"stage" yaml:"stage"`
	Outcome     Outcome      `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Message     string       `json:"message,omitempty" yaml:"message,omitempty"`
	Source      string       `json:"source" yaml:"source"`
	Target      string       `json:"target" yaml:"target"`
	Tables      []TableView  `json:"tables" yaml:"tables"`
	RowsWritten int64        `json:"rows_written" yaml:"rows_written"`
	Throughput  float64      `json:"throughput_rows_per_sec" yaml:"throughput_rows_per_sec"`
	Errors      []ErrorEntry `json:"errors" yaml:"errors"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"updated_at"`
}
