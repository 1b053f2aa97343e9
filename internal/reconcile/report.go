package reconcile

import (
	"fmt"
	"time"

	"github.com/anbu0809/strata-migrate/internal/translate"
)

type Status string

const (
	StatusPassed Status = "PASSED"
	StatusFailed Status = "FAILED"
	StatusError  Status = "ERROR"
)

// Mismatch is one concrete difference found by sampling. Column is empty
// when the whole row is missing on one side.
type Mismatch struct {
	PrimaryKey  string `json:"primary_key" yaml:"primary_key"`
	Column      string `json:"column,omitempty" yaml:"column,omitempty"`
	SourceValue string `json:"source_value" yaml:"source_value"`
	TargetValue string `json:"target_value" yaml:"target_value"`
}

type TableReport struct {
	Table        string          `json:"table" yaml:"table"`
	Status       Status          `json:"status" yaml:"status"`
	SourceCount  int64           `json:"source_count" yaml:"source_count"`
	TargetCount  int64           `json:"target_count" yaml:"target_count"`
	DigestMatch  bool            `json:"digest_match" yaml:"digest_match"`
	SourceDigest string          `json:"source_digest,omitempty" yaml:"source_digest,omitempty"`
	TargetDigest string          `json:"target_digest,omitempty" yaml:"target_digest,omitempty"`
	Columns      []string        `json:"columns,omitempty" yaml:"columns,omitempty"`
	KeyColumns   []string        `json:"key_columns,omitempty" yaml:"key_columns,omitempty"`
	Mismatches   []Mismatch      `json:"mismatches,omitempty" yaml:"mismatches,omitempty"`
	Error        string          `json:"error,omitempty" yaml:"error,omitempty"`
	Fixes        []translate.Fix `json:"fixes,omitempty" yaml:"fixes,omitempty"` // advisory only
	StartedAt    time.Time       `json:"started_at" yaml:"started_at"`
	Duration     time.Duration   `json:"duration" yaml:"duration"`
}

func (r TableReport) finish() TableReport {
	if r.Status == "" {
		r.Status = StatusError
	}
	r.Duration = time.Since(r.StartedAt)
	return r
}

// Summary is a one-line description of the outcome.
func (r TableReport) Summary() string {
	if r.Status == StatusError {
		return fmt.Sprintf("reconciliation of %s could not run: %s", r.Table, r.Error)
	}
	return fmt.Sprintf("%s: count %d/%d, digest match %t, %d sampled mismatches",
		r.Table, r.SourceCount, r.TargetCount, r.DigestMatch, len(r.Mismatches))
}

// Problems lists the report's findings as short sentences, for operators and
// for the remediation advisor.
func (r TableReport) Problems() []string {
	var out []string
	if r.Error != "" {
		out = append(out, r.Error)
	}
	if r.SourceCount != r.TargetCount {
		out = append(out, fmt.Sprintf("row count differs: source %d, target %d", r.SourceCount, r.TargetCount))
	}
	if !r.DigestMatch && r.Status != StatusError {
		out = append(out, "content digest differs")
	}
	for _, m := range r.Mismatches {
		if m.Column == "" {
			out = append(out, fmt.Sprintf("row %s: source %s, target %s", m.PrimaryKey, m.SourceValue, m.TargetValue))
			continue
		}
		out = append(out, fmt.Sprintf("row %s column %s: source %q, target %q", m.PrimaryKey, m.Column, m.SourceValue, m.TargetValue))
	}
	return out
}

// Report is one reconciliation run of a job. Runs are numbered from 1 and
// never rewritten.
type Report struct {
	JobID      string        `json:"job_id" yaml:"job_id"`
	Run        int           `json:"run" yaml:"run"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Tables     []TableReport `json:"tables" yaml:"tables"`
}

// Passed reports whether every table in the run passed.
func (r *Report) Passed() bool {
	for _, t := range r.Tables {
		if t.Status != StatusPassed {
			return false
		}
	}
	return true
}
