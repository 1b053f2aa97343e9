// Package errs defines the error taxonomy shared by every migration stage.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for propagation and retry decisions.
type Kind string

const (
	KindConnectivity   Kind = "ConnectivityError"
	KindIntrospection  Kind = "IntrospectionError"
	KindTranslation    Kind = "TranslationServiceError"
	KindStructural     Kind = "StructuralApplyError"
	KindDataWrite      Kind = "DataWriteError"
	KindReconciliation Kind = "ReconciliationFailed"
	KindConfiguration  Kind = "ConfigurationError"
	KindAborted        Kind = "Aborted"
	KindUnknown        Kind = "Unknown"
)

// Error carries the kind plus enough context (table, stage, operation) to
// diagnose a failure from the job's error log alone.
type Error struct {
	Kind  Kind
	Table string
	Stage string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Table != "" {
		b.WriteString(" [table=")
		b.WriteString(e.Table)
		b.WriteString("]")
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so errors.Is(err, &errs.Error{Kind: errs.KindDataWrite}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Table == "" || t.Table == e.Table)
}

// Retryable reports whether the kind is retried with backoff before it
// escalates.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectivity, KindTranslation:
		return true
	}
	return false
}

// TableScoped reports whether the kind isolates a single table rather than
// terminating the job.
func (k Kind) TableScoped() bool {
	switch k {
	case KindStructural, KindDataWrite, KindReconciliation, KindConnectivity, KindIntrospection:
		return true
	}
	return false
}

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Connectivity(op string, err error) *Error   { return newErr(KindConnectivity, op, err) }
func Introspection(op string, err error) *Error  { return newErr(KindIntrospection, op, err) }
func Translation(op string, err error) *Error    { return newErr(KindTranslation, op, err) }
func Structural(op string, err error) *Error     { return newErr(KindStructural, op, err) }
func DataWrite(op string, err error) *Error      { return newErr(KindDataWrite, op, err) }
func Reconciliation(op string, err error) *Error { return newErr(KindReconciliation, op, err) }
func Aborted(op string, err error) *Error        { return newErr(KindAborted, op, err) }

// Configuration builds a ConfigurationError from a format string.
func Configuration(format string, args ...any) *Error {
	return newErr(KindConfiguration, "", fmt.Errorf(format, args...))
}

// WithTable returns a copy of e scoped to table and stage.
func (e *Error) WithTable(table, stage string) *Error {
	c := *e
	c.Table = table
	c.Stage = stage
	return &c
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is of a retryable kind.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
