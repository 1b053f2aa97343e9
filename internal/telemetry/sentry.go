// Package telemetry reports job-level failures and worker panics to Sentry
// when a DSN is configured. Without a DSN every function is a no-op.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/anbu0809/strata-migrate/internal/logger"
)

var enabled atomic.Bool

// Init configures the Sentry client. An empty dsn leaves reporting off.
func Init(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		BeforeSend:       scrub,
	})
	if err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	enabled.Store(true)
	return nil
}

func Enabled() bool { return enabled.Load() }

// Flush waits for queued events; call before exit.
func Flush(timeout time.Duration) {
	if Enabled() {
		sentry.Flush(timeout)
	}
}

// CaptureJobFailure records a failure that ended a job. Tags carry the job
// and stage so events group per stage.
func CaptureJobFailure(jobID, stage string, err error) {
	if !Enabled() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_id", jobID)
		scope.SetTag("stage", stage)
		sentry.CaptureException(err)
	})
}

// Go runs f in a goroutine. A panic is reported and then re-raised so the
// process still crashes loudly.
func Go(f func()) {
	go func() {
		defer Recover()
		f()
	}()
}

// Recover reports a panic in flight. It must be deferred directly.
func Recover() {
	r := recover()
	if r == nil {
		return
	}
	if Enabled() {
		sentry.CurrentHub().Recover(r)
		sentry.Flush(2 * time.Second)
	}
	panic(r)
}

// scrub strips credentials from every free-text field before sending.
func scrub(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.Message = logger.Redact(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = logger.Redact(event.Exception[i].Value)
	}
	for k, v := range event.Tags {
		event.Tags[k] = logger.Redact(v)
	}
	for k, v := range event.Extra {
		if s, ok := v.(string); ok {
			event.Extra[k] = logger.Redact(s)
		}
	}
	return event
}
