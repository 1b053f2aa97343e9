package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/anbu0809/strata-migrate/internal/job"
	"github.com/anbu0809/strata-migrate/internal/reconcile"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

// render writes v in the selected output format; text uses the given
// printer.
func render(w io.Writer, v any, text func(io.Writer)) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

func printPlan(id string, plan *translate.Plan) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "Job %s: plan %s -> %s, %d entries\n", id, plan.SourceDialect, plan.TargetDialect, len(plan.Entries))
		if len(plan.Cyclic) > 0 {
			fmt.Fprintf(w, "Tables in reference cycles (foreign keys deferred): %s\n", strings.Join(plan.Cyclic, ", "))
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ENTRY\tTABLE\tKIND\tVALIDATION\tCONFIDENCE")
		for _, e := range plan.Entries {
			validation := string(e.Validation)
			if e.NoOp {
				validation = "NO-OP"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Table, e.Kind, validation, e.Confidence)
		}
		_ = tw.Flush()
		for _, e := range plan.Entries {
			if len(e.Statements) == 0 && len(e.Deferred) == 0 && e.Reason == "" {
				continue
			}
			fmt.Fprintf(w, "\n-- %s\n", e.ID)
			if e.Reason != "" {
				fmt.Fprintf(w, "-- %s\n", e.Reason)
			}
			for _, s := range e.Statements {
				fmt.Fprintf(w, "%s;\n", s)
			}
			for _, s := range e.Deferred {
				fmt.Fprintf(w, "%s; -- deferred\n", s)
			}
		}
	}
}

func printStatus(st *job.Status) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "Job %s: %s", st.JobID, st.Stage)
		if st.Outcome != job.OutcomeNone {
			fmt.Fprintf(w, " (%s)", st.Outcome)
		}
		fmt.Fprintf(w, "\n%s -> %s, %d rows written", st.Source, st.Target, st.RowsWritten)
		if st.Throughput > 0 {
			fmt.Fprintf(w, ", %.0f rows/s", st.Throughput)
		}
		fmt.Fprintln(w)
		if st.Message != "" {
			fmt.Fprintf(w, "%s\n", st.Message)
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TABLE\tSTRUCTURE\tDATA\tRECONCILE\tROWS\tREASON")
		for _, t := range st.Tables {
			rows := t.Rows
			if t.Progress != nil && t.Progress.RowsWritten > rows {
				rows = t.Progress.RowsWritten
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", t.Name, t.Structure, t.Data, t.Reconcile, rows, t.Reason)
		}
		_ = tw.Flush()
		if len(st.Errors) > 0 {
			fmt.Fprintf(w, "\n%d errors:\n", len(st.Errors))
			for _, e := range st.Errors {
				scope := e.Table
				if scope == "" {
					scope = "job"
				}
				fmt.Fprintf(w, "  #%d %s %s/%s: %s\n", e.Seq, e.Kind, scope, e.Stage, e.Message)
			}
		}
	}
}

func printJobs(list []job.Summary) func(io.Writer) {
	return func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tSTAGE\tOUTCOME\tSOURCE\tTARGET\tUPDATED")
		for _, j := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Stage, j.Outcome, j.Source, j.Target, j.UpdatedAt.Format(time.RFC3339))
		}
		_ = tw.Flush()
	}
}

func printReport(rep *reconcile.Report) func(io.Writer) {
	return func(w io.Writer) {
		verdict := "PASSED"
		if !rep.Passed() {
			verdict = "FAILED"
		}
		fmt.Fprintf(w, "Job %s reconciliation run %d: %s\n", rep.JobID, rep.Run, verdict)
		for _, t := range rep.Tables {
			fmt.Fprintf(w, "  [%s] %s\n", t.Status, t.Summary())
			for _, p := range t.Problems() {
				fmt.Fprintf(w, "      %s\n", p)
			}
			for _, f := range t.Fixes {
				fmt.Fprintf(w, "      hint (%s): %s -> %s\n", f.Category, f.Issue, f.Solution)
			}
		}
	}
}

// follow polls the job until its current background task ends, drawing a
// progress bar on stderr.
func follow(ctx context.Context, ctrl *job.Controller, id string, showProgress bool) (*job.Status, error) {
	type result struct {
		st  *job.Status
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := ctrl.Wait(ctx, id)
		done <- result{st, err}
	}()

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Analyzing"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("rows"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetRenderBlankState(true),
		)
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			return res.st, res.err
		case <-ticker.C:
			if bar == nil {
				continue
			}
			st, err := ctrl.Status(ctx, id)
			if err != nil {
				continue
			}
			updateBar(bar, st)
		}
	}
}

func updateBar(bar *progressbar.ProgressBar, st *job.Status) {
	var total int64
	running := 0
	for _, t := range st.Tables {
		if t.Progress != nil {
			total += t.Progress.TotalEstimate
		}
		if t.Data == job.TableRunning {
			running++
		}
	}
	if total > 0 && total != bar.GetMax64() {
		bar.ChangeMax64(total)
	}
	desc := string(st.Stage)
	if st.Stage == job.StageMigratingData {
		desc = fmt.Sprintf("Copying (%d tables)", running)
	}
	bar.Describe(desc)
	_ = bar.Set64(st.RowsWritten)
}
