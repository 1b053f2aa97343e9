package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/anbu0809/strata-migrate/internal/job"
	"github.com/anbu0809/strata-migrate/internal/reconcile"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a job's stage, per-table status and error log, or list all jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openStateRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if len(args) == 0 {
			list, err := rt.ctrl.List(ctx)
			if err != nil {
				return err
			}
			if list == nil {
				list = []job.Summary{}
			}
			return render(cmd.OutOrStdout(), list, printJobs(list))
		}
		st, err := rt.ctrl.Status(ctx, args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), st, printStatus(st))
	},
}

var reportAll bool

var reportCmd = &cobra.Command{
	Use:   "report <job-id>",
	Short: "Show the latest reconciliation report of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openStateRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if !reportAll {
			rep, err := rt.ctrl.Report(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), rep, printReport(rep))
		}
		reports, err := rt.ctrl.Reports(ctx, args[0])
		if err != nil {
			return err
		}
		if reports == nil {
			reports = []*reconcile.Report{}
		}
		return render(cmd.OutOrStdout(), reports, func(w io.Writer) {
			for i, rep := range reports {
				if i > 0 {
					fmt.Fprintln(w)
				}
				printReport(rep)(w)
			}
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <job-id>",
	Short: "Verify a completed job again and record a new report run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openStateRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		rep, err := rt.ctrl.Reconcile(ctx, args[0])
		if err != nil {
			return err
		}
		if err := render(cmd.OutOrStdout(), rep, printReport(rep)); err != nil {
			return err
		}
		if !rep.Passed() {
			return &outcomeError{jobID: args[0], stage: string(job.StageCompleted), outcome: string(job.OutcomePartialSuccess)}
		}
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <job-id>",
	Short: "Abort an interrupted or waiting job",
	Long: `Mark a job ABORTED. Use it for jobs that are not running, such as one
waiting for plan approval or one interrupted by a shutdown. To stop a job
that is running, interrupt the process running it (Ctrl-C) and abort it
afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openStateRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.ctrl.Abort(ctx, args[0]); err != nil {
			return err
		}
		st, err := rt.ctrl.Status(ctx, args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), st, printStatus(st))
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportAll, "all", false, "Show every reconciliation run, oldest first")
	rootCmd.AddCommand(statusCmd, reportCmd, reconcileCmd, abortCmd)
}

// openStateRuntime opens the job state without requiring connection
// profiles in the environment; persisted jobs carry their own.
func openStateRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	return openRuntime(cmd.Context(), cfg, false)
}
