package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/anbu0809/strata-migrate/internal/job"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyze, plan and migrate the configured source into the target",
	Long: `Start a migration job for the configured source and target.

The job analyzes both schemas and builds a migration plan. Without an
approval flag the plan is printed and the job waits in PLAN_READY; approve
it later with 'strata resume <job-id> --approve-all'. With --approve-all (or
--approvals) the structure is migrated, the data copied and the copy
verified in one go.

Interrupting the command keeps the job's state; continue it with
'strata resume <job-id>'.`,
	Example: `  # Review the plan first
  strata plan -o yaml > plan.yaml

  # Migrate, approving every validated plan entry
  strata run --approve-all

  # Migrate two tables only, with operator-written statements
  strata run --tables orders,customers --approvals approvals.yaml`,
	RunE: runRun,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Start a job and print its migration plan without applying it",
	RunE: func(cmd *cobra.Command, args []string) error {
		approveAll, approvalsFile = false, ""
		return runRun(cmd, args)
	},
}

var (
	approveAll    bool
	approvalsFile string
	noProgress    bool
)

func init() {
	rootCmd.AddCommand(runCmd, planCmd)
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().BoolVar(&approveAll, "approve-all", false, "Approve every plan entry that passed validation")
		c.Flags().StringVar(&approvalsFile, "approvals", "", "YAML file of approvals (entry_id, optional statements)")
		c.Flags().BoolVar(&noProgress, "no-progress", false, "Do not draw a progress bar")
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := rt.ctrl.Start(ctx, cfg.Source, cfg.Target, job.Selection{Include: cfg.Tables, Exclude: cfg.ExcludeTables})
	if err != nil {
		return err
	}
	logger.Log.Info("Job started", zap.String("job_id", id))
	fmt.Fprintf(os.Stderr, "Job %s started\n", id)

	st, err := rt.ctrl.Wait(ctx, id)
	if err != nil {
		return interrupted(id, err)
	}
	if st.Stage != job.StagePlanReady {
		_ = render(cmd.OutOrStdout(), st, printStatus(st))
		return &outcomeError{jobID: id, stage: string(st.Stage), outcome: string(st.Outcome)}
	}
	return approveAndFollow(ctx, cmd, rt, id)
}

// approveAndFollow approves the plan of a PLAN_READY job according to the
// approval flags and follows the migration to its end. Without approval
// flags it prints the plan and returns.
func approveAndFollow(ctx context.Context, cmd *cobra.Command, rt *runtime, id string) error {
	plan, err := rt.ctrl.Plan(ctx, id)
	if err != nil {
		return err
	}
	approvals, ok, err := collectApprovals(plan)
	if err != nil {
		return err
	}
	if !ok {
		if err := render(cmd.OutOrStdout(), plan, printPlan(id, plan)); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Plan ready. Approve it with: strata resume %s --approve-all (or --approvals <file>)\n", id)
		return nil
	}

	if err := rt.ctrl.Approve(ctx, id, approvals); err != nil {
		if errors.Is(err, job.ErrPlanStale) {
			if fresh, perr := rt.ctrl.Plan(ctx, id); perr == nil {
				_ = render(cmd.OutOrStdout(), fresh, printPlan(id, fresh))
			}
		}
		return err
	}
	return followToEnd(ctx, cmd, rt, id)
}

func followToEnd(ctx context.Context, cmd *cobra.Command, rt *runtime, id string) error {
	st, err := follow(ctx, rt.ctrl, id, !noProgress)
	if err != nil {
		return interrupted(id, err)
	}
	if err := render(cmd.OutOrStdout(), st, printStatus(st)); err != nil {
		return err
	}
	if st.Stage == job.StageCompleted && outputFormat == "text" {
		if rep, err := rt.ctrl.Report(ctx, id); err == nil {
			fmt.Fprintln(cmd.OutOrStdout())
			printReport(rep)(cmd.OutOrStdout())
		}
	}
	if st.Outcome != job.OutcomeClean {
		return &outcomeError{jobID: id, stage: string(st.Stage), outcome: string(st.Outcome)}
	}
	return nil
}

// collectApprovals turns the approval flags into approvals. ok is false
// when no approval was requested.
func collectApprovals(plan *translate.Plan) (approvals []job.Approval, ok bool, err error) {
	if approvalsFile != "" {
		raw, err := os.ReadFile(approvalsFile)
		if err != nil {
			return nil, false, fmt.Errorf("reading approvals: %w", err)
		}
		if err := yaml.Unmarshal(raw, &approvals); err != nil {
			return nil, false, fmt.Errorf("parsing approvals %s: %w", approvalsFile, err)
		}
		ok = true
	}
	if approveAll {
		seen := map[string]bool{}
		for _, a := range approvals {
			seen[a.EntryID] = true
		}
		for _, a := range job.RunnableApprovals(plan) {
			if !seen[a.EntryID] {
				approvals = append(approvals, a)
			}
		}
		ok = true
	}
	return approvals, ok, nil
}

func interrupted(id string, err error) error {
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Interrupted. Continue with: strata resume %s\n", id)
	}
	return err
}
