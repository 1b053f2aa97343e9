package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anbu0809/strata-migrate/internal/job"
)

func init() {
	rootCmd.AddCommand(resumeCmd)
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Continue an interrupted job, or approve a job waiting in PLAN_READY",
	Long: `Continue a job from its persisted state. Completed table phases are
kept and data copies restart from their last committed batch.

A job waiting for approval needs --approve-all or --approvals; both schemas
are captured again first and a changed schema yields a new plan to review.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.ctrl.Status(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case st.Stage.Terminal():
		return fmt.Errorf("%w: %s", job.ErrTerminal, st.Stage)
	case st.Stage == job.StagePlanReady:
		return approveAndFollow(ctx, cmd, rt, id)
	}

	if err := rt.ctrl.Resume(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Job %s resumed from %s\n", id, st.Stage)
	if st.Stage == job.StageCreated || st.Stage == job.StageAnalyzing {
		st, err = rt.ctrl.Wait(ctx, id)
		if err != nil {
			return interrupted(id, err)
		}
		if st.Stage == job.StagePlanReady {
			return approveAndFollow(ctx, cmd, rt, id)
		}
	}
	return followToEnd(ctx, cmd, rt, id)
}
