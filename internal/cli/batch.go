package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/wtguard/internal/batch"
	"github.com/relicta-tech/wtguard/internal/errors"
	"github.com/relicta-tech/wtguard/internal/gitops"
)

var (
	batchDir            string
	batchRetryFailed    bool
	batchDiscardInvalid bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run resumable multi-unit provisioning batches",
}

var batchWorktreesCmd = &cobra.Command{
	Use:   "worktrees <integration-branch> <branch>...",
	Short: "Create one worktree per branch, resuming an interrupted run",
	Long: `Create a linked worktree for each branch, each branched from the
integration branch. Progress is checkpointed after every unit in the build
state file, so rerunning the same command after a failure continues where the
previous run stopped. Branches that already exist are skipped.

A previously failed unit is skipped on resume unless --retry-failed is given.
A corrupted or stale build state stops the run unless --discard-invalid is
given.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runBatchWorktrees,
}

func init() {
	batchWorktreesCmd.Flags().StringVar(&batchDir, "dir", "", "directory for new worktrees (default: next to the repository)")
	batchWorktreesCmd.Flags().BoolVar(&batchRetryFailed, "retry-failed", false, "retry the unit that failed in the previous run")
	batchWorktreesCmd.Flags().BoolVar(&batchDiscardInvalid, "discard-invalid", false, "discard a corrupted or stale build state")
	batchCmd.AddCommand(batchWorktreesCmd)
}

// worktreePathFor places the worktree for branch under dir, flattening
// hierarchical branch names.
func worktreePathFor(dir, branch string) string {
	return filepath.Join(dir, strings.ReplaceAll(branch, "/", "-"))
}

// worktreeWork returns a batch.Work that adds one worktree per unit.
func worktreeWork(svc *services, integration, dir string) batch.Work {
	return func(ctx context.Context, unit string) (batch.Result, error) {
		exists, err := svc.repo.BranchExists(ctx, unit)
		if err != nil {
			return batch.Done, err
		}
		if exists {
			logger.Info("branch already exists, skipping", "branch", unit)
			return batch.Skip, nil
		}
		_, err = svc.runner.AddWorktree(ctx, gitops.WorktreeSpec{
			Path:       worktreePathFor(dir, unit),
			Branch:     unit,
			NewBranch:  true,
			StartPoint: integration,
		})
		return batch.Done, err
	}
}

func runBatchWorktrees(cmd *cobra.Command, args []string) error {
	const op = "cli.batch"

	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	integration, units := args[0], args[1:]

	for _, u := range append([]string{integration}, units...) {
		if err := gitops.ValidateBranchName(u); err != nil {
			return errors.ValidationWrap(err, op, fmt.Sprintf("invalid branch name %q", u))
		}
	}
	exists, err := svc.repo.BranchExists(ctx, integration)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Validation(op, fmt.Sprintf("integration branch %q does not exist", integration))
	}

	dir := batchDir
	if dir == "" {
		dir = filepath.Dir(svc.repo.Root())
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return err
	}

	runner := batch.NewRunner(svc.tracker,
		batch.WithLogger(logger),
		batch.WithMetrics(recorder()),
		batch.WithRunLock(svc.tracker.Path()+batch.RunLockSuffix),
	)
	summary, runErr := runner.Run(ctx, batch.Plan{
		IntegrationBranch: integration,
		Units:             units,
		RetryFailed:       batchRetryFailed,
		DiscardInvalid:    batchDiscardInvalid,
	}, worktreeWork(svc, integration, dir))

	p := newPrinter(cmd.OutOrStdout())
	if !outputJSON {
		switch {
		case stderrors.Is(runErr, errors.ErrRunActive):
			p.Subtle("wait for the other batch run to finish, then rerun this command")
		case errors.IsKind(runErr, errors.KindConflict):
			p.Subtle("finish that run first, or discard it with 'wtguard state clear --force'")
		}
	}
	if outputJSON && summary != nil {
		if err := p.JSON(summary); err != nil {
			return err
		}
		return runErr
	}
	if summary != nil {
		if summary.Discarded {
			p.Warning("discarded unusable build state")
		}
		if summary.Resumed {
			p.Info("resumed previous run")
		}
		for _, u := range summary.Completed {
			p.Success(u)
		}
		for _, u := range summary.Skipped {
			p.Subtle("- " + u + " (skipped)")
		}
		if summary.Failed != "" {
			p.Error(summary.Failed)
			p.Subtle("rerun the same command to resume; add --retry-failed to retry " + summary.Failed)
		}
	}
	return runErr
}
