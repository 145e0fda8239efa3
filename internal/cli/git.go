package cli

import (
	stderrors "errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/wtguard/internal/errors"
	"github.com/relicta-tech/wtguard/internal/gitops"
)

var (
	branchDeleteForce   bool
	worktreeNewBranch   bool
	worktreeStartPoint  string
	worktreeRemoveForce bool
)

var execCmd = &cobra.Command{
	Use:   "exec -- <git arguments>",
	Short: "Run a git command under the repository lock",
	Long: `Run an arbitrary repository-mutating git command under the repository lock.

Output is captured and only shown when the command fails, unless --verbose is
set. The exit status of git is returned unchanged.

Example:
  wtguard exec -- branch -m old-name new-name`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var stashCmd = &cobra.Command{
	Use:   "stash",
	Short: "Stash uncommitted changes if the worktree is dirty",
	Args:  cobra.NoArgs,
	RunE:  runStash,
}

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Create or delete branches under the repository lock",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name> [start-point]",
	Short: "Create a branch",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBranchCreate,
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchDelete,
}

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Add, remove or prune linked worktrees under the repository lock",
}

var worktreeAddCmd = &cobra.Command{
	Use:   "add <path> <branch>",
	Short: "Add a linked worktree",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorktreeAdd,
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Remove a linked worktree",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorktreeRemove,
}

var worktreePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune stale worktree administrative files",
	Args:  cobra.NoArgs,
	RunE:  runWorktreePrune,
}

func init() {
	branchDeleteCmd.Flags().BoolVarP(&branchDeleteForce, "force", "D", false, "delete even if not merged")
	branchCmd.AddCommand(branchCreateCmd, branchDeleteCmd)

	worktreeAddCmd.Flags().BoolVarP(&worktreeNewBranch, "new-branch", "b", false, "create the branch")
	worktreeAddCmd.Flags().StringVar(&worktreeStartPoint, "start-point", "", "start point for a new branch")
	worktreeRemoveCmd.Flags().BoolVarP(&worktreeRemoveForce, "force", "f", false, "remove even with local changes")
	worktreeCmd.AddCommand(worktreeAddCmd, worktreeRemoveCmd, worktreePruneCmd)
}

// operationError turns a non-zero git exit status into an ExitError so the
// process exits with the same status.
func operationError(status int, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, errors.ErrOperationFailed) && status > 0 {
		return &ExitError{Code: status, Err: err}
	}
	return err
}

func reportOperation(cmd *cobra.Command, status int, err error, success string) error {
	if err := operationError(status, err); err != nil {
		return err
	}
	if outputJSON {
		return newPrinter(cmd.OutOrStdout()).JSON(map[string]any{"exit_status": status, "message": success})
	}
	newPrinter(cmd.OutOrStdout()).Success(success)
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	op := gitops.Operation{Name: "exec", Args: args}
	status, err := svc.runner.Execute(cmd.Context(), op, cfg.Output.Verbose)
	return operationError(status, err)
}

func runStash(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	res, err := svc.runner.StashIfDirty(cmd.Context())
	if err != nil {
		return err
	}
	if outputJSON {
		return newPrinter(cmd.OutOrStdout()).JSON(map[string]string{"result": string(res)})
	}
	p := newPrinter(cmd.OutOrStdout())
	if res == gitops.StashResultClean {
		p.Info(string(res))
	} else {
		p.Success(string(res))
	}
	return nil
}

func runBranchCreate(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	start := ""
	if len(args) == 2 {
		start = args[1]
	}
	status, err := svc.runner.CreateBranch(cmd.Context(), args[0], start)
	return reportOperation(cmd, status, err, fmt.Sprintf("created branch %s", args[0]))
}

func runBranchDelete(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	status, err := svc.runner.DeleteBranch(cmd.Context(), args[0], branchDeleteForce)
	return reportOperation(cmd, status, err, fmt.Sprintf("deleted branch %s", args[0]))
}

func runWorktreeAdd(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	spec := gitops.WorktreeSpec{
		Path:       path,
		Branch:     args[1],
		NewBranch:  worktreeNewBranch,
		StartPoint: worktreeStartPoint,
	}
	status, err := svc.runner.AddWorktree(cmd.Context(), spec)
	return reportOperation(cmd, status, err, fmt.Sprintf("added worktree %s on %s", spec.Path, spec.Branch))
}

func runWorktreeRemove(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	status, err := svc.runner.RemoveWorktree(cmd.Context(), path, worktreeRemoveForce)
	return reportOperation(cmd, status, err, fmt.Sprintf("removed worktree %s", path))
}

func runWorktreePrune(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	status, err := svc.runner.PruneWorktrees(cmd.Context())
	return reportOperation(cmd, status, err, "pruned worktrees")
}
