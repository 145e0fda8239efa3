package gitops

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/relicta-tech/wtguard/internal/errors"
)

// StashResult is the outcome of StashIfDirty.
type StashResult string

const (
	StashResultStashed StashResult = "stashed"
	StashResultClean   StashResult = "nothing to stash"
)

// StashLabelPrefix prefixes the message of every automatic stash.
const StashLabelPrefix = "wtguard-autostash-"

// ErrInvalidRef is returned when a branch name or path is unsafe to pass to git.
var ErrInvalidRef = stderrors.New("invalid git reference")

var refPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/+-]*$`)

var dangerousRefPatterns = []string{"..", "@{", "//", ".lock/", "\\", " ", "~", "^", ":", "?", "*", "["}

// ValidateBranchName rejects names git would refuse or that could be read as
// an option.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty branch name", ErrInvalidRef)
	}
	if len(name) > 250 {
		return fmt.Errorf("%w: %q exceeds maximum length", ErrInvalidRef, name)
	}
	if !refPattern.MatchString(name) {
		return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidRef, name)
	}
	for _, p := range dangerousRefPatterns {
		if strings.Contains(name, p) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidRef, name, p)
		}
	}
	if strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("%w: %q has an invalid suffix", ErrInvalidRef, name)
	}
	return nil
}

// validateStartPoint accepts any revision expression that cannot be read as an
// option, such as "main", "HEAD~2" or a commit hash.
func validateStartPoint(rev string) error {
	if rev == "" || strings.HasPrefix(rev, "-") || strings.ContainsAny(rev, " \t\r\n") {
		return fmt.Errorf("%w: invalid revision %q", ErrInvalidRef, rev)
	}
	return nil
}

func validatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "-") {
		return fmt.Errorf("%w: invalid path %q", ErrInvalidRef, path)
	}
	return nil
}

// IsDirty reports whether the worktree has staged, unstaged or untracked
// changes. It is read-only and does not take the lock.
func (r *Runner) IsDirty(ctx context.Context) (bool, error) {
	var out, errOut bytes.Buffer
	status, err := r.executor.Run(ctx, Command{
		Dir:     r.dir,
		Program: "git",
		Args:    []string{"status", "--porcelain"},
		Stdout:  &out,
		Stderr:  &errOut,
	})
	if err != nil {
		return false, errors.GitWrap(err, "gitops.IsDirty", "failed to check working tree status")
	}
	if status != 0 {
		return false, errors.Git("gitops.IsDirty",
			fmt.Sprintf("git status exited with status %d: %s", status, errors.RedactSensitive(strings.TrimSpace(errOut.String()))))
	}
	return strings.TrimSpace(out.String()) != "", nil
}

// StashIfDirty stashes uncommitted changes, untracked files included, under a
// timestamped label. A clean tree reports StashResultClean. Failure to detect
// the tree state is returned rather than treated as clean.
func (r *Runner) StashIfDirty(ctx context.Context) (StashResult, error) {
	dirty, err := r.IsDirty(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		return StashResultClean, nil
	}

	label := StashLabelPrefix + r.now().Format("20060102-150405")
	_, err = r.Execute(ctx, Operation{
		Name: "stash",
		Args: []string{"stash", "push", "--include-untracked", "-m", label},
	}, r.verbose)
	if err != nil {
		return "", err
	}
	return StashResultStashed, nil
}

// CreateBranch creates name at startPoint, or at HEAD when startPoint is empty.
func (r *Runner) CreateBranch(ctx context.Context, name, startPoint string) (int, error) {
	if err := ValidateBranchName(name); err != nil {
		return ExitNotStarted, errors.ValidationWrap(err, "gitops.CreateBranch", "invalid branch name")
	}
	args := []string{"branch", name}
	if startPoint != "" {
		if err := validateStartPoint(startPoint); err != nil {
			return ExitNotStarted, errors.ValidationWrap(err, "gitops.CreateBranch", "invalid start point")
		}
		args = append(args, startPoint)
	}
	return r.Execute(ctx, Operation{Name: "branch-create", Args: args}, r.verbose)
}

// DeleteBranch deletes name. force uses -D instead of -d.
func (r *Runner) DeleteBranch(ctx context.Context, name string, force bool) (int, error) {
	if err := ValidateBranchName(name); err != nil {
		return ExitNotStarted, errors.ValidationWrap(err, "gitops.DeleteBranch", "invalid branch name")
	}
	flag := "-d"
	if force {
		flag = "-D"
	}
	return r.Execute(ctx, Operation{Name: "branch-delete", Args: []string{"branch", flag, name}}, r.verbose)
}

// WorktreeSpec describes a worktree to add.
type WorktreeSpec struct {
	Path string
	// Branch is checked out in the new worktree.
	Branch string
	// NewBranch creates Branch from StartPoint instead of checking out an
	// existing one.
	NewBranch  bool
	StartPoint string
}

// AddWorktree adds a linked worktree.
func (r *Runner) AddWorktree(ctx context.Context, spec WorktreeSpec) (int, error) {
	const op = "gitops.AddWorktree"

	if err := validatePath(spec.Path); err != nil {
		return ExitNotStarted, errors.ValidationWrap(err, op, "invalid worktree path")
	}
	if err := ValidateBranchName(spec.Branch); err != nil {
		return ExitNotStarted, errors.ValidationWrap(err, op, "invalid branch name")
	}

	args := []string{"worktree", "add"}
	if spec.NewBranch {
		args = append(args, "-b", spec.Branch, spec.Path)
		if spec.StartPoint != "" {
			if err := validateStartPoint(spec.StartPoint); err != nil {
				return ExitNotStarted, errors.ValidationWrap(err, op, "invalid start point")
			}
			args = append(args, spec.StartPoint)
		}
	} else {
		args = append(args, spec.Path, spec.Branch)
	}
	return r.Execute(ctx, Operation{Name: "worktree-add", Args: args}, r.verbose)
}

// RemoveWorktree removes the linked worktree at path.
func (r *Runner) RemoveWorktree(ctx context.Context, path string, force bool) (int, error) {
	if err := validatePath(path); err != nil {
		return ExitNotStarted, errors.ValidationWrap(err, "gitops.RemoveWorktree", "invalid worktree path")
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return r.Execute(ctx, Operation{Name: "worktree-remove", Args: args}, r.verbose)
}

// PruneWorktrees removes administrative files of worktrees that no longer exist.
func (r *Runner) PruneWorktrees(ctx context.Context) (int, error) {
	return r.Execute(ctx, Operation{Name: "worktree-prune", Args: []string{"worktree", "prune"}}, r.verbose)
}
