// Package gitrepo locates the repository a wtguard invocation works on and
// answers read-only questions about it. It is worktree aware: every linked
// worktree of a repository resolves to the same common directory, which is
// where the lock, operation log and build state live.
package gitrepo

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/relicta-tech/wtguard/internal/errors"
)

// Inspector answers questions about one repository.
type Inspector struct {
	repo      *git.Repository
	root      string
	commonDir string
}

// Open finds the repository containing path, walking up parent directories.
func Open(path string) (*Inspector, error) {
	const op = "gitrepo.Open"

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.GitWrap(err, op, "failed to get absolute path")
	}

	repo, err := git.PlainOpenWithOptions(absPath, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if stderrors.Is(err, git.ErrRepositoryNotExists) {
			return nil, errors.Wrap(err, errors.KindNotFound, op, fmt.Sprintf("%s is not inside a git repository", absPath))
		}
		return nil, errors.GitWrap(err, op, "failed to open repository")
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, errors.GitWrap(err, op, "bare repositories are not supported")
	}
	root := wt.Filesystem.Root()

	commonDir, err := ResolveCommonDir(root)
	if err != nil {
		return nil, errors.GitWrap(err, op, "failed to resolve git common directory")
	}

	return &Inspector{repo: repo, root: root, commonDir: commonDir}, nil
}

// Root returns the working tree root of the opened worktree.
func (i *Inspector) Root() string {
	return i.root
}

// CommonDir returns the git directory shared by all worktrees.
func (i *Inspector) CommonDir() string {
	return i.commonDir
}

// DataDir returns the directory for wtguard's files inside the common dir.
func (i *Inspector) DataDir() string {
	return filepath.Join(i.commonDir, "wtguard")
}

// BranchExists reports whether a local branch with the given short name exists.
func (i *Inspector) BranchExists(_ context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	_, err := i.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err == nil {
		return true, nil
	}
	if stderrors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	return false, errors.GitWrap(err, "gitrepo.BranchExists", fmt.Sprintf("failed to resolve branch %q", name))
}

// CurrentBranch returns the short name of the checked-out branch, or an empty
// string for a detached HEAD.
func (i *Inspector) CurrentBranch(_ context.Context) (string, error) {
	head, err := i.repo.Head()
	if err != nil {
		return "", errors.GitWrap(err, "gitrepo.CurrentBranch", "failed to resolve HEAD")
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// ResolveCommonDir returns the common git directory for the worktree rooted
// at root. For the main worktree this is root/.git. For a linked worktree the
// .git file points at .git/worktrees/<name>, whose commondir file points back
// at the shared directory.
func ResolveCommonDir(root string) (string, error) {
	dotGit := filepath.Join(root, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return filepath.Clean(dotGit), nil
	}

	data, err := os.ReadFile(dotGit) // #nosec G304 -- .git file inside the worktree
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	gitDir, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return "", fmt.Errorf("malformed .git file in %s", root)
	}
	gitDir = strings.TrimSpace(gitDir)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(root, gitDir)
	}

	common, err := os.ReadFile(filepath.Join(gitDir, "commondir")) // #nosec G304 -- inside the git dir
	if err != nil {
		if os.IsNotExist(err) {
			// Separate git dir without worktrees.
			return filepath.Clean(gitDir), nil
		}
		return "", err
	}
	commonDir := strings.TrimSpace(string(common))
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(gitDir, commonDir)
	}
	return filepath.Clean(commonDir), nil
}
