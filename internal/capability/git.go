// Package capability abstracts every external system the control plane
// drives: git worktrees, the preview database engine, the deploy target,
// and its health endpoint. Each capability is a narrow interface so the
// domain packages (worktrees, previewdb, mergegate) can be tested against
// an in-memory fake instead of a real repository, database, or deploy
// target: typed drivers around exec.Command instead of ad-hoc shell
// strings.
package capability

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitDriver performs the worktree and merge operations the Worktree Binding
// Manager and Merge/Deploy Gate need against the main repository clone.
type GitDriver interface {
	// EnsureBranch creates branch (from the current HEAD of repoRoot) if it
	// does not already exist; it is a no-op if it does.
	EnsureBranch(ctx context.Context, repoRoot, branch string) error
	// CreateWorktree attaches a new worktree at worktreePath checked out to
	// branch.
	CreateWorktree(ctx context.Context, repoRoot, worktreePath, branch string) error
	// RemoveWorktree detaches and deletes a previously created worktree.
	RemoveWorktree(ctx context.Context, repoRoot, worktreePath string) error
	// HeadCommit returns the commit sha dir's HEAD currently points at.
	HeadCommit(ctx context.Context, dir string) (string, error)
	// Merge fast-forwards or merges branch into mainBranch inside repoRoot
	// and returns the resulting commit sha.
	Merge(ctx context.Context, repoRoot, mainBranch, branch string) (string, error)
	// Push pushes mainBranch to its configured remote.
	Push(ctx context.Context, repoRoot, mainBranch string) error
}

// ExecGitDriver is the real GitDriver, shelling out to the system git
// binary with explicit argument vectors (never an interpolated shell
// string) so arguments containing branch or path metadata can never be
// reinterpreted by a shell.
type ExecGitDriver struct{}

var _ GitDriver = ExecGitDriver{}

func (ExecGitDriver) EnsureBranch(ctx context.Context, repoRoot, branch string) error {
	if _, err := runGit(ctx, repoRoot, "rev-parse", "--verify", "--quiet", branch); err == nil {
		return nil
	}
	_, err := runGit(ctx, repoRoot, "branch", branch)
	if err != nil {
		return fmt.Errorf("ensure branch %s: %w", branch, err)
	}
	return nil
}

func (ExecGitDriver) CreateWorktree(ctx context.Context, repoRoot, worktreePath, branch string) error {
	_, err := runGit(ctx, repoRoot, "worktree", "add", worktreePath, branch)
	if err != nil {
		return fmt.Errorf("create worktree %s for %s: %w", worktreePath, branch, err)
	}
	return nil
}

func (ExecGitDriver) RemoveWorktree(ctx context.Context, repoRoot, worktreePath string) error {
	_, err := runGit(ctx, repoRoot, "worktree", "remove", worktreePath)
	if err != nil {
		return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
	}
	return nil
}

func (ExecGitDriver) HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head commit for %s: %w", dir, err)
	}
	return out, nil
}

func (ExecGitDriver) Merge(ctx context.Context, repoRoot, mainBranch, branch string) (string, error) {
	if _, err := runGit(ctx, repoRoot, "checkout", mainBranch); err != nil {
		return "", fmt.Errorf("checkout %s: %w", mainBranch, err)
	}
	if _, err := runGit(ctx, repoRoot, "merge", "--no-ff", "--no-edit", branch); err != nil {
		return "", fmt.Errorf("merge %s into %s: %w", branch, mainBranch, err)
	}
	return (ExecGitDriver{}).HeadCommit(ctx, repoRoot)
}

func (ExecGitDriver) Push(ctx context.Context, repoRoot, mainBranch string) error {
	_, err := runGit(ctx, repoRoot, "push", "origin", mainBranch)
	if err != nil {
		return fmt.Errorf("push %s: %w", mainBranch, err)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", fmt.Errorf("git %s failed in %s: %s", strings.Join(args, " "), dir, text)
	}
	return text, nil
}
