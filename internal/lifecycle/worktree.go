package lifecycle

import (
	"context"
	"fmt"
	"path"

	"github.com/agent-command/pilotd/internal/backend"
)

// ensureWorktree checks branch out into dir as a linked worktree of repo,
// on the machine the backend points at. An existing branch is checked out
// as-is so recreate keeps its commits; a missing one is created from base.
func ensureWorktree(ctx context.Context, b backend.Backend, repo, dir, branch, base string) error {
	if _, err := b.Exec(ctx, "", "mkdir", "-p", path.Dir(dir)); err != nil {
		return fmt.Errorf("prepare worktree parent for %s: %w", dir, err)
	}
	if _, err := b.Exec(ctx, "", "git", "-C", repo, "fetch", "--all", "--prune"); err != nil {
		return fmt.Errorf("fetch %s: %w", repo, err)
	}
	if _, err := b.Exec(ctx, "", "git", "-C", repo, "worktree", "add", dir, branch); err == nil {
		return nil
	}
	if _, err := b.Exec(ctx, "", "git", "-C", repo, "worktree", "add", dir, "-b", branch, base); err != nil {
		return fmt.Errorf("add worktree %s: %w", dir, err)
	}
	return nil
}

// removeWorktree drops a linked worktree and its directory. The branch
// itself is kept.
func removeWorktree(ctx context.Context, b backend.Backend, repo, dir string) error {
	if _, err := b.Exec(ctx, "", "git", "-C", repo, "worktree", "remove", "--force", dir); err != nil {
		return fmt.Errorf("remove worktree %s: %w", dir, err)
	}
	return nil
}
