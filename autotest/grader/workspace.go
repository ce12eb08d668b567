package grader

import (
	"context"
	"fmt"
	"os/exec"
)

// SourceFetcher materializes a commit's source tree into a directory.
type SourceFetcher interface {
	Fetch(ctx context.Context, repoURL, commitSHA, dir string) error
}

// GitFetcher is a thin wrapper around the git binary: clone the
// repository, then check out the target commit.
type GitFetcher struct{}

func (GitFetcher) Fetch(ctx context.Context, repoURL, commitSHA, dir string) error {
	clone := exec.CommandContext(ctx, "git", "clone", "--quiet", repoURL, dir)
	if out, err := clone.CombinedOutput(); err != nil {
		return fmt.Errorf("grader: clone %s: %v: %s", repoURL, err, out)
	}
	checkout := exec.CommandContext(ctx, "git", "-C", dir, "checkout", "--quiet", commitSHA)
	if out, err := checkout.CombinedOutput(); err != nil {
		return fmt.Errorf("grader: checkout %s: %v: %s", commitSHA, err, out)
	}
	return nil
}
