package ledger

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner anchors sealed artifacts in version control.
type GitRunner interface {
	Commit(ctx context.Context, paths []string, message string) (string, error)
	Push(ctx context.Context, remote, branch string) error
}

// execGit shells out to the git binary in the ledger repository.
type execGit struct {
	dir string
}

func (g execGit) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], detail)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Commit stages the given paths, commits, and returns the commit SHA.
func (g execGit) Commit(ctx context.Context, paths []string, message string) (string, error) {
	addArgs := append([]string{"add"}, paths...)
	if _, err := g.run(ctx, addArgs...); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.run(ctx, "rev-parse", "HEAD")
}

// Push pushes the current branch state to the configured remote.
func (g execGit) Push(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "push", remote, branch)
	return err
}
