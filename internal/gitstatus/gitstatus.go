// Package gitstatus runs `git status` against a workspace's host mount for
// EventProcessor's git-status side effect (spec.md §4.5), grounded on the
// teacher's use of exec.CommandContext for git subprocess invocations in
// internal/server/git.go.
package gitstatus

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Runner shells out to `git status --porcelain` in a workspace's host
// mount. It satisfies events.GitStatusRunner.
type Runner struct{}

// NewRunner builds a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// RunGitStatus runs `git status --porcelain` in hostMount and returns its
// raw output. Git failures (not a repo, missing binary) are returned as an
// error; the caller treats git-status failures as silent per spec.md §7.
func (r *Runner) RunGitStatus(ctx context.Context, hostMount string) (string, error) {
	if hostMount == "" {
		return "", fmt.Errorf("gitstatus: empty host mount")
	}

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = hostMount

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gitstatus: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}
