package sync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// GitDestination commits each snapshot to one file of a local clone and
// pushes it, so the repository history is the backup history.
type GitDestination struct {
	repo   string // path to the local clone
	file   string // export path within the repo
	branch string
}

// NewGitDestination creates a git destination. repo is the path to an
// existing local clone.
func NewGitDestination(repo, file, branch string) *GitDestination {
	return &GitDestination{repo: repo, file: file, branch: branch}
}

// Name returns "git".
func (d *GitDestination) Name() string { return "git" }

// commitMessage summarises a snapshot for the commit subject.
func commitMessage(snap Snapshot) string {
	return fmt.Sprintf("backup: %d nodes, %d edges (%s)",
		snap.Stats.Nodes, snap.Stats.Edges, snap.Taken.UTC().Format(time.RFC3339))
}

// Write replaces the export file with the snapshot, then commits and
// pushes. An unchanged export produces no commit.
func (d *GitDestination) Write(ctx context.Context, snap Snapshot) error {
	if _, err := d.git(ctx, "checkout", d.branch); err != nil {
		return fmt.Errorf("git checkout: %w", err)
	}
	// The remote may not have the branch yet.
	_, _ = d.git(ctx, "pull", "--ff-only", "origin", d.branch)

	target := filepath.Join(d.repo, d.file)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(target, snap.Data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	if _, err := d.git(ctx, "add", d.file); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	if _, err := d.git(ctx, "diff", "--cached", "--quiet"); err == nil {
		return nil
	}
	if _, err := d.git(ctx, "commit", "-m", commitMessage(snap)); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	if _, err := d.git(ctx, "push", "origin", d.branch); err != nil {
		return fmt.Errorf("git push: %w", err)
	}
	return nil
}

// LastCommit returns the subject of the newest commit on the branch.
func (d *GitDestination) LastCommit(ctx context.Context) (string, error) {
	out, err := d.git(ctx, "log", "-1", "--format=%s", d.branch)
	if err != nil {
		return "", fmt.Errorf("git log: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (d *GitDestination) git(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = d.repo
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return stdout.String(), nil
}
