// gitinfo.go reads Git metadata to stamp environment records.
package gitinfo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Head returns the commit hash and dirty state of the repository containing
// dir, if one is available.
func Head(ctx context.Context, dir string) (commit string, dirty bool, err error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", false, err
	}
	commit = strings.TrimSpace(string(output))
	statusCmd := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain")
	statusOut, err := statusCmd.Output()
	if err != nil {
		return commit, false, fmt.Errorf("git status: %w", err)
	}
	dirty = len(strings.TrimSpace(string(statusOut))) > 0
	return commit, dirty, nil
}
