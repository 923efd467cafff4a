package workspace

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// BranchStatus summarizes a working copy for session listings.
type BranchStatus struct {
	Branch    string
	Staged    int
	Unstaged  int
	Untracked int
	Ahead     int
	Behind    int
}

// Clean reports whether the working copy has no local changes.
func (s BranchStatus) Clean() bool {
	return s.Staged == 0 && s.Unstaged == 0 && s.Untracked == 0
}

// Status inspects the working copy at path: counts of staged, unstaged, and
// untracked files plus ahead/behind relative to the upstream branch. Missing
// upstream leaves ahead/behind at zero.
func (p *Provisioner) Status(ctx context.Context, path string) (*BranchStatus, error) {
	status := &BranchStatus{}

	branchOut, err := p.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("git rev-parse: %w", err)
	}
	status.Branch = strings.TrimSpace(branchOut)

	porcelain, err := p.git(ctx, path, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	countPorcelain(porcelain, status)

	p.countAheadBehind(ctx, path, status)
	return status, nil
}

// countPorcelain tallies `git status --porcelain` lines. Column X is the
// index (staged) status, column Y the working tree (unstaged) status; a file
// with both counts in both tallies.
func countPorcelain(out string, status *BranchStatus) {
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		x, y := line[0], line[1]
		if x == '?' && y == '?' {
			status.Untracked++
			continue
		}
		if x != ' ' && x != '?' {
			status.Staged++
		}
		if y != ' ' && y != '?' {
			status.Unstaged++
		}
	}
}

func (p *Provisioner) countAheadBehind(ctx context.Context, path string, status *BranchStatus) {
	upstreamOut, err := p.git(ctx, path, "rev-parse", "--abbrev-ref", "@{upstream}")
	if err != nil {
		return
	}
	upstream := strings.TrimSpace(upstreamOut)

	countOut, err := p.git(ctx, path, "rev-list", "--left-right", "--count", "HEAD..."+upstream)
	if err != nil {
		return
	}
	parts := strings.Fields(countOut)
	if len(parts) == 2 {
		status.Ahead, _ = strconv.Atoi(parts[0])
		status.Behind, _ = strconv.Atoi(parts[1])
	}
}
