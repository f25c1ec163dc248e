package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// gitTimeout bounds each git invocation.
const gitTimeout = 30 * time.Second

// analyzeCommits reads the most recent commits from version history.
// A git failure (no repository, no commits yet) yields an empty slice;
// commits are a best-effort section of the Snapshot.
func (a *Analyzer) analyzeCommits(ctx context.Context) []Commit {
	format := `--format=%h|%s|%cd`
	output, err := execGit(ctx, a.root,
		"log", "--oneline", fmt.Sprintf("-%d", a.commitLimit),
		format, `--date=format:%b %d, %Y`)
	if err != nil {
		a.logger.Printf("WARNING: failed to read commit history: %v", err)
		return nil
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		commit, ok := parseCommitLine(line)
		if !ok {
			continue
		}
		commits = append(commits, commit)
	}
	return commits
}

// parseCommitLine splits "hash|subject|date". The subject may itself
// contain pipes, so the hash is the first field and the date the last.
func parseCommitLine(line string) (Commit, bool) {
	parts := strings.Split(line, "|")
	if len(parts) < 3 {
		return Commit{}, false
	}
	return Commit{
		Hash:    parts[0],
		Message: strings.Join(parts[1:len(parts)-1], "|"),
		Date:    parts[len(parts)-1],
	}, true
}

// execGit runs git with a timeout, capturing stderr into the error.
func execGit(ctx context.Context, workDir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
