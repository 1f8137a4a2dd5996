package mergegate

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

func runInDir(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", fmt.Errorf("%s %s failed in %s: %s", name, strings.Join(args, " "), dir, text)
	}
	return text, nil
}

func gitStatusShortLines(ctx context.Context, repoPath string) ([]string, error) {
	out, err := runInDir(ctx, repoPath, "git", "status", "--short")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	lines := strings.Split(out, "\n")
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result, nil
}

func parseGitStatusPath(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if strings.Contains(line, " -> ") {
		parts := strings.Split(line, " -> ")
		return strings.TrimSpace(parts[len(parts)-1])
	}
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts[1:], " ")
}

func matchesForbiddenPattern(path string, patterns []string) bool {
	path = filepath.ToSlash(strings.TrimSpace(path))
	base := filepath.Base(path)
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if ok, err := filepath.Match(pattern, path); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
		prefix := strings.TrimSuffix(pattern, "/")
		if prefix != "" && (path == prefix || strings.HasPrefix(path, prefix+"/")) {
			return true
		}
	}
	return false
}
