package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// IgnoreFilename lists capture files to leave out of a run, in gitignore
// syntax, e.g. calibration shots or turntable-empty frames.
const IgnoreFilename = ".turntableignore"

// CaptureFilter selects the files of a capture folder that take part in a
// run. Patterns follow gitignore rules: the last matching line wins and
// "!" re-includes.
type CaptureFilter struct {
	root    string
	matcher gitignore.Matcher
}

func NewCaptureFilter(root string) (*CaptureFilter, error) {
	patterns, err := readIgnorePatterns(filepath.Join(root, IgnoreFilename))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", IgnoreFilename, err)
	}
	return &CaptureFilter{root: root, matcher: gitignore.NewMatcher(patterns)}, nil
}

// Excluded reports whether an ignore pattern drops path. Paths outside the
// folder are never excluded.
func (f *CaptureFilter) Excluded(path string) bool {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	return f.matcher.Match(strings.Split(filepath.ToSlash(rel), "/"), false)
}

// Accept reports whether path is a visible image file not excluded by the
// ignore file.
func (f *CaptureFilter) Accept(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !IsImageFile(name) {
		return false
	}
	return !f.Excluded(path)
}

func readIgnorePatterns(path string) ([]gitignore.Pattern, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns, nil
}
