// Package pathguard confines path resolution to a root directory, following
// symlinks so a link inside the root cannot point an extension outside it.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard resolves and validates paths against a root directory.
type Guard struct {
	rootPath string
}

// NewGuard resolves root, which must be an existing directory.
func NewGuard(root string) (*Guard, error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}

	return &Guard{rootPath: resolved}, nil
}

// ResolveRoot normalizes an existing directory path.
func ResolveRoot(root string) (string, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return "", newError(ErrorInvalidPath, "root must not be empty")
	}

	expanded, err := ExpandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute root path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(filepath.Clean(absPath))
	if err != nil {
		return "", ioError(err, trimmed)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", ioError(err, resolved)
	}
	if !info.IsDir() {
		return "", newError(ErrorNotDirectory, resolved)
	}

	return filepath.Clean(resolved), nil
}

// EnsureRoot creates root when missing and returns its normalized path.
func EnsureRoot(root string) (string, error) {
	expanded, err := ExpandHome(strings.TrimSpace(root))
	if err != nil {
		return "", err
	}
	if expanded == "" {
		return "", newError(ErrorInvalidPath, "root must not be empty")
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	return ResolveRoot(expanded)
}

// Root returns the normalized absolute root path.
func (g *Guard) Root() string {
	if g == nil {
		return ""
	}

	return g.rootPath
}

// ResolvePath validates and returns a canonical absolute path inside the root.
// Relative inputs are joined to the root.
func (g *Guard) ResolvePath(inputPath string) (string, error) {
	if g == nil {
		return "", newError(ErrorIO, "path guard is nil")
	}

	trimmed := strings.TrimSpace(inputPath)
	if trimmed == "" {
		return "", newError(ErrorInvalidPath, "path must not be empty")
	}

	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.rootPath, candidate)
	}

	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", newError(ErrorInvalidPath, "path could not be resolved")
	}

	effectivePath, err := canonicalPath(filepath.Clean(absPath))
	if err != nil {
		return "", err
	}

	if !isWithin(g.rootPath, effectivePath) {
		return "", newError(ErrorOutsideRoot, fmt.Sprintf("%s escapes %s", trimmed, g.rootPath))
	}

	return effectivePath, nil
}

// ResolveFile is ResolvePath that additionally requires an existing regular file.
func (g *Guard) ResolveFile(inputPath string) (string, error) {
	resolved, err := g.ResolvePath(inputPath)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", ioError(err, inputPath)
	}
	if !info.Mode().IsRegular() {
		return "", newError(ErrorNotRegular, inputPath)
	}

	return resolved, nil
}

// RelPath returns a root-relative path when representable.
func (g *Guard) RelPath(path string) string {
	if g == nil {
		return filepath.Clean(path)
	}

	rel, err := filepath.Rel(g.rootPath, path)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return filepath.Clean(path)
	}
	if rel == "." {
		return "."
	}

	return filepath.Clean(rel)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}

func canonicalPath(path string) (string, error) {
	evaluated, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Clean(evaluated), nil
	}
	if !os.IsNotExist(err) {
		return "", ioError(err, path)
	}

	parent, remainder, splitErr := nearestExistingParent(path)
	if splitErr != nil {
		return "", splitErr
	}

	evaluatedParent, evalErr := filepath.EvalSymlinks(parent)
	if evalErr != nil {
		return "", ioError(evalErr, parent)
	}

	return filepath.Clean(filepath.Join(evaluatedParent, remainder)), nil
}

func nearestExistingParent(path string) (string, string, error) {
	current := filepath.Clean(path)
	parts := make([]string, 0)

	for {
		if _, err := os.Lstat(current); err == nil {
			remainder := ""
			for i := len(parts) - 1; i >= 0; i-- {
				remainder = filepath.Join(remainder, parts[i])
			}
			return current, remainder, nil
		}

		base := filepath.Base(current)
		if base == "." || base == string(filepath.Separator) {
			break
		}
		parts = append(parts, base)

		next := filepath.Dir(current)
		if next == current {
			break
		}
		current = next
	}

	return "", "", newError(ErrorInvalidPath, "path could not be resolved")
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." {
		return false
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}
