package sanitize

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal  = errors.New("Path traversal detected")
	ErrNotFound       = errors.New("file not found")
	ErrNotRegularFile = errors.New("not a regular file")
	ErrRestricted     = errors.New("restricted path")
)

// PathResult is the outcome of validating a client-supplied path. SafePath is
// only set when Valid is true.
type PathResult struct {
	Valid    bool
	SafePath string
	Err      error
}

func invalid(err error) PathResult {
	return PathResult{Valid: false, Err: err}
}

var openFile = os.Open

// Validator resolves client-supplied paths against a fixed base directory.
// Dot-prefixed segments and excluded subtrees are never handed out.
type Validator struct {
	base     string
	excluded []string
}

// NewValidator canonicalizes baseDir once. The directory must exist.
func NewValidator(baseDir string) (*Validator, error) {
	base, err := canonical(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir %q: %w", baseDir, err)
	}
	return &Validator{base: base}, nil
}

// Base returns the canonical base directory.
func (v *Validator) Base() string {
	return v.base
}

// Exclude marks dir and everything below it as restricted. dir does not need
// to exist yet.
func (v *Validator) Exclude(dir string) error {
	resolved, err := resolveExisting(dir)
	if err != nil {
		return fmt.Errorf("resolve excluded dir %q: %w", dir, err)
	}
	v.excluded = append(v.excluded, resolved)
	return nil
}

// ValidateFilePath checks candidate against baseDir in one call.
func ValidateFilePath(candidate, baseDir string) PathResult {
	v, err := NewValidator(baseDir)
	if err != nil {
		return invalid(err)
	}
	return v.Validate(candidate)
}

// Validate returns the canonical path of an existing regular file under the
// base directory. Any ".." segment, absolute path or NUL byte in the raw
// candidate is rejected as traversal before the filesystem is consulted.
func (v *Validator) Validate(candidate string) PathResult {
	rel, err := normalize(candidate)
	if err != nil {
		return invalid(err)
	}

	joined := filepath.Join(v.base, filepath.FromSlash(rel))
	if !v.within(joined) {
		return invalid(ErrPathTraversal)
	}
	if v.restricted(joined) {
		return invalid(ErrRestricted)
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return invalid(ErrNotFound)
		}
		return invalid(fmt.Errorf("resolve path: %w", err))
	}
	if !v.within(resolved) {
		return invalid(ErrPathTraversal)
	}
	if v.restricted(resolved) {
		return invalid(ErrRestricted)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return invalid(ErrNotFound)
	}
	if !info.Mode().IsRegular() {
		return invalid(ErrNotRegularFile)
	}

	return PathResult{Valid: true, SafePath: resolved}
}

// Open validates candidate and opens the resulting file for reading. Callers
// must close the file when the result is valid.
func (v *Validator) Open(candidate string) (*os.File, PathResult) {
	res := v.Validate(candidate)
	if !res.Valid {
		return nil, res
	}
	f, err := openFile(res.SafePath)
	if err != nil {
		return nil, invalid(fmt.Errorf("open: %w", err))
	}

	// The path must still name the file that was validated.
	opened, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, invalid(fmt.Errorf("stat: %w", err))
	}
	current, err := os.Lstat(res.SafePath)
	if err != nil || !os.SameFile(opened, current) || !opened.Mode().IsRegular() {
		f.Close()
		return nil, invalid(ErrPathTraversal)
	}
	return f, res
}

// Dir resolves a client-supplied subdirectory for writing. An empty
// candidate means the base itself. The directory does not need to exist, but
// any existing part of it must not escape the base through a symlink.
func (v *Validator) Dir(candidate string) (string, error) {
	if strings.TrimSpace(candidate) == "" {
		return v.base, nil
	}
	rel, err := normalize(candidate)
	if errors.Is(err, ErrNotFound) {
		return v.base, nil
	}
	if err != nil {
		return "", err
	}

	joined := filepath.Join(v.base, filepath.FromSlash(rel))
	if joined != v.base && !v.within(joined) {
		return "", ErrPathTraversal
	}
	if v.restricted(joined) {
		return "", ErrRestricted
	}

	// Walk up to the deepest existing ancestor and check where it really is.
	cur := joined
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if resolved != v.base && !v.within(resolved) {
				return "", ErrPathTraversal
			}
			if v.restricted(resolved) {
				return "", ErrRestricted
			}
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolve dir: %w", err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	return joined, nil
}

// Rel returns path relative to the base, using forward slashes.
func (v *Validator) Rel(path string) (string, error) {
	rel, err := filepath.Rel(v.base, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return filepath.ToSlash(rel), nil
}

// HasHiddenSegment reports whether any segment of candidate starts with a dot.
func HasHiddenSegment(candidate string) bool {
	for _, seg := range strings.Split(strings.ReplaceAll(candidate, "\\", "/"), "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

func (v *Validator) within(p string) bool {
	return strings.HasPrefix(p, v.base+string(filepath.Separator))
}

// restricted reports whether p, an absolute path, has a dot-prefixed segment
// below the base or lies in an excluded subtree.
func (v *Validator) restricted(p string) bool {
	for _, ex := range v.excluded {
		if p == ex || strings.HasPrefix(p, ex+string(filepath.Separator)) {
			return true
		}
	}
	if !v.within(p) {
		return false
	}
	return HasHiddenSegment(filepath.ToSlash(strings.TrimPrefix(p, v.base+string(filepath.Separator))))
}

// normalize converts separators, rejects traversal markers and strips
// leading slashes and "." segments.
func normalize(candidate string) (string, error) {
	if strings.ContainsRune(candidate, 0) {
		return "", ErrPathTraversal
	}

	p := strings.ReplaceAll(candidate, "\\", "/")
	if isAbsolute(p) {
		return "", ErrPathTraversal
	}

	var kept []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "..":
			return "", ErrPathTraversal
		case "", ".":
			continue
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return "", ErrNotFound
	}
	return strings.Join(kept, "/"), nil
}

func isAbsolute(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	// Drive letters, e.g. C:/Windows.
	return len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// resolveExisting resolves symlinks in the deepest existing ancestor of dir
// and appends the rest unchanged.
func resolveExisting(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	var rest []string
	for p := abs; ; {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return abs, nil
		}
		rest = append(rest, filepath.Base(p))
		p = parent
	}
}

func canonical(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	return resolved, nil
}
