package fsutil

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrUnsafePath = errors.New("unsafe path")
	ErrForbidden  = errors.New("forbidden path")
)

// MaxNameLength is the longest item name accepted for create/rename.
const MaxNameLength = 255

const (
	// Characters never allowed inside a single path segment.
	illegalNameChars = `<>:"?*|\/`
	// Same set minus the separators, for multi-segment relative paths.
	illegalPathChars = `<>:"?*|`
)

// IsSafeItemName reports whether name can be used as one path segment below
// a directory. It rejects separators, reserved characters, NUL and the dot
// entries.
func IsSafeItemName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, illegalNameChars) || strings.ContainsRune(name, 0) {
		return false
	}
	return true
}

// IsSafeRelativePath reports whether p may be used as a relative directory
// (the paste source field). ".." is refused as a whole segment only, so a
// name like "..foo" passes.
func IsSafeRelativePath(p string) bool {
	if p == ".." {
		return false
	}
	if strings.ContainsAny(p, illegalPathChars) || strings.ContainsRune(p, 0) {
		return false
	}
	for _, seg := range strings.FieldsFunc(p, isSeparator) {
		if seg == ".." {
			return false
		}
	}
	return true
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// JoinWithinRoot returns an absolute filesystem path under root for a given rel
// path. It rejects escapes (..).
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", ErrUnsafePath
	}
	rel = CleanRelPath(rel)
	if rel == "" {
		return filepath.Clean(rootAbs), nil
	}
	abs := filepath.Join(rootAbs, filepath.FromSlash(rel))
	absClean := filepath.Clean(abs)
	if !Within(rootAbs, absClean) {
		return "", ErrUnsafePath
	}
	return absClean, nil
}

// Within reports whether p is root itself or nested below it.
func Within(root, p string) bool {
	root = filepath.Clean(root)
	p = filepath.Clean(p)
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
