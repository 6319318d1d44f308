package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Kind is the traversal classification of a directory entry.
type Kind int

const (
	KindSkip Kind = iota
	KindFile
	KindDir
)

// Guard holds the forbidden path set. Paths only ever get added: a symlink
// found to point at a directory stays forbidden for the process lifetime.
type Guard struct {
	mu        sync.RWMutex
	forbidden map[string]struct{}
}

func NewGuard(paths ...string) *Guard {
	g := &Guard{forbidden: make(map[string]struct{})}
	for _, p := range paths {
		g.Forbid(p)
	}
	return g
}

// Forbid adds p (made absolute and cleaned) to the set.
func (g *Guard) Forbid(p string) {
	if p == "" {
		return
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.Clean(p)
	g.mu.Lock()
	g.forbidden[p] = struct{}{}
	g.mu.Unlock()
}

// IsForbidden reports whether p equals or is nested under a forbidden path.
func (g *Guard) IsForbidden(p string) bool {
	p = filepath.Clean(p)
	g.mu.RLock()
	defer g.mu.RUnlock()
	for f := range g.forbidden {
		if Within(f, p) {
			return true
		}
	}
	return false
}

// Paths returns a snapshot of the forbidden set.
func (g *Guard) Paths() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.forbidden))
	for f := range g.forbidden {
		out = append(out, f)
	}
	return out
}

// Resolve joins rel under root and refuses escapes and forbidden results.
func (g *Guard) Resolve(root, rel string) (string, error) {
	abs, err := JoinWithinRoot(root, rel)
	if err != nil {
		return "", err
	}
	if g.IsForbidden(abs) || g.throughLinkedDir(root, abs) {
		return "", ErrForbidden
	}
	return abs, nil
}

// Target checks p as a write destination below root. No existing component
// may be a link to a directory, and p itself must not be a link at all.
func (g *Guard) Target(root, p string) error {
	if !Within(root, p) {
		return ErrUnsafePath
	}
	if g.IsForbidden(p) || g.throughLinkedDir(root, p) {
		return ErrForbidden
	}
	if li, err := os.Lstat(p); err == nil && li.Mode()&fs.ModeSymlink != 0 {
		return ErrForbidden
	}
	return nil
}

// throughLinkedDir reports whether any existing component of p below root is
// a symlink that does not resolve to a file. Such links get forbidden on the
// way.
func (g *Guard) throughLinkedDir(root, p string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), p)
	if err != nil || rel == "." {
		return false
	}
	cur := filepath.Clean(root)
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, seg)
		li, err := os.Lstat(cur)
		if err != nil {
			return false
		}
		if li.Mode()&fs.ModeSymlink != 0 && g.classifyLink(cur) != KindFile {
			return true
		}
	}
	return false
}

// Child joins a single validated item name below dir.
func (g *Guard) Child(dir, name string) (string, error) {
	if !IsSafeItemName(name) {
		return "", ErrUnsafePath
	}
	p := filepath.Join(dir, name)
	if g.IsForbidden(p) {
		return "", ErrForbidden
	}
	return p, nil
}

// Classify decides how a directory entry is traversed. Symlinks are resolved:
// a link to a file is a file, a link to a directory is forbidden from now on
// and skipped, a dangling link is skipped.
func (g *Guard) Classify(full string, d fs.DirEntry) Kind {
	if d.Type()&fs.ModeSymlink == 0 {
		if d.IsDir() {
			if g.IsForbidden(full) {
				return KindSkip
			}
			return KindDir
		}
		return KindFile
	}
	return g.classifyLink(full)
}

// Stat is Classify for a path without a DirEntry at hand. The returned info
// describes the link target for symlinks to files.
func (g *Guard) Stat(full string) (os.FileInfo, Kind, error) {
	li, err := os.Lstat(full)
	if err != nil {
		return nil, KindSkip, err
	}
	if li.Mode()&fs.ModeSymlink == 0 {
		if li.IsDir() && g.IsForbidden(full) {
			return li, KindSkip, nil
		}
		if li.IsDir() {
			return li, KindDir, nil
		}
		return li, KindFile, nil
	}
	if g.classifyLink(full) != KindFile {
		return li, KindSkip, nil
	}
	ti, err := os.Stat(full)
	if err != nil {
		return li, KindSkip, nil
	}
	return ti, KindFile, nil
}

func (g *Guard) classifyLink(full string) Kind {
	ti, err := os.Stat(full)
	if err != nil {
		return KindSkip
	}
	if ti.IsDir() {
		g.Forbid(full)
		return KindSkip
	}
	return KindFile
}
