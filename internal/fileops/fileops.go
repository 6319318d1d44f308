// Package fileops implements the mutating directory operations: delete,
// rename, create directory and copy/move (paste). Every name is checked by
// the path guard before the filesystem is touched.
package fileops

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/otiai10/copy"

	"sharefolder/internal/fsutil"
	"sharefolder/internal/metrics"
	"sharefolder/internal/walk"
)

// Mode selects what a paste does with its sources.
type Mode string

const (
	Copy Mode = "copy"
	Move Mode = "move"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case Copy, Move:
		return Mode(s), true
	}
	return "", false
}

type Engine struct {
	guard    *fsutil.Guard
	walker   *walk.Walker
	readOnly bool
}

func New(guard *fsutil.Guard, walker *walk.Walker, readOnly bool) *Engine {
	return &Engine{guard: guard, walker: walker, readOnly: readOnly}
}

// ReadOnly reports whether mutations are refused.
func (e *Engine) ReadOnly() bool { return e.readOnly }

// DecodeName decodes a base64url item name as sent in checkbox field names.
// Padding is optional.
func DecodeName(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeName is the inverse of DecodeName.
func EncodeName(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

func validName(name string) bool {
	n := utf8.RuneCountInString(name)
	return n >= 1 && n <= fsutil.MaxNameLength && fsutil.IsSafeItemName(name)
}

// DeleteItems removes every named item below dir, recursively and ignoring
// items that no longer exist. All names are validated before anything is
// removed. Removals run concurrently; the first failure is reported as soon
// as it happens while the others keep running to completion.
func (e *Engine) DeleteItems(ctx context.Context, dir string, names []string) (err error) {
	defer func() { metrics.RecordFileOp("delete", err) }()
	if e.readOnly {
		return readOnly("delete")
	}
	if len(names) == 0 {
		return invalid("delete", "", KeyNoSelection)
	}
	paths := make([]string, len(names))
	for i, name := range names {
		p, err := e.guard.Child(dir, name)
		if err != nil {
			return invalid("delete", name, KeyName)
		}
		paths[i] = p
	}

	results := make(chan error, len(paths))
	for i, p := range paths {
		p := p
		name := names[i]
		go func() {
			if err := os.RemoveAll(p); err != nil {
				results <- failed("delete", name, KeyDelete, err)
				return
			}
			results <- nil
		}()
	}
	for range paths {
		select {
		case err := <-results:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RenameItem renames the item whose base64url-encoded name is oldEncoded to
// newName inside dir. Equal names are a no-op.
func (e *Engine) RenameItem(dir, oldEncoded, newName string) (err error) {
	defer func() { metrics.RecordFileOp("rename", err) }()
	if e.readOnly {
		return readOnly("rename")
	}
	oldName, err := DecodeName(oldEncoded)
	if err != nil {
		return invalid("rename", "", KeyName)
	}
	if !validName(oldName) || !validName(newName) {
		return invalid("rename", oldName, KeyName)
	}
	if oldName == newName {
		return nil
	}
	from, err := e.guard.Child(dir, oldName)
	if err != nil {
		return invalid("rename", oldName, KeyName)
	}
	to, err := e.guard.Child(dir, newName)
	if err != nil {
		return invalid("rename", newName, KeyName)
	}
	if err := os.Rename(from, to); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return failed("rename", oldName, KeyRename, ErrNotFound)
		}
		return failed("rename", oldName, KeyRename, err)
	}
	return nil
}

// CreateDirectory makes dir/name. An existing directory is not an error.
func (e *Engine) CreateDirectory(dir, name string) (err error) {
	defer func() { metrics.RecordFileOp("mkdir", err) }()
	if e.readOnly {
		return readOnly("mkdir")
	}
	if !validName(name) {
		return invalid("mkdir", name, KeyCreateFolder)
	}
	p, err := e.guard.Child(dir, name)
	if err != nil {
		return invalid("mkdir", name, KeyCreateFolder)
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return failed("mkdir", name, KeyCreateFolder, err)
	}
	return nil
}

// PasteRequest is the client clipboard sent back on paste. It is untrusted.
type PasteRequest struct {
	Root      string   // absolute root of the requesting user
	SourceRel string   // source directory relative to Root
	Items     []string // base64url-encoded item names
	DestDir   string   // absolute, already resolved destination directory
	Mode      Mode
}

// PasteItems copies or moves the requested items one after another. A
// directory item is recreated at the destination and filled through the tree
// walker; with Move each source folder is removed once its subtree is done.
// A symlink is never relocated as a link: its target content is copied into
// a regular file and, for Move, the link is removed.
func (e *Engine) PasteItems(ctx context.Context, req PasteRequest) (err error) {
	op := "paste"
	defer func() { metrics.RecordFileOp(op, err) }()
	if e.readOnly {
		return readOnly(op)
	}
	if req.Mode != Copy && req.Mode != Move {
		return invalid(op, "", KeyPaste)
	}
	op = string(req.Mode)
	if !fsutil.IsSafeRelativePath(req.SourceRel) {
		return invalid(op, req.SourceRel, KeyPaste)
	}
	srcDir, err := e.guard.Resolve(req.Root, req.SourceRel)
	if err != nil {
		return invalid(op, req.SourceRel, KeyPaste)
	}
	if len(req.Items) == 0 {
		return invalid(op, "", KeyNoSelection)
	}
	names := make([]string, len(req.Items))
	for i, enc := range req.Items {
		name, err := DecodeName(enc)
		if err != nil || !fsutil.IsSafeItemName(name) {
			return invalid(op, name, KeyName)
		}
		names[i] = name
	}

	sameDir := filepath.Clean(srcDir) == filepath.Clean(req.DestDir)
	if sameDir && req.Mode == Move {
		return nil
	}
	if sameDir {
		return invalid(op, "", KeyPaste)
	}

	for _, name := range names {
		if err := e.pasteOne(ctx, op, srcDir, req.DestDir, name, req.Mode); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pasteOne(ctx context.Context, op, srcDir, dstDir, name string, mode Mode) error {
	src, err := e.guard.Child(srcDir, name)
	if err != nil {
		return invalid(op, name, KeyName)
	}
	dst, err := e.guard.Child(dstDir, name)
	if err != nil {
		return invalid(op, name, KeyName)
	}
	if err := e.guard.Target(dstDir, dst); err != nil {
		return failed(op, name, KeyPaste, err)
	}
	_, kind, err := e.guard.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return failed(op, name, KeyPaste, ErrNotFound)
		}
		return failed(op, name, KeyPaste, err)
	}

	switch kind {
	case fsutil.KindFile:
		if err := transferFile(src, dst, mode); err != nil {
			return failed(op, name, KeyPaste, err)
		}
		return nil
	case fsutil.KindDir:
		// Pasting a folder into its own subtree would never terminate.
		if fsutil.Within(src, dst) {
			return invalid(op, name, KeyPaste)
		}
		if mode == Move {
			pinned, err := e.pinned(src)
			if err != nil {
				return failed(op, name, KeyPaste, err)
			}
			if pinned {
				return invalid(op, name, KeyPaste)
			}
		}
		target := func(rel string) (string, error) {
			p := filepath.Join(dst, filepath.FromSlash(rel))
			return p, e.guard.Target(dstDir, p)
		}
		err := e.walker.Walk(ctx, src, walk.Visitor{
			EnterFolder: func(_ context.Context, _, rel string) error {
				p, err := target(rel)
				if err != nil {
					return err
				}
				return os.MkdirAll(p, 0o755)
			},
			File: func(_ context.Context, full, rel string) error {
				p, err := target(rel)
				if err != nil {
					return err
				}
				return transferFile(full, p, mode)
			},
			LeaveFolder: func(_ context.Context, full, _ string) error {
				if mode != Move {
					return nil
				}
				return os.Remove(full)
			},
		})
		if err != nil {
			return failed(op, name, KeyPaste, err)
		}
		return nil
	default:
		return invalid(op, name, KeyPaste)
	}
}

// pinned reports whether the tree under dir holds an entry a walk skips.
// A move of such a tree could never remove its source folders.
func (e *Engine) pinned(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && e.guard.Classify(p, d) == fsutil.KindSkip {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}

var deepCopy = copy.Options{
	OnSymlink: func(string) copy.SymlinkAction { return copy.Deep },
}

// transferFile copies or moves a single file. Links are dereferenced.
func transferFile(src, dst string, mode Mode) error {
	if mode == Copy {
		return copy.Copy(src, dst, deepCopy)
	}
	li, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if li.Mode()&fs.ModeSymlink == 0 {
		err := os.Rename(src, dst)
		if !errors.Is(err, syscall.EXDEV) {
			return err
		}
	}
	if err := copy.Copy(src, dst, deepCopy); err != nil {
		return err
	}
	return os.Remove(src)
}
