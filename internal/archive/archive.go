// Package archive builds zip downloads from a selection and unpacks zip files
// in place. Entries are always written with the Store method.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"

	"sharefolder/internal/fsutil"
	"sharefolder/internal/metrics"
	"sharefolder/internal/walk"
)

var (
	ErrArchive  = errors.New("archive error")
	ErrTooLarge = errors.New("file too large for archive")
)

// MaxFileSize is the largest single file accepted into or out of an archive.
const MaxFileSize = 2147483647

type Engine struct {
	guard  *fsutil.Guard
	walker *walk.Walker
}

func New(guard *fsutil.Guard, walker *walk.Walker) *Engine {
	return &Engine{guard: guard, walker: walker}
}

// Name returns the download file name for a zip of the folder at rel.
func Name(rel string) string {
	rel = fsutil.CleanRelPath(rel)
	if rel == "" {
		return "archive.zip"
	}
	return path.Base(rel) + ".zip"
}

// builder serializes writes from concurrent walker callbacks.
type builder struct {
	mu  sync.Mutex
	zw  *zip.Writer
	out int64
}

func (b *builder) dir(name string, mod time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     strings.TrimSuffix(name, "/") + "/",
		Method:   zip.Store,
		Modified: mod,
	})
	return err
}

func (b *builder) file(name string, mod time.Time, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: mod,
	})
	if err != nil {
		return err
	}
	n, err := w.Write(data)
	b.out += int64(n)
	return err
}

// BuildZip assembles an in-memory archive of the selected items below base.
// Items are handled one at a time; a folder's subtree is read through the
// walker. Any failure discards the whole archive. Canceling ctx (client
// gone) stops the remaining reads.
func (e *Engine) BuildZip(ctx context.Context, base string, names []string) ([]byte, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: empty selection", ErrArchive)
	}
	paths := make([]string, len(names))
	for i, name := range names {
		p, err := e.guard.Child(base, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrArchive, name, err)
		}
		paths[i] = p
	}

	var buf bytes.Buffer
	b := &builder{zw: zip.NewWriter(&buf)}
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.addItem(ctx, b, p, names[i]); err != nil {
			return nil, err
		}
	}
	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	metrics.RecordZip(b.out)
	return buf.Bytes(), nil
}

func (e *Engine) addItem(ctx context.Context, b *builder, full, name string) error {
	info, kind, err := e.guard.Stat(full)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrArchive, name, err)
	}
	switch kind {
	case fsutil.KindFile:
		return addFile(b, full, name, info)
	case fsutil.KindDir:
		err := e.walker.Walk(ctx, full, walk.Visitor{
			EnterFolder: func(_ context.Context, dir, rel string) error {
				fi, err := os.Stat(dir)
				if err != nil {
					return err
				}
				return b.dir(path.Join(name, rel), fi.ModTime())
			},
			File: func(_ context.Context, f, rel string) error {
				fi, err := os.Stat(f)
				if err != nil {
					return err
				}
				return addFile(b, f, path.Join(name, rel), fi)
			},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrTooLarge) {
				return err
			}
			return fmt.Errorf("%w: %q: %w", ErrArchive, name, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q: %w", ErrArchive, name, fsutil.ErrForbidden)
	}
}

func addFile(b *builder, full, name string, info os.FileInfo) error {
	if info.Size() > MaxFileSize {
		return fmt.Errorf("%w: %s", ErrTooLarge, name)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return err
	}
	return b.file(name, info.ModTime(), data)
}

// Unzip extracts the archive at zipPath into the directory holding it.
// Entries are written strictly in archive order. A failure stops the
// extraction; files already written stay in place.
func (e *Engine) Unzip(zipPath string) error {
	data, err := os.ReadFile(zipPath)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArchive, err)
	}
	dest := filepath.Dir(zipPath)

	for _, f := range zr.File {
		target, err := e.entryPath(dest, f.Name)
		if err != nil {
			return err
		}
		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if f.UncompressedSize64 > MaxFileSize {
			return fmt.Errorf("%w: %s", ErrTooLarge, f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extract(f, target); err != nil {
			return err
		}
	}
	return nil
}

// entryPath maps an archive entry name to a path below dest. Every segment
// must be a safe item name, which rules out absolute names and "..". Links
// already on disk are never written through.
func (e *Engine) entryPath(dest, name string) (string, error) {
	segs := strings.Split(strings.TrimSuffix(name, "/"), "/")
	for _, s := range segs {
		if !fsutil.IsSafeItemName(s) {
			return "", fmt.Errorf("%w: unsafe entry %q", ErrArchive, name)
		}
	}
	target := filepath.Join(append([]string{dest}, segs...)...)
	if err := e.guard.Target(dest, target); err != nil {
		return "", fmt.Errorf("%w: unsafe entry %q: %w", ErrArchive, name, err)
	}
	return target, nil
}

func extract(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArchive, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(rc, MaxFileSize+1)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
