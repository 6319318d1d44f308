package archive

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"sharefolder/internal/fsutil"
	"sharefolder/internal/walk"
)

func newEngine(g *fsutil.Guard) *Engine {
	if g == nil {
		g = fsutil.NewGuard()
	}
	return New(g, walk.New(g, 4))
}

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

// snapshot maps every file to its content and every directory to "<dir>".
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(root, p)
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			out[rel] = "<dir>"
			return nil
		}
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		out[rel] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestBuildZipThenUnzipRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "alpha")
	writeFile(t, src, "sub/b.txt", "bravo")
	writeFile(t, src, "sub/deep/c.txt", "charlie")
	writeFile(t, src, "sub/deep/deeper/d.bin", string([]byte{0, 1, 2, 255}))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub", "deep", "empty"), 0o755))
	writeFile(t, src, "not-selected.txt", "x")

	e := newEngine(nil)
	data, err := e.BuildZip(context.Background(), src, []string{"a.txt", "sub"})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range zr.File {
		require.Equal(t, zip.Store, f.Method, f.Name)
		names[f.Name] = true
	}
	require.True(t, names["a.txt"])
	require.True(t, names["sub/"])
	require.True(t, names["sub/deep/empty/"])
	require.False(t, names["not-selected.txt"])

	dst := t.TempDir()
	zipPath := filepath.Join(dst, "archive.zip")
	require.NoError(t, os.WriteFile(zipPath, data, 0o644))
	require.NoError(t, e.Unzip(zipPath))
	require.NoError(t, os.Remove(zipPath))

	want := snapshot(t, src)
	delete(want, "not-selected.txt")
	require.Equal(t, want, snapshot(t, dst))
}

func TestBuildZipRejectsUnsafeSelection(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "private/x.txt", "x")
	e := newEngine(fsutil.NewGuard(filepath.Join(src, "private")))

	_, err := e.BuildZip(context.Background(), src, []string{"private"})
	require.ErrorIs(t, err, ErrArchive)

	_, err = e.BuildZip(context.Background(), src, []string{"../etc"})
	require.ErrorIs(t, err, ErrArchive)

	_, err = e.BuildZip(context.Background(), src, nil)
	require.ErrorIs(t, err, ErrArchive)
}

func TestBuildZipMissingItem(t *testing.T) {
	_, err := newEngine(nil).BuildZip(context.Background(), t.TempDir(), []string{"gone.txt"})
	require.ErrorIs(t, err, ErrArchive)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildZipCanceled(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "dir/f.txt", "f")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(nil).BuildZip(ctx, src, []string{"dir"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnzipRefusesEscapingEntries(t *testing.T) {
	for _, name := range []string{"../evil.txt", "/abs.txt", "a/../../evil.txt", `a\..\evil.txt`} {
		dir := t.TempDir()
		work := filepath.Join(dir, "work")
		require.NoError(t, os.MkdirAll(work, 0o755))

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write([]byte("pwned"))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		zipPath := filepath.Join(work, "x.zip")
		require.NoError(t, os.WriteFile(zipPath, buf.Bytes(), 0o644))

		err = newEngine(nil).Unzip(zipPath)
		require.ErrorIs(t, err, ErrArchive, name)
		require.NoFileExists(t, filepath.Join(dir, "evil.txt"))
	}
}

func storedZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestUnzipRefusesLinkedDirectory(t *testing.T) {
	work := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(work, "link")))
	zipPath := filepath.Join(work, "x.zip")
	storedZip(t, zipPath, map[string]string{"link/evil.txt": "pwned"})

	g := fsutil.NewGuard()
	err := newEngine(g).Unzip(zipPath)
	require.ErrorIs(t, err, ErrArchive)
	require.NoFileExists(t, filepath.Join(outside, "evil.txt"))
	require.True(t, g.IsForbidden(filepath.Join(work, "link")))
}

func TestUnzipRefusesLinkedFile(t *testing.T) {
	work := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("keep"), 0o644))
	require.NoError(t, os.Symlink(secret, filepath.Join(work, "f.txt")))
	zipPath := filepath.Join(work, "x.zip")
	storedZip(t, zipPath, map[string]string{"f.txt": "pwned"})

	require.ErrorIs(t, newEngine(nil).Unzip(zipPath), ErrArchive)
	b, err := os.ReadFile(secret)
	require.NoError(t, err)
	require.Equal(t, "keep", string(b))
}

func TestUnzipCorrupt(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(p, []byte("not a zip"), 0o644))
	require.ErrorIs(t, newEngine(nil).Unzip(p), ErrArchive)
}

func TestName(t *testing.T) {
	require.Equal(t, "archive.zip", Name(""))
	require.Equal(t, "archive.zip", Name("/"))
	require.Equal(t, "photos.zip", Name("/2024/photos"))
}
