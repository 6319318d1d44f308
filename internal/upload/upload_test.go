package upload

import (
	"bytes"
	"context"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sharefolder/internal/fileops"
	"sharefolder/internal/fsutil"
)

type filePart struct{ name, body string }

func body(t *testing.T, parts ...filePart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	for _, p := range parts {
		w, err := mw.CreateFormFile("files", p.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(p.body))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.Boundary()
}

func TestSave(t *testing.T) {
	root := t.TempDir()
	state := filepath.Join(root, ".sharefolder")
	s, err := New(fsutil.NewGuard(state), state, true)
	require.NoError(t, err)

	buf, boundary := body(t, filePart{"a.txt", "alpha"}, filePart{"отчёт.pdf", "pdf"})
	saved, err := s.Save(context.Background(), root, multipart.NewReader(buf, boundary))
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "отчёт.pdf"}, saved)

	b, err := os.ReadFile(filepath.Join(root, "отчёт.pdf"))
	require.NoError(t, err)
	require.Equal(t, "pdf", string(b))

	left, err := os.ReadDir(filepath.Join(state, "uploads"))
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestSaveRejectsBadName(t *testing.T) {
	root := t.TempDir()
	s, err := New(fsutil.NewGuard(), filepath.Join(root, ".state"), true)
	require.NoError(t, err)

	buf, boundary := body(t, filePart{"a|b.txt", "x"})
	_, err = s.Save(context.Background(), root, multipart.NewReader(buf, boundary))
	require.ErrorIs(t, err, fileops.ErrValidation)
	require.NoFileExists(t, filepath.Join(root, "a|b.txt"))
}

func TestSaveDisabled(t *testing.T) {
	root := t.TempDir()
	s, err := New(fsutil.NewGuard(), filepath.Join(root, ".state"), false)
	require.NoError(t, err)

	buf, boundary := body(t, filePart{"a.txt", "x"})
	_, err = s.Save(context.Background(), root, multipart.NewReader(buf, boundary))
	require.ErrorIs(t, err, fileops.ErrPermission)
	require.NoFileExists(t, filepath.Join(root, "a.txt"))
}

func TestSaveNothing(t *testing.T) {
	root := t.TempDir()
	s, err := New(fsutil.NewGuard(), filepath.Join(root, ".state"), true)
	require.NoError(t, err)

	buf, boundary := body(t)
	_, err = s.Save(context.Background(), root, multipart.NewReader(buf, boundary))
	require.ErrorIs(t, err, fileops.ErrValidation)
}

func TestSaveRefusesLinkedName(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("keep"), 0o644))
	require.NoError(t, os.Symlink(secret, filepath.Join(root, "a.txt")))
	s, err := New(fsutil.NewGuard(), filepath.Join(root, ".state"), true)
	require.NoError(t, err)

	buf, boundary := body(t, filePart{"a.txt", "pwned"})
	_, err = s.Save(context.Background(), root, multipart.NewReader(buf, boundary))
	require.ErrorIs(t, err, fsutil.ErrForbidden)

	b, err := os.ReadFile(secret)
	require.NoError(t, err)
	require.Equal(t, "keep", string(b))
	fi, err := os.Lstat(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSymlink)
}
