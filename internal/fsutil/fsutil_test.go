package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsSafeItemName(t *testing.T) {
	for _, name := range []string{"a.txt", "café", "..foo", "foo..", "my file (1).zip"} {
		require.True(t, IsSafeItemName(name), name)
	}
	for _, name := range []string{"", ".", "..", "a<b", "a>b", "a:b", `a"b`, "a?b", "a*b", "a|b", `a\b`, "a/b", "nul\x00"} {
		require.False(t, IsSafeItemName(name), name)
	}
}

func TestIsSafeRelativePath(t *testing.T) {
	for _, p := range []string{"", "/", "/docs", "docs/2024", "/..foo/bar", "/a/b..", `win\style`} {
		require.True(t, IsSafeRelativePath(p), p)
	}
	for _, p := range []string{"..", "/..", "../etc", "/a/../b", "a/..", `a\..\b`, "/a?", "/a*b", "/a|b", `/"x"`} {
		require.False(t, IsSafeRelativePath(p), p)
	}
}

func TestJoinWithinRoot(t *testing.T) {
	root := t.TempDir()

	p, err := JoinWithinRoot(root, "/a/b")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a", "b"), p)

	// Cleaning pins ".." at the root instead of escaping.
	p, err = JoinWithinRoot(root, "../../etc/passwd")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "etc", "passwd"), p)

	_, err = JoinWithinRoot(root, "a\x00b")
	require.ErrorIs(t, err, ErrUnsafePath)
}

func TestGuardForbiddenNesting(t *testing.T) {
	root := t.TempDir()
	g := NewGuard(filepath.Join(root, "private"))

	require.True(t, g.IsForbidden(filepath.Join(root, "private")))
	require.True(t, g.IsForbidden(filepath.Join(root, "private", "x", "y")))
	require.False(t, g.IsForbidden(filepath.Join(root, "privateer")))
	require.False(t, g.IsForbidden(root))

	_, err := g.Resolve(root, "/private/doc.txt")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = g.Child(root, "private")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = g.Child(root, "../x")
	require.ErrorIs(t, err, ErrUnsafePath)
}

func TestGuardSymlinkClassification(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "f.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "dirlink")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "f.txt"), filepath.Join(root, "filelink")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "missing"), filepath.Join(root, "dangling")))

	g := NewGuard()
	ents, err := os.ReadDir(root)
	require.NoError(t, err)
	kinds := map[string]Kind{}
	for _, e := range ents {
		kinds[e.Name()] = g.Classify(filepath.Join(root, e.Name()), e)
	}
	require.Equal(t, KindSkip, kinds["dirlink"])
	require.Equal(t, KindFile, kinds["filelink"])
	require.Equal(t, KindSkip, kinds["dangling"])

	// The directory link stays forbidden, including anything reached through it.
	require.True(t, g.IsForbidden(filepath.Join(root, "dirlink")))
	require.True(t, g.IsForbidden(filepath.Join(root, "dirlink", "f.txt")))

	info, kind, err := g.Stat(filepath.Join(root, "filelink"))
	require.NoError(t, err)
	require.Equal(t, KindFile, kind)
	require.Equal(t, int64(1), info.Size())
}

func TestResolveRefusesLinkedDirectories(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0o755))

	g := NewGuard()
	_, err := g.Resolve(root, "link/secret")
	require.ErrorIs(t, err, ErrForbidden)
	require.True(t, g.IsForbidden(filepath.Join(root, "link")))

	p, err := g.Resolve(root, "docs/new.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "docs", "new.txt"), p)
}

func TestTargetRefusesLinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "dirlink")))
	require.NoError(t, os.Symlink(secret, filepath.Join(root, "filelink")))

	g := NewGuard()
	require.ErrorIs(t, g.Target(root, filepath.Join(root, "dirlink", "new.txt")), ErrForbidden)
	require.ErrorIs(t, g.Target(root, filepath.Join(root, "dirlink")), ErrForbidden)
	require.ErrorIs(t, g.Target(root, filepath.Join(root, "filelink")), ErrForbidden)
	require.ErrorIs(t, g.Target(root, filepath.Join(outside, "x")), ErrUnsafePath)
	require.NoError(t, g.Target(root, filepath.Join(root, "a", "b.txt")))
}
