package fileops

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"sharefolder/internal/fsutil"
	"sharefolder/internal/walk"
)

func newEngine(t *testing.T, readOnly bool, forbidden ...string) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	g := fsutil.NewGuard(forbidden...)
	return New(g, walk.New(g, 4), readOnly), root
}

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(b)
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range ents {
		out = append(out, e.Name())
	}
	return out
}

func TestIllegalNamesTouchNothing(t *testing.T) {
	e, root := newEngine(t, false)
	writeFile(t, root, "keep.txt", "k")
	ctx := context.Background()

	for _, bad := range []string{"a<b", "a>b", "a:b", `a"b`, "a?b", "a*b", "a|b", `a\b`, "a/b", "..", ""} {
		err := e.CreateDirectory(root, bad)
		require.ErrorIs(t, err, ErrValidation, bad)

		err = e.DeleteItems(ctx, root, []string{"keep.txt", bad})
		require.ErrorIs(t, err, ErrValidation, bad)

		err = e.RenameItem(root, EncodeName("keep.txt"), bad)
		require.ErrorIs(t, err, ErrValidation, bad)

		err = e.PasteItems(ctx, PasteRequest{
			Root: root, SourceRel: "/", Items: []string{EncodeName(bad)},
			DestDir: filepath.Join(root, "x"), Mode: Copy,
		})
		require.ErrorIs(t, err, ErrValidation, bad)
	}
	require.Equal(t, []string{"keep.txt"}, entries(t, root))
}

func TestCreateRenameRoundTrip(t *testing.T) {
	e, root := newEngine(t, false)
	require.NoError(t, e.CreateDirectory(root, "café"))
	require.Contains(t, entries(t, root), "café")

	before, err := os.Stat(filepath.Join(root, "café"))
	require.NoError(t, err)

	require.NoError(t, e.RenameItem(root, EncodeName("café"), "bar"))
	require.Equal(t, []string{"bar"}, entries(t, root))
	require.NoError(t, e.RenameItem(root, EncodeName("bar"), "café"))

	after, err := os.Stat(filepath.Join(root, "café"))
	require.NoError(t, err)
	require.Equal(t, before.Sys().(*syscall.Stat_t).Ino, after.Sys().(*syscall.Stat_t).Ino)

	// Existing directory and same-name rename are both no-ops.
	require.NoError(t, e.CreateDirectory(root, "café"))
	require.NoError(t, e.RenameItem(root, EncodeName("café"), "café"))
}

func TestNameLengthLimits(t *testing.T) {
	e, root := newEngine(t, false)
	long := make([]rune, fsutil.MaxNameLength+1)
	for i := range long {
		long[i] = 'é'
	}
	require.ErrorIs(t, e.CreateDirectory(root, string(long)), ErrValidation)
	require.NoError(t, e.CreateDirectory(root, string(long[:fsutil.MaxNameLength/2])))
}

func TestRenameMissing(t *testing.T) {
	e, root := newEngine(t, false)
	err := e.RenameItem(root, EncodeName("ghost"), "spirit")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, KeyRename, MessageKey(err, ""))
	require.Equal(t, "ghost", Item(err))

	require.ErrorIs(t, e.RenameItem(root, "!!not base64!!", "x"), ErrValidation)
}

func TestDeleteIdempotent(t *testing.T) {
	e, root := newEngine(t, false)
	writeFile(t, root, "a.txt", "a")
	writeFile(t, root, "dir/nested/b.txt", "b")
	ctx := context.Background()

	require.NoError(t, e.DeleteItems(ctx, root, []string{"a.txt", "dir"}))
	require.Empty(t, entries(t, root))
	require.NoError(t, e.DeleteItems(ctx, root, []string{"a.txt", "dir"}))

	require.ErrorIs(t, e.DeleteItems(ctx, root, nil), ErrValidation)
}

func TestDeleteRefusesForbidden(t *testing.T) {
	root := t.TempDir()
	g := fsutil.NewGuard(filepath.Join(root, "private"))
	e := New(g, walk.New(g, 0), false)
	writeFile(t, root, "private/x", "x")

	err := e.DeleteItems(context.Background(), root, []string{"private"})
	require.ErrorIs(t, err, ErrValidation)
	require.FileExists(t, filepath.Join(root, "private", "x"))
}

func TestReadOnlyRefusesMutations(t *testing.T) {
	e, root := newEngine(t, true)
	writeFile(t, root, "a.txt", "a")

	err := e.CreateDirectory(root, "new")
	require.ErrorIs(t, err, ErrPermission)
	require.Equal(t, KeyWritingDisabled, MessageKey(err, ""))
	require.ErrorIs(t, e.DeleteItems(context.Background(), root, []string{"a.txt"}), ErrPermission)
	require.ErrorIs(t, e.RenameItem(root, EncodeName("a.txt"), "b.txt"), ErrPermission)
	require.Equal(t, []string{"a.txt"}, entries(t, root))
}

func TestPasteCopyTree(t *testing.T) {
	e, root := newEngine(t, false)
	writeFile(t, root, "src/a.txt", "a")
	writeFile(t, root, "src/tree/one/two/x.txt", "x")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "tree", "empty"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dst"), 0o755))

	err := e.PasteItems(context.Background(), PasteRequest{
		Root: root, SourceRel: "/src",
		Items:   []string{EncodeName("a.txt"), EncodeName("tree")},
		DestDir: filepath.Join(root, "dst"), Mode: Copy,
	})
	require.NoError(t, err)

	require.Equal(t, "a", readFile(t, root, "dst/a.txt"))
	require.Equal(t, "x", readFile(t, root, "dst/tree/one/two/x.txt"))
	require.DirExists(t, filepath.Join(root, "dst", "tree", "empty"))
	require.Equal(t, "x", readFile(t, root, "src/tree/one/two/x.txt"))
}

func TestPasteMoveTree(t *testing.T) {
	e, root := newEngine(t, false)
	writeFile(t, root, "src/tree/one/two/x.txt", "x")
	writeFile(t, root, "src/tree/y.txt", "y")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dst"), 0o755))

	err := e.PasteItems(context.Background(), PasteRequest{
		Root: root, SourceRel: "src", Items: []string{EncodeName("tree")},
		DestDir: filepath.Join(root, "dst"), Mode: Move,
	})
	require.NoError(t, err)

	require.Equal(t, "x", readFile(t, root, "dst/tree/one/two/x.txt"))
	require.Equal(t, "y", readFile(t, root, "dst/tree/y.txt"))
	require.NoDirExists(t, filepath.Join(root, "src", "tree"))
	require.Empty(t, entries(t, filepath.Join(root, "src")))
}

func TestPasteMoveSymlinkBecomesFile(t *testing.T) {
	e, root := newEngine(t, false)
	outside := t.TempDir()
	writeFile(t, outside, "target.txt", "content")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dst"), 0o755))
	link := filepath.Join(root, "src", "link.txt")
	require.NoError(t, os.Symlink(filepath.Join(outside, "target.txt"), link))

	err := e.PasteItems(context.Background(), PasteRequest{
		Root: root, SourceRel: "/src", Items: []string{EncodeName("link.txt")},
		DestDir: filepath.Join(root, "dst"), Mode: Move,
	})
	require.NoError(t, err)

	moved := filepath.Join(root, "dst", "link.txt")
	fi, err := os.Lstat(moved)
	require.NoError(t, err)
	require.True(t, fi.Mode().IsRegular())
	require.Equal(t, "content", readFile(t, root, "dst/link.txt"))
	_, err = os.Lstat(link)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Equal(t, "content", readFile(t, outside, "target.txt"))
}

func TestPasteRejectsBadSources(t *testing.T) {
	e, root := newEngine(t, false)
	writeFile(t, root, "src/dir/f", "f")
	ctx := context.Background()

	for _, rel := range []string{"..", "/src/../..", "a|b"} {
		err := e.PasteItems(ctx, PasteRequest{
			Root: root, SourceRel: rel, Items: []string{EncodeName("dir")},
			DestDir: root, Mode: Copy,
		})
		require.ErrorIs(t, err, ErrValidation, rel)
	}

	// Into its own subtree.
	err := e.PasteItems(ctx, PasteRequest{
		Root: root, SourceRel: "/src", Items: []string{EncodeName("dir")},
		DestDir: filepath.Join(root, "src", "dir"), Mode: Copy,
	})
	require.ErrorIs(t, err, ErrValidation)

	// Copy onto itself.
	err = e.PasteItems(ctx, PasteRequest{
		Root: root, SourceRel: "/src", Items: []string{EncodeName("dir")},
		DestDir: filepath.Join(root, "src"), Mode: Copy,
	})
	require.ErrorIs(t, err, ErrValidation)

	err = e.PasteItems(ctx, PasteRequest{
		Root: root, SourceRel: "/src", Items: []string{EncodeName("dir")},
		DestDir: root, Mode: Mode("link"),
	})
	require.ErrorIs(t, err, ErrValidation)

	err = e.PasteItems(ctx, PasteRequest{
		Root: root, SourceRel: "/src", Items: []string{EncodeName("missing")},
		DestDir: root, Mode: Move,
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPasteRefusesLinkedDestinations(t *testing.T) {
	e, root := newEngine(t, false)
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "keep")
	writeFile(t, root, "src/sub/evil.txt", "pwned")
	writeFile(t, root, "src/a.txt", "pwned")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dst"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "dst", "sub")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "dst", "a.txt")))
	ctx := context.Background()

	for _, mode := range []Mode{Copy, Move} {
		for _, name := range []string{"sub", "a.txt"} {
			err := e.PasteItems(ctx, PasteRequest{
				Root: root, SourceRel: "/src", Items: []string{EncodeName(name)},
				DestDir: filepath.Join(root, "dst"), Mode: mode,
			})
			require.ErrorIs(t, err, fsutil.ErrForbidden, name)
		}
	}
	require.NoFileExists(t, filepath.Join(outside, "evil.txt"))
	require.Equal(t, "keep", readFile(t, outside, "secret.txt"))
	require.Equal(t, "pwned", readFile(t, root, "src/sub/evil.txt"))
}

func TestPasteRefusesLinkInsideDestinationTree(t *testing.T) {
	e, root := newEngine(t, false)
	outside := t.TempDir()
	writeFile(t, root, "src/tree/inner/evil.txt", "pwned")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dst", "tree"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "dst", "tree", "inner")))

	err := e.PasteItems(context.Background(), PasteRequest{
		Root: root, SourceRel: "/src", Items: []string{EncodeName("tree")},
		DestDir: filepath.Join(root, "dst"), Mode: Copy,
	})
	require.ErrorIs(t, err, fsutil.ErrForbidden)
	require.NoFileExists(t, filepath.Join(outside, "evil.txt"))
}

func TestPasteMoveRefusesPinnedTree(t *testing.T) {
	e, root := newEngine(t, false)
	writeFile(t, root, "src/tree/a.txt", "a")
	require.NoError(t, os.Symlink(t.TempDir(), filepath.Join(root, "src", "tree", "dirlink")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dst"), 0o755))

	err := e.PasteItems(context.Background(), PasteRequest{
		Root: root, SourceRel: "/src", Items: []string{EncodeName("tree")},
		DestDir: filepath.Join(root, "dst"), Mode: Move,
	})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "a", readFile(t, root, "src/tree/a.txt"))
	require.Empty(t, entries(t, filepath.Join(root, "dst")))
}

func TestPasteMoveReportsRenameFailure(t *testing.T) {
	e, root := newEngine(t, false)
	writeFile(t, root, "src/a.txt", "a")

	err := e.PasteItems(context.Background(), PasteRequest{
		Root: root, SourceRel: "/src", Items: []string{EncodeName("a.txt")},
		DestDir: filepath.Join(root, "missing"), Mode: Move,
	})
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Equal(t, "a", readFile(t, root, "src/a.txt"))
	require.NoDirExists(t, filepath.Join(root, "missing"))
}

func TestDecodeNamePadding(t *testing.T) {
	for _, s := range []string{"YS50eHQ", "YS50eHQ="} {
		name, err := DecodeName(s)
		require.NoError(t, err)
		require.Equal(t, "a.txt", name)
	}
	_, ok := ParseMode("move")
	require.True(t, ok)
	_, ok = ParseMode("link")
	require.False(t, ok)
}
