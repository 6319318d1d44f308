package walk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"sharefolder/internal/fsutil"
)

func mkTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"a/b/c", "a/empty", "d"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.FromSlash(d)), 0o755))
	}
	for _, f := range []string{"top.txt", "a/1.txt", "a/b/2.txt", "a/b/c/3.txt", "d/4.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, filepath.FromSlash(f)), []byte(f), 0o644))
	}
	return root
}

type recorder struct {
	mu     sync.Mutex
	enter  []string
	leave  []string
	files  []string
	events []string
}

func (r *recorder) add(list *[]string, kind, rel string) {
	r.mu.Lock()
	*list = append(*list, rel)
	r.events = append(r.events, kind+":"+rel)
	r.mu.Unlock()
}

func (r *recorder) visitor() Visitor {
	return Visitor{
		EnterFolder: func(_ context.Context, _, rel string) error { r.add(&r.enter, "enter", rel); return nil },
		LeaveFolder: func(_ context.Context, _, rel string) error { r.add(&r.leave, "leave", rel); return nil },
		File:        func(_ context.Context, _, rel string) error { r.add(&r.files, "file", rel); return nil },
	}
}

func TestWalkVisitsEverything(t *testing.T) {
	root := mkTree(t)
	rec := &recorder{}

	err := New(fsutil.NewGuard(), 4).Walk(context.Background(), root, rec.visitor())
	require.NoError(t, err)

	sort.Strings(rec.files)
	require.Equal(t, []string{"a/1.txt", "a/b/2.txt", "a/b/c/3.txt", "d/4.txt", "top.txt"}, rec.files)
	sort.Strings(rec.enter)
	require.Equal(t, []string{"", "a", "a/b", "a/b/c", "a/empty", "d"}, rec.enter)
	require.Len(t, rec.leave, len(rec.enter))
}

func TestWalkLeaveAfterDescendants(t *testing.T) {
	root := mkTree(t)
	rec := &recorder{}
	require.NoError(t, New(nil, 2).Walk(context.Background(), root, rec.visitor()))

	pos := map[string]int{}
	for i, ev := range rec.events {
		pos[ev] = i
	}
	require.Less(t, pos["file:a/b/c/3.txt"], pos["leave:a/b/c"])
	require.Less(t, pos["leave:a/b/c"], pos["leave:a/b"])
	require.Less(t, pos["leave:a/b"], pos["leave:a"])
	require.Less(t, pos["leave:a"], pos["leave:"])
	require.Less(t, pos["leave:d"], pos["leave:"])
	require.Equal(t, len(rec.events)-1, pos["leave:"])
	require.Less(t, pos["enter:a/b"], pos["file:a/b/2.txt"])
}

func TestWalkSkipsForbiddenAndDirLinks(t *testing.T) {
	root := mkTree(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(root, "top.txt"), filepath.Join(root, "alias.txt")))

	g := fsutil.NewGuard(filepath.Join(root, "d"))
	rec := &recorder{}
	require.NoError(t, New(g, 0).Walk(context.Background(), root, rec.visitor()))

	require.NotContains(t, rec.files, "d/4.txt")
	require.NotContains(t, rec.enter, "d")
	require.NotContains(t, rec.enter, "escape")
	require.NotContains(t, rec.files, "escape/secret")
	require.Contains(t, rec.files, "alias.txt")
	require.True(t, g.IsForbidden(filepath.Join(root, "escape")))

	// A forbidden root is an empty, successful walk.
	rec = &recorder{}
	require.NoError(t, New(g, 0).Walk(context.Background(), filepath.Join(root, "d"), rec.visitor()))
	require.Empty(t, rec.events)
}

func TestWalkPropagatesFirstError(t *testing.T) {
	root := mkTree(t)
	boom := errors.New("boom")
	var leftRoot atomic.Bool

	err := New(nil, 0).Walk(context.Background(), root, Visitor{
		File: func(_ context.Context, _, rel string) error {
			if rel == "a/b/2.txt" {
				return boom
			}
			return nil
		},
		LeaveFolder: func(_ context.Context, _, rel string) error {
			if rel == "" {
				leftRoot.Store(true)
			}
			return nil
		},
	})
	require.ErrorIs(t, err, boom)
	require.False(t, leftRoot.Load())
}

func TestWalkMissingRoot(t *testing.T) {
	err := New(nil, 0).Walk(context.Background(), filepath.Join(t.TempDir(), "nope"), Visitor{})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWalkCanceled(t *testing.T) {
	root := mkTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(nil, 0).Walk(ctx, root, Visitor{})
	require.ErrorIs(t, err, context.Canceled)
}
