// Package walk runs a concurrent depth-first traversal of a directory tree.
//
// Every entry of a directory is processed in its own goroutine. A directory's
// LeaveFolder callback runs only after all of its descendants are finished,
// which is what lets a move remove a source folder once it is empty.
package walk

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"

	"sharefolder/internal/fsutil"
)

// Func is called with the absolute path of a node and its slash-separated
// path relative to the walk root ("" for the root itself). Callbacks may run
// concurrently with each other.
type Func func(ctx context.Context, fullPath, relPath string) error

// Visitor groups the three callbacks. Nil callbacks are skipped.
type Visitor struct {
	EnterFolder Func
	LeaveFolder Func
	File        Func
}

// Walker limits how many filesystem reads and file callbacks run at once.
type Walker struct {
	guard *fsutil.Guard
	sem   chan struct{}
}

// DefaultConcurrency bounds open handles across one walk.
const DefaultConcurrency = 64

func New(guard *fsutil.Guard, concurrency int) *Walker {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if guard == nil {
		guard = fsutil.NewGuard()
	}
	return &Walker{guard: guard, sem: make(chan struct{}, concurrency)}
}

type run struct {
	w      *Walker
	v      Visitor
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (r *run) fail(err error) {
	r.once.Do(func() {
		r.err = err
		r.cancel()
	})
}

// Walk traverses root. A forbidden root is treated as an empty, finished walk.
// The first error from the filesystem or a callback cancels the remaining
// work and is returned once every in-flight goroutine has drained.
func (w *Walker) Walk(ctx context.Context, root string, v Visitor) error {
	root = filepath.Clean(root)
	if w.guard.IsForbidden(root) {
		return nil
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{w: w, v: v, cancel: cancel}
	r.dir(wctx, root, "")
	if r.err != nil {
		return r.err
	}
	return ctx.Err()
}

func (r *run) dir(ctx context.Context, full, rel string) {
	if ctx.Err() != nil {
		return
	}
	if r.w.guard.IsForbidden(full) {
		return
	}
	if r.v.EnterFolder != nil {
		if err := r.v.EnterFolder(ctx, full, rel); err != nil {
			r.fail(err)
			return
		}
	}

	ents, err := r.readDir(ctx, full)
	if err != nil {
		r.fail(err)
		return
	}

	var wg sync.WaitGroup
	for _, e := range ents {
		childFull := filepath.Join(full, e.Name())
		childRel := path.Join(rel, e.Name())
		switch r.w.guard.Classify(childFull, e) {
		case fsutil.KindDir:
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.dir(ctx, childFull, childRel)
			}()
		case fsutil.KindFile:
			if r.v.File == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.file(ctx, childFull, childRel)
			}()
		}
	}
	wg.Wait()

	// A failed subtree must not look finished to the caller.
	if ctx.Err() != nil {
		return
	}
	if r.v.LeaveFolder != nil {
		if err := r.v.LeaveFolder(ctx, full, rel); err != nil {
			r.fail(err)
		}
	}
}

func (r *run) file(ctx context.Context, full, rel string) {
	if !r.acquire(ctx) {
		return
	}
	defer r.release()
	if err := r.v.File(ctx, full, rel); err != nil {
		r.fail(err)
	}
}

func (r *run) readDir(ctx context.Context, full string) ([]os.DirEntry, error) {
	if !r.acquire(ctx) {
		return nil, ctx.Err()
	}
	defer r.release()
	return os.ReadDir(full)
}

func (r *run) acquire(ctx context.Context) bool {
	select {
	case r.w.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *run) release() { <-r.w.sem }
