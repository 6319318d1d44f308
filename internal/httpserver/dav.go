package httpserver

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"sharefolder/internal/auth"
	"sharefolder/internal/fsutil"
	"sharefolder/internal/logging"
	"sharefolder/internal/metrics"
)

const davPrefix = "/dav"

// davAuth accepts a session cookie or, for DAV clients that keep no cookies,
// HTTP Basic credentials checked against the user table.
func (s *Server) davAuth(next http.Handler) http.Handler {
	if !s.users.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(auth.CookieName); err == nil && c.Value != "" {
			if user, ok := s.sessions.Validate(r.Context(), c.Value); ok {
				s.sessions.Touch(c.Value)
				next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
				return
			}
		}
		if name, pass, ok := r.BasicAuth(); ok {
			good := s.users.Authenticate(name, pass)
			metrics.RecordAuthAttempt(good)
			if good {
				next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), name)))
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="sharefolder"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) handleDAV(w http.ResponseWriter, r *http.Request) {
	root, err := s.userRoot(r)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	h := &webdav.Handler{
		Prefix:     davPrefix,
		FileSystem: &davFS{root: root, guard: s.guard, readOnly: s.ops.ReadOnly()},
		LockSystem: s.lockSystem(root),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
			}
		},
	}
	h.ServeHTTP(w, r)
}

// lockSystem keeps one lock table per root; lock names are root relative.
func (s *Server) lockSystem(root string) webdav.LockSystem {
	s.davMu.Lock()
	defer s.davMu.Unlock()
	ls, ok := s.davLocks[root]
	if !ok {
		ls = webdav.NewMemLS()
		s.davLocks[root] = ls
	}
	return ls
}

// davFS is webdav.Dir restricted by the forbidden set and the symlink rule.
// Every mutation fails in read-only mode.
type davFS struct {
	root     string
	guard    *fsutil.Guard
	readOnly bool
}

func (d *davFS) resolve(name string) (string, error) {
	full, err := d.guard.Resolve(d.root, path.Clean("/"+name))
	if err != nil {
		return "", os.ErrNotExist
	}
	return full, nil
}

func (d *davFS) dir() webdav.Dir { return webdav.Dir(d.root) }

func (d *davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if d.readOnly {
		return os.ErrPermission
	}
	if _, err := d.resolve(name); err != nil {
		return err
	}
	return d.dir().Mkdir(ctx, name, perm)
}

const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_TRUNC | os.O_APPEND

func (d *davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if d.readOnly && flag&writeFlags != 0 {
		return nil, os.ErrPermission
	}
	full, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := d.dir().OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &davFile{File: f, full: full, guard: d.guard}, nil
}

func (d *davFS) RemoveAll(ctx context.Context, name string) error {
	if d.readOnly {
		return os.ErrPermission
	}
	if _, err := d.resolve(name); err != nil {
		return err
	}
	return d.dir().RemoveAll(ctx, name)
}

func (d *davFS) Rename(ctx context.Context, oldName, newName string) error {
	if d.readOnly {
		return os.ErrPermission
	}
	if _, err := d.resolve(oldName); err != nil {
		return err
	}
	if _, err := d.resolve(newName); err != nil {
		return err
	}
	return d.dir().Rename(ctx, oldName, newName)
}

func (d *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	full, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	info, kind, err := d.guard.Stat(full)
	if err != nil {
		return nil, err
	}
	if kind == fsutil.KindSkip {
		return nil, os.ErrNotExist
	}
	return info, nil
}

// davFile hides entries the listing would hide.
type davFile struct {
	webdav.File
	full  string
	guard *fsutil.Guard
}

func (f *davFile) Readdir(count int) ([]fs.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	out := infos[:0]
	for _, fi := range infos {
		_, kind, serr := f.guard.Stat(filepath.Join(f.full, fi.Name()))
		if serr != nil || kind == fsutil.KindSkip {
			continue
		}
		out = append(out, fi)
	}
	return out, err
}
