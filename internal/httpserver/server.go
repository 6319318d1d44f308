package httpserver

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"sharefolder/internal/archive"
	"sharefolder/internal/auth"
	"sharefolder/internal/config"
	"sharefolder/internal/fileops"
	"sharefolder/internal/fsutil"
	"sharefolder/internal/i18n"
	"sharefolder/internal/logging"
	"sharefolder/internal/metrics"
	"sharefolder/internal/session"
	"sharefolder/internal/upload"
	"sharefolder/internal/walk"
)

// AppPrefix is reserved for the server's own pages and assets.
const AppPrefix = "/_sharefolder/"

const LogoutPath = AppPrefix + "logout"

type Options struct {
	Config config.Config

	// Sessions is required when Config has users.
	Sessions session.Service
	Users    *auth.Users
	Catalog  *i18n.Catalog

	// Guard defaults to one built from Config.ForbiddenPaths.
	Guard *fsutil.Guard
}

type Server struct {
	cfg      config.Config
	guard    *fsutil.Guard
	users    *auth.Users
	sessions session.Service
	catalog  *i18n.Catalog
	ops      *fileops.Engine
	zips     *archive.Engine
	uploads  *upload.Saver
	thumbs   *thumbnailer
	pages    *template.Template
	assets   fs.FS
	static   bool

	davMu    sync.Mutex
	davLocks map[string]webdav.LockSystem
}

//go:embed web/templates/*.html web/assets/*
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	users := opts.Users
	if users == nil {
		users = auth.NewUsers(cfg.Users)
	}
	if users.Enabled() && opts.Sessions == nil {
		return nil, errors.New("httpserver: users configured without a session service")
	}
	catalog := opts.Catalog
	if catalog == nil {
		var err error
		if catalog, err = i18n.Load(); err != nil {
			return nil, err
		}
	}
	guard := opts.Guard
	if guard == nil {
		guard = fsutil.NewGuard(cfg.ForbiddenPaths()...)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir state: %w", err)
	}
	up, err := upload.New(guard, cfg.StateDir, cfg.UploadEnable)
	if err != nil {
		return nil, err
	}
	thumbs, err := newThumbnailer(filepath.Join(cfg.StateDir, "thumbs"))
	if err != nil {
		return nil, err
	}
	pages, err := template.ParseFS(embeddedWeb, "web/templates/*.html")
	if err != nil {
		return nil, err
	}
	assets, err := fs.Sub(embeddedWeb, "web/assets")
	if err != nil {
		return nil, err
	}
	walker := walk.New(guard, 0)

	return &Server{
		cfg:      cfg,
		guard:    guard,
		users:    users,
		sessions: opts.Sessions,
		catalog:  catalog,
		ops:      fileops.New(guard, walker, !cfg.UploadEnable),
		zips:     archive.New(guard, walker),
		uploads:  up,
		thumbs:   thumbs,
		pages:    pages,
		assets:   assets,
		static:   staticMode(cfg),
		davLocks: make(map[string]webdav.LockSystem),
	}, nil
}

// staticMode serves Root as a plain web site when it has an index.html,
// unless directory mode is forced either way.
func staticMode(cfg config.Config) bool {
	if cfg.DirectoryMode != nil {
		return !*cfg.DirectoryMode
	}
	st, err := os.Stat(filepath.Join(cfg.Root, "index.html"))
	return err == nil && st.Mode().IsRegular()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.Handle(AppPrefix+"assets/", http.StripPrefix(AppPrefix+"assets/", cacheFor(3600, http.FileServer(http.FS(s.assets)))))

	if s.users.Enabled() {
		mux.HandleFunc(auth.LoginPath, s.handleLogin)
		mux.HandleFunc(LogoutPath, s.handleLogout)
	}
	if s.cfg.Metrics {
		mux.Handle(AppPrefix+"metrics", metrics.Handler())
	}
	if s.cfg.WebDAV {
		mux.Handle(davPrefix+"/", s.davAuth(http.HandlerFunc(s.handleDAV)))
	}
	mux.Handle("/", s.protect(s.instrument(http.HandlerFunc(s.serve))))

	var h http.Handler = mux
	if !s.cfg.DisableCompression {
		h = gzhttp.GzipHandler(h)
	}
	h = securityHeaders(h)
	h = logging.Middleware(h)
	return recoverer(h)
}

func (s *Server) protect(next http.Handler) http.Handler {
	if !s.users.Enabled() {
		return next
	}
	return auth.RequireSession(s.sessions, next)
}

// userRoot is the directory the request is scoped to.
func (s *Server) userRoot(r *http.Request) (string, error) {
	if !s.users.Enabled() {
		return s.cfg.Root, nil
	}
	return s.users.Root(s.cfg.Root, auth.UserFromContext(r.Context()))
}

// serve resolves the request path and dispatches on the request intent.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	loc := s.locale(w, r)
	root, err := s.userRoot(r)
	if err != nil {
		logging.WithContext(r.Context()).Warn("no root for user", zap.Error(err))
		s.notFound(w, r, loc)
		return
	}

	rel := fsutil.CleanRelPath(r.URL.Path)
	if !s.static {
		switch rel {
		case "_index.html", "_robots.txt":
			rel = rel[1:]
		}
	}
	full, err := s.guard.Resolve(root, rel)
	if err != nil {
		s.notFound(w, r, loc)
		return
	}
	info, kind, err := s.guard.Stat(full)
	if err != nil || kind == fsutil.KindSkip {
		s.notFound(w, r, loc)
		return
	}

	if s.static {
		s.serveStatic(w, r, loc, full, info, kind == fsutil.KindDir)
		return
	}

	t := target{root: root, rel: rel, full: full, info: info, isDir: kind == fsutil.KindDir}
	intent := classify(r, t.isDir, full)
	setIntent(r, intent)

	switch intent {
	case CreateDir:
		s.handleCreateDir(w, r, loc, t)
	case Delete:
		s.handleDelete(w, r, loc, t)
	case Rename:
		s.handleRename(w, r, loc, t)
	case Paste:
		s.handlePaste(w, r, loc, t)
	case UploadFiles:
		s.handleUpload(w, r, loc, t)
	case DownloadZip:
		s.handleDownloadZip(w, r, loc, t)
	case UnzipItem:
		s.handleUnzip(w, r, loc, t)
	case Thumbnail:
		s.thumbs.serve(w, r, full, info)
	default:
		if t.isDir {
			s.renderListing(w, r, loc, t, "")
			return
		}
		serveFile(w, r, full, info)
	}
}

// target is the resolved filesystem object a request points at.
type target struct {
	root  string // user root
	rel   string // slash path below root, "" at root
	full  string
	info  os.FileInfo
	isDir bool
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, loc, full string, info os.FileInfo, isDir bool) {
	if isDir {
		full = filepath.Join(full, "index.html")
		var err error
		info, err = os.Stat(full)
		if err != nil || !info.Mode().IsRegular() {
			s.notFound(w, r, loc)
			return
		}
	}
	serveFile(w, r, full, info)
}

func serveFile(w http.ResponseWriter, r *http.Request, full string, info os.FileInfo) {
	f, err := os.Open(full)
	if err != nil {
		logging.WithContext(r.Context()).Error("open file", zap.String("path", full), zap.Error(err))
		http.Error(w, "open failed", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if ct := contentTypeForName(info.Name()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", attachment(info.Name()))
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// locale picks the client locale and remembers a matched one in the lang
// cookie.
func (s *Server) locale(w http.ResponseWriter, r *http.Request) string {
	var cookie string
	if c, err := r.Cookie("lang"); err == nil {
		cookie = c.Value
	}
	loc, found := s.catalog.Pick(cookie, r.Header.Get("Accept-Language"))
	if found && cookie == "" {
		http.SetCookie(w, &http.Cookie{
			Name:     "lang",
			Value:    loc,
			Path:     "/",
			MaxAge:   86400,
			SameSite: http.SameSiteStrictMode,
		})
	}
	return loc
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request, loc string) {
	s.render(w, r, http.StatusNotFound, "notfound.html", basePage{
		Lang:    loc,
		Title:   s.catalog.T(loc, "pageNotFound"),
		catalog: s.catalog,
	})
}

// render executes a page template into memory first so a template error can
// still become a 500.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.pages.ExecuteTemplate(&buf, name, data); err != nil {
		logging.WithContext(r.Context()).Error("render page", zap.String("template", name), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data:")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// basePage carries what every generated page needs.
type basePage struct {
	Lang  string
	Title string
	User  string

	catalog *i18n.Catalog
}

// T translates key for the page locale.
func (p basePage) T(key string) string { return p.catalog.T(p.Lang, key) }
