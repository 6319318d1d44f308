package httpserver

import (
	"cmp"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"sharefolder/internal/auth"
	"sharefolder/internal/fileops"
	"sharefolder/internal/fsutil"
	"sharefolder/internal/logging"
)

// entry is one row of a directory listing.
type entry struct {
	Name     string
	Encoded  string // checkbox field name
	Href     string
	IsDir    bool
	IsZip    bool
	IsImage  bool
	Size     int64
	SizeText string
	ModTime  time.Time
	Modified string
}

type sortLink struct {
	Href  string
	Arrow string
}

type sortColumn struct {
	Label string
	Links []sortLink
}

type listingPage struct {
	basePage
	Folder    string
	Path      string // URL of this folder, with trailing slash
	Parent    string
	AtRoot    bool
	Entries   []entry
	Files     int
	Folders   int
	TotalSize string
	Columns   []sortColumn
	Writable  bool
	MultiUser bool
	Error     string
}

var sortTypes = []string{"name", "size", "time"}

func (s *Server) renderListing(w http.ResponseWriter, r *http.Request, loc string, t target, errMsg string) {
	entries, err := s.readEntries(t)
	if err != nil {
		logging.WithContext(r.Context()).Error("read dir", zap.String("dir", t.rel), zap.Error(err))
		s.notFound(w, r, loc)
		return
	}
	by := sortParam(w, r, "sortType", "name", sortTypes...)
	dir := sortParam(w, r, "sortDirection", "asc", "asc", "desc")
	sortEntries(entries, by, dir, loc)

	tr := func(key string) string { return s.catalog.T(loc, key) }
	p := listingPage{
		basePage: basePage{
			Lang:    loc,
			Title:   s.cfg.DirectoryModeTitle,
			User:    auth.UserFromContext(r.Context()),
			catalog: s.catalog,
		},
		Folder:    "/",
		Path:      folderURL(t.rel),
		AtRoot:    t.rel == "",
		Entries:   entries,
		Writable:  !s.ops.ReadOnly(),
		MultiUser: s.users.Enabled(),
		Error:     errMsg,
	}
	if p.Title == "" {
		p.Title = tr("defaultTitle")
	}
	if !p.AtRoot {
		p.Folder = path.Base(t.rel)
		p.Parent = folderURL(path.Dir(t.rel))
	}
	var total int64
	for i := range entries {
		e := &entries[i]
		if e.IsDir {
			p.Folders++
			e.SizeText = tr("folderSizeStub")
			continue
		}
		p.Files++
		total += e.Size
		e.SizeText = humanSize(e.Size, tr)
	}
	p.TotalSize = humanSize(total, tr)
	if len(entries) > 0 {
		p.Columns = sortColumns(p.Path, by, dir, tr)
	} else {
		p.Columns = []sortColumn{{Label: tr("fileName")}, {Label: tr("fileSize")}, {Label: tr("modifyDate")}}
	}
	s.render(w, r, http.StatusOK, "listing.html", p)
}

// readEntries lists t without forbidden paths and without entries the guard
// skips (symlinks to directories, dangling links).
func (s *Server) readEntries(t target) ([]entry, error) {
	dirents, err := os.ReadDir(t.full)
	if err != nil {
		return nil, err
	}
	base := folderURL(t.rel)
	out := make([]entry, 0, len(dirents))
	for _, d := range dirents {
		info, kind, err := s.guard.Stat(filepath.Join(t.full, d.Name()))
		if err != nil || kind == fsutil.KindSkip {
			continue
		}
		name := d.Name()
		link := name
		if t.rel == "" && (name == "index.html" || name == "robots.txt") {
			link = "_" + name
		}
		ext := strings.ToLower(filepath.Ext(name))
		e := entry{
			Name:     name,
			Encoded:  fileops.EncodeName(name),
			Href:     base + url.PathEscape(link),
			IsDir:    kind == fsutil.KindDir,
			ModTime:  info.ModTime(),
			Modified: info.ModTime().Format("2006-01-02 15:04:05"),
		}
		if e.IsDir {
			e.Href += "/"
		} else {
			e.Size = info.Size()
			e.IsZip = ext == ".zip"
			e.IsImage = isImageExt(ext)
		}
		out = append(out, e)
	}
	return out, nil
}

// sortParam reads key from the query, then the cookie, then def. A value
// not taken from the cookie is stored there.
func sortParam(w http.ResponseWriter, r *http.Request, key, def string, allowed ...string) string {
	v := r.URL.Query().Get(key)
	if !slices.Contains(allowed, v) {
		v = ""
		if c, err := r.Cookie(key); err == nil && slices.Contains(allowed, c.Value) {
			return c.Value
		}
	}
	if v == "" {
		v = def
	}
	http.SetCookie(w, &http.Cookie{
		Name:     key,
		Value:    v,
		Path:     "/",
		MaxAge:   86400,
		SameSite: http.SameSiteStrictMode,
	})
	return v
}

// sortEntries orders folders before files, except when sorting by time.
// Names compare with the collation of loc.
func sortEntries(es []entry, by, dir, loc string) {
	col := collate.New(language.Make(loc), collate.IgnoreCase, collate.Numeric)
	slices.SortStableFunc(es, func(a, b entry) int {
		if by != "time" && a.IsDir != b.IsDir {
			if a.IsDir {
				return -1
			}
			return 1
		}
		var c int
		switch by {
		case "time":
			c = a.ModTime.Compare(b.ModTime)
		case "size":
			if !a.IsDir {
				c = cmp.Compare(a.Size, b.Size)
			}
		}
		if c == 0 {
			c = col.CompareString(a.Name, b.Name)
		}
		if dir == "desc" {
			return -c
		}
		return c
	})
}

// sortColumns renders the arrows next to each header. The active column
// offers the opposite direction only.
func sortColumns(base, by, dir string, tr func(string) string) []sortColumn {
	labels := map[string]string{"name": "fileName", "size": "fileSize", "time": "modifyDate"}
	cols := make([]sortColumn, 0, len(sortTypes))
	for _, typ := range sortTypes {
		up := sortLink{Href: base + "?sortType=" + typ + "&sortDirection=desc", Arrow: "↑"}
		down := sortLink{Href: base + "?sortType=" + typ + "&sortDirection=asc", Arrow: "↓"}
		col := sortColumn{Label: tr(labels[typ])}
		switch {
		case typ != by:
			col.Links = []sortLink{up, down}
		case dir == "asc":
			col.Links = []sortLink{up}
		default:
			col.Links = []sortLink{down}
		}
		cols = append(cols, col)
	}
	return cols
}

var sizeUnits = []string{"sizeKiB", "sizeMiB", "sizeGiB", "sizeTiB", "sizePiB"}

// humanSize formats n in binary units with one decimal. Bytes stay whole.
func humanSize(n int64, tr func(string) string) string {
	if n < 1024 {
		return fmt.Sprintf("%d %s", n, tr("sizeByte"))
	}
	v := float64(n) / 1024
	i := 0
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", v, tr(sizeUnits[i]))
}

// folderURL turns a relative folder path into an escaped URL path ending in
// a slash.
func folderURL(rel string) string {
	rel = fsutil.CleanRelPath(rel)
	if rel == "" {
		return "/"
	}
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(segs, "/") + "/"
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".yaml", ".yml", ".toml", ".ini", ".go", ".py", ".sh":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	default:
		return ""
	}
}
