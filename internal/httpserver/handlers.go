package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"sharefolder/internal/archive"
	"sharefolder/internal/fileops"
	"sharefolder/internal/logging"
	"sharefolder/internal/metrics"
)

// Form and query keys that are never item selections.
var reservedKeys = map[string]bool{
	"download":      true,
	"delete":        true,
	"sortType":      true,
	"sortDirection": true,
	"xhr":           true,
}

// selection decodes the checkbox fields (base64url name = "on") in v.
func selection(v url.Values) ([]string, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		if !reservedKeys[k] && v.Get(k) == "on" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name, err := fileops.DecodeName(k)
		if err != nil {
			return nil, &fileops.OpError{Op: "select", Key: fileops.KeyName, Err: fileops.ErrValidation}
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *Server) handleCreateDir(w http.ResponseWriter, r *http.Request, loc string, t target) {
	err := s.ops.CreateDirectory(t.full, r.PostForm.Get("dir"))
	s.afterMutation(w, r, loc, t, err, fileops.KeyCreateFolder)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, loc string, t target) {
	names, err := selection(r.PostForm)
	if err == nil {
		// Deletions already started are not interrupted by a client leaving.
		err = s.ops.DeleteItems(context.WithoutCancel(r.Context()), t.full, names)
	}
	s.afterMutation(w, r, loc, t, err, fileops.KeyDelete)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, loc string, t target) {
	err := s.ops.RenameItem(t.full, r.PostForm.Get("rename_from"), r.PostForm.Get("rename_to"))
	s.afterMutation(w, r, loc, t, err, fileops.KeyRename)
}

func (s *Server) handlePaste(w http.ResponseWriter, r *http.Request, loc string, t target) {
	var items []string
	for _, it := range strings.Split(r.PostForm.Get("paste_items"), ",") {
		if it = strings.TrimSpace(it); it != "" {
			items = append(items, it)
		}
	}
	mode, _ := fileops.ParseMode(r.PostForm.Get("paste_type"))
	err := s.ops.PasteItems(context.WithoutCancel(r.Context()), fileops.PasteRequest{
		Root:      t.root,
		SourceRel: r.PostForm.Get("paste_from"),
		Items:     items,
		DestDir:   t.full,
		Mode:      mode,
	})
	s.afterMutation(w, r, loc, t, err, fileops.KeyPaste)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, loc string, t target) {
	var saved []string
	mr, err := r.MultipartReader()
	if err != nil {
		err = &fileops.OpError{Op: "upload", Key: fileops.KeyUpload, Err: err}
	} else {
		saved, err = s.uploads.Save(r.Context(), t.full, mr)
	}
	if err == nil {
		logging.WithContext(r.Context()).Info("files uploaded", zap.String("dir", t.rel), zap.Strings("files", saved))
	}

	// Script uploads refresh the page themselves and only want the message.
	if r.URL.Query().Has("xhr") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err != nil {
			s.logOpError(r, err)
			_, _ = fmt.Fprint(w, s.errorMessage(loc, err, fileops.KeyUpload))
		}
		return
	}
	s.afterMutation(w, r, loc, t, err, fileops.KeyUpload)
}

// afterMutation redirects back to the folder on success so a reload does not
// resubmit the form. Failures re-render the listing with a translated banner.
func (s *Server) afterMutation(w http.ResponseWriter, r *http.Request, loc string, t target, err error, key string) {
	if err == nil {
		http.Redirect(w, r, r.URL.EscapedPath(), http.StatusFound)
		return
	}
	s.logOpError(r, err)
	if errors.Is(err, fileops.ErrNotFound) {
		s.notFound(w, r, loc)
		return
	}
	s.renderListing(w, r, loc, t, s.errorMessage(loc, err, key))
}

func (s *Server) logOpError(r *http.Request, err error) {
	l := logging.WithContext(r.Context())
	if errors.Is(err, fileops.ErrValidation) || errors.Is(err, fileops.ErrPermission) {
		l.Info("operation rejected", zap.Error(err))
		return
	}
	l.Error("operation failed", zap.Error(err))
}

// errorMessage is the client-facing text for err. I/O failures name the item
// they hit; raw error text never leaves the server.
func (s *Server) errorMessage(loc string, err error, key string) string {
	msg := s.catalog.T(loc, fileops.MessageKey(err, key))
	if errors.Is(err, fileops.ErrValidation) || errors.Is(err, fileops.ErrPermission) {
		return msg
	}
	if item := fileops.Item(err); item != "" {
		return msg + ": " + item
	}
	return msg
}

func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request, loc string, t target) {
	names, err := selection(r.URL.Query())
	if err != nil {
		s.renderListing(w, r, loc, t, s.errorMessage(loc, err, fileops.KeyZip))
		return
	}
	if len(names) == 0 {
		s.renderListing(w, r, loc, t, s.catalog.T(loc, fileops.KeyNoSelection))
		return
	}

	data, err := s.zips.BuildZip(r.Context(), t.full, names)
	if err != nil {
		if r.Context().Err() != nil {
			logging.WithContext(r.Context()).Debug("zip canceled", zap.Error(err))
			return
		}
		logging.WithContext(r.Context()).Error("build zip", zap.String("dir", t.rel), zap.Error(err))
		http.Error(w, s.catalog.T(loc, fileops.KeyZip), http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Disposition", attachment(archive.Name(t.rel)))
	h.Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleUnzip(w http.ResponseWriter, r *http.Request, loc string, t target) {
	var err error
	defer func() { metrics.RecordFileOp("unzip", err) }()

	if s.ops.ReadOnly() {
		err = &fileops.OpError{Op: "unzip", Key: fileops.KeyWritingDisabled, Err: fileops.ErrPermission}
		http.Error(w, s.catalog.T(loc, fileops.KeyWritingDisabled), http.StatusForbidden)
		return
	}
	if err = s.zips.Unzip(t.full); err != nil {
		logging.WithContext(r.Context()).Error("unzip", zap.String("file", t.rel), zap.Error(err))
		http.Error(w, s.catalog.T(loc, fileops.KeyUnzip)+": "+path.Base(t.rel), http.StatusInternalServerError)
		return
	}
	logging.WithContext(r.Context()).Info("unzipped", zap.String("file", t.rel))
	http.Redirect(w, r, folderURL(path.Dir("/"+t.rel)), http.StatusFound)
}

// attachment builds a Content-Disposition value that survives non-ASCII
// names.
func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", asciiFallback(name), url.PathEscape(name))
}

func asciiFallback(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
