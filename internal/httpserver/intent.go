package httpserver

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// Intent is what a request asks the server to do with its target.
type Intent int

const (
	PlainView Intent = iota
	CreateDir
	Delete
	Rename
	Paste
	UploadFiles
	DownloadZip
	UnzipItem
	Thumbnail
)

var intentNames = [...]string{
	PlainView:   "view",
	CreateDir:   "mkdir",
	Delete:      "delete",
	Rename:      "rename",
	Paste:       "paste",
	UploadFiles: "upload",
	DownloadZip: "zip",
	UnzipItem:   "unzip",
	Thumbnail:   "thumbnail",
}

func (i Intent) String() string {
	if int(i) < len(intentNames) {
		return intentNames[i]
	}
	return "unknown"
}

// classify decides the intent once per request. Form mutations only apply to
// directories; a urlencoded body is parsed here, a multipart body is left
// unread for streaming.
func classify(r *http.Request, isDir bool, full string) Intent {
	if r.Method == http.MethodPost {
		if !isDir {
			return PlainView
		}
		if isMultipart(r) {
			return UploadFiles
		}
		_ = r.ParseForm()
		f := r.PostForm
		switch {
		case f.Has("dir"):
			return CreateDir
		case f.Has("delete"):
			return Delete
		case f.Get("rename_from") != "" && f.Has("rename_to"):
			return Rename
		case f.Has("paste_items"):
			return Paste
		}
		return PlainView
	}

	q := r.URL.Query()
	ext := strings.ToLower(filepath.Ext(full))
	switch {
	case isDir && q.Has("download"):
		return DownloadZip
	case !isDir && q.Get("unzip") == "true" && ext == ".zip":
		return UnzipItem
	case !isDir && q.Has("thumb") && isImageExt(ext):
		return Thumbnail
	}
	return PlainView
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}
