package httpserver

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	// decoders
	_ "image/gif"
	_ "image/png"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"sharefolder/internal/logging"
)

const thumbSize = 256

// thumbnailer caches JPEG thumbnails below dir, keyed by path and mtime.
type thumbnailer struct {
	dir string
}

func newThumbnailer(dir string) (*thumbnailer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &thumbnailer{dir: dir}, nil
}

func (t *thumbnailer) cachePath(full string, info os.FileInfo) string {
	key := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+full)).String()
	return filepath.Join(t.dir, key+"-"+strconv.FormatInt(info.ModTime().UnixNano(), 36)+".jpg")
}

func (t *thumbnailer) serve(w http.ResponseWriter, r *http.Request, full string, info os.FileInfo) {
	p := t.cachePath(full, info)
	b, err := os.ReadFile(p)
	if err != nil {
		b, err = makeThumb(full, thumbSize)
		if err != nil {
			logging.WithContext(r.Context()).Debug("thumbnail", zap.String("path", full), zap.Error(err))
			http.NotFound(w, r)
			return
		}
		t.store(r, p, b)
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(b)
}

// store writes through a temp file so concurrent requests never read a
// partial thumbnail.
func (t *thumbnailer) store(r *http.Request, p string, b []byte) {
	tmp, err := os.CreateTemp(t.dir, "thumb-*.tmp")
	if err != nil {
		logging.WithContext(r.Context()).Warn("thumbnail cache", zap.Error(err))
		return
	}
	_, err = tmp.Write(b)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), p)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		logging.WithContext(r.Context()).Warn("thumbnail cache", zap.Error(err))
	}
}

func makeThumb(absPath string, limit int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := w, h
	if w > h {
		if w > limit {
			nw = limit
			nh = int(float64(h) * (float64(limit) / float64(w)))
		}
	} else if h > limit {
		nh = limit
		nw = int(float64(w) * (float64(limit) / float64(h)))
	}
	nw, nh = max(nw, 1), max(nh, 1)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
