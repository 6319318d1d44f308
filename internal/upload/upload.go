// Package upload persists files posted as multipart form data.
//
// Every part is streamed to a temporary file in <stateDir>/uploads first and
// renamed into place once complete, so a listing never shows half-written
// files.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"syscall"

	"github.com/otiai10/copy"

	"sharefolder/internal/fileops"
	"sharefolder/internal/fsutil"
	"sharefolder/internal/metrics"
)

// MaxFileSize is the largest single uploaded file.
const MaxFileSize = 2147483647

var ErrTooLarge = errors.New("upload too large")

type Saver struct {
	guard   *fsutil.Guard
	dir     string
	enabled bool
}

func New(guard *fsutil.Guard, stateDir string, enabled bool) (*Saver, error) {
	dir := filepath.Join(stateDir, "uploads")
	if enabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Saver{guard: guard, dir: dir, enabled: enabled}, nil
}

func (s *Saver) Enabled() bool { return s.enabled }

// Save writes every file part of mr into dir and returns the saved names.
// Non-file fields are skipped. The first failing part stops the upload;
// files saved before it stay.
func (s *Saver) Save(ctx context.Context, dir string, mr *multipart.Reader) (saved []string, err error) {
	defer func() { metrics.RecordFileOp("upload", err) }()
	if !s.enabled {
		return nil, &fileops.OpError{Op: "upload", Key: fileops.KeyWritingDisabled, Err: fileops.ErrPermission}
	}

	for {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return saved, &fileops.OpError{Op: "upload", Key: fileops.KeyUpload, Err: err}
		}
		name := part.FileName()
		if name == "" {
			part.Close()
			continue
		}
		dst, err := s.guard.Child(dir, name)
		if err != nil {
			part.Close()
			return saved, &fileops.OpError{Op: "upload", Item: name, Key: fileops.KeyName, Err: fileops.ErrValidation}
		}
		if err := s.guard.Target(dir, dst); err != nil {
			part.Close()
			return saved, &fileops.OpError{Op: "upload", Item: name, Key: fileops.KeyUpload, Err: err}
		}
		n, err := s.store(part, dst)
		part.Close()
		if err != nil {
			return saved, &fileops.OpError{Op: "upload", Item: name, Key: fileops.KeyUpload, Err: err}
		}
		metrics.RecordUpload(n)
		saved = append(saved, name)
	}
	if len(saved) == 0 {
		return nil, &fileops.OpError{Op: "upload", Key: fileops.KeyNoSelection, Err: fileops.ErrValidation}
	}
	return saved, nil
}

func (s *Saver) store(r io.Reader, dst string) (int64, error) {
	tmp, err := os.CreateTemp(s.dir, "upload-*.part")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, io.LimitReader(r, MaxFileSize+1))
	if err == nil && n > MaxFileSize {
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxFileSize)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		// State dir on another device.
		if !errors.Is(err, syscall.EXDEV) {
			return 0, err
		}
		if err := copy.Copy(tmpPath, dst); err != nil {
			return 0, err
		}
	}
	return n, nil
}
