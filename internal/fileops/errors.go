package fileops

import (
	"errors"
	"fmt"

	"sharefolder/internal/metrics"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrPermission = errors.New("writing is not allowed")
)

func init() {
	metrics.RegisterValidationError(ErrValidation)
}

// Translation keys for user-facing messages.
const (
	KeyCreateFolder    = "createFolderError"
	KeyRename          = "renameError"
	KeyDelete          = "deleteError"
	KeyPaste           = "pasteError"
	KeyName            = "nameError"
	KeyNoSelection     = "noFilesSelected"
	KeyWritingDisabled = "writingNotAllowed"
	KeyUpload          = "sendingFilesError"
	KeyUnzip           = "unzipError"
	KeyZip             = "zipError"
)

// OpError carries the technical cause of a failed operation together with the
// translation key the client gets to see.
type OpError struct {
	Op   string
	Item string
	Key  string
	Err  error
}

func (e *OpError) Error() string {
	if e.Item == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Item, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func invalid(op, item, key string) error {
	return &OpError{Op: op, Item: item, Key: key, Err: ErrValidation}
}

func readOnly(op string) error {
	return &OpError{Op: op, Key: KeyWritingDisabled, Err: ErrPermission}
}

func failed(op, item, key string, err error) error {
	return &OpError{Op: op, Item: item, Key: key, Err: err}
}

// MessageKey returns the translation key for err, falling back to def.
func MessageKey(err error, def string) string {
	var oe *OpError
	if errors.As(err, &oe) && oe.Key != "" {
		return oe.Key
	}
	return def
}

// Item returns the affected item name recorded in err, if any.
func Item(err error) string {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Item
	}
	return ""
}
