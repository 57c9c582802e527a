package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
)

// Category is a stable, machine-readable failure class.
type Category string

const (
	ErrorInvalidPath      Category = "invalid_path"
	ErrorOutsideRoot      Category = "outside_root"
	ErrorPathNotFound     Category = "path_not_found"
	ErrorNotRegular       Category = "not_regular_file"
	ErrorNotDirectory     Category = "not_directory"
	ErrorPermissionDenied Category = "permission_denied"
	ErrorIO               Category = "io_error"
)

// Error is a categorized path resolution failure. Detail never includes
// the underlying OS error text, which goes to Err instead.
type Error struct {
	Category Category
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets callers match categories against the io/fs sentinels.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case fs.ErrNotExist:
		return e.Category == ErrorPathNotFound
	case fs.ErrPermission:
		return e.Category == ErrorPermissionDenied
	}
	return false
}

func newError(category Category, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError classifies err. Uncategorized errors map to the io/fs
// sentinel they wrap, or ErrorIO.
func CategoryFromError(err error) Category {
	if err == nil {
		return ""
	}

	var categorized *Error
	switch {
	case errors.As(err, &categorized):
		return categorized.Category
	case errors.Is(err, fs.ErrNotExist):
		return ErrorPathNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorPermissionDenied
	default:
		return ErrorIO
	}
}

// ioError wraps an OS error for path under its category.
func ioError(err error, path string) error {
	if err == nil {
		return nil
	}

	category := CategoryFromError(err)
	detail := path
	switch category {
	case ErrorPathNotFound:
		detail += ": does not exist"
	case ErrorPermissionDenied:
		detail += ": operation not permitted"
	default:
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			detail += ": " + pathErr.Err.Error()
		}
	}

	return &Error{Category: category, Detail: detail, Err: err}
}
