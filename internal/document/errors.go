package document

import (
	"errors"
	"fmt"
)

// Path errors.
var (
	ErrEmptyPath       = errors.New("path is empty")
	ErrEmptySegment    = errors.New("path has an empty segment")
	ErrSegmentTooLong  = errors.New("path segment exceeds maximum length")
	ErrPathTooDeep     = errors.New("path exceeds maximum depth")
	ErrInvalidSegment  = errors.New("path segment contains invalid characters")
	ErrReservedPath    = errors.New("path is reserved by another owner")
	ErrOutsideReserved = errors.New("path is outside the namespace")
)

// Value errors.
var (
	ErrUnsupportedNumber = errors.New("number is not finite")
	ErrUnsupportedType   = errors.New("unsupported value type")
	ErrNotSequence       = errors.New("value is not a sequence")
	ErrNotMapping        = errors.New("value is not a mapping")
	ErrAlreadyReserved   = errors.New("namespace already reserved")
)

// InvalidPathError reports a malformed path or a write the caller may not perform.
type InvalidPathError struct {
	Path   string
	Reason error
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %v", e.Path, e.Reason)
}

// Unwrap allows errors.Is against the path sentinels.
func (e *InvalidPathError) Unwrap() error {
	return e.Reason
}

func invalidPath(path string, reason error) *InvalidPathError {
	return &InvalidPathError{Path: path, Reason: reason}
}

// InvalidValueError reports a value that cannot be stored, such as a
// non-finite number anywhere inside it.
type InvalidValueError struct {
	Path   string
	Reason error
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value at %q: %v", e.Path, e.Reason)
}

// Unwrap allows errors.Is against ErrUnsupportedNumber.
func (e *InvalidValueError) Unwrap() error {
	return e.Reason
}

// checkStorable rejects values that could not be encoded later.
func checkStorable(path string, v Value) error {
	if err := checkFinite(v); err != nil {
		return &InvalidValueError{Path: path, Reason: err}
	}
	return nil
}
