package persistence

import (
	"errors"
	"fmt"
)

// Save errors.
var (
	ErrShrinkPrevented    = errors.New("save would drop non-empty state")
	ErrVerificationFailed = errors.New("serialized state failed verification")
	ErrClosed             = errors.New("persistence manager is closed")
)

// Load errors.
var (
	ErrUnsupportedVersion = errors.New("unsupported state file version")
)

// WriteError reports a save that did not complete. The previous state file
// is left untouched whenever a WriteError is returned.
type WriteError struct {
	Path string
	Op   string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// PriorStateIntact reports that the on-disk file was not modified.
func (e *WriteError) PriorStateIntact() bool { return true }

// CorruptError reports a state file that exists but cannot be parsed.
type CorruptError struct {
	Path    string
	Section string
	Err     error
}

func (e *CorruptError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("persistence: corrupt state file %s (section %s): %v", e.Path, e.Section, e.Err)
	}
	return fmt.Sprintf("persistence: corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// ShrinkError names the guarded path that would have been emptied.
type ShrinkError struct {
	GuardedPath string
	Reason      string
}

func (e *ShrinkError) Error() string {
	return fmt.Sprintf("%s: %s", e.GuardedPath, e.Reason)
}

func (e *ShrinkError) Unwrap() error { return ErrShrinkPrevented }
