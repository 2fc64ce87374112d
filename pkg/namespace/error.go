package namespace

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a failed namespace operation with the underlying errno
type Error struct {
	Op   string // "open", "setns" or "unshare"
	Path string // proc path used by setns, if any
	Set  Set
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("namespace: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("namespace: %s(%v): %v", e.Op, e.Set, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errno returns the OS error code, 0 if the cause is not an errno
func (e *Error) Errno() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}
