package rootfs

import (
	"errors"
)

var (
	// ErrNotProvisioned is returned when a file is copied into a filesystem
	// that was not provisioned by Ensure
	ErrNotProvisioned = errors.New("rootfs: filesystem is not provisioned")

	// ErrCorrupt marks an image that cannot be decoded or unpacked
	ErrCorrupt = errors.New("rootfs: corrupt image")

	// ErrDigest is returned when the image does not hash to the expected digest
	ErrDigest = errors.New("rootfs: image digest mismatch")

	// ErrNoRoot is returned when the unpacked image lacks the root directory
	ErrNoRoot = errors.New("rootfs: image does not contain the root directory")

	// ErrNotDir is returned when the root path exists but is not a directory
	ErrNotDir = errors.New("rootfs: root exists and is not a directory")
)

// Error is a failure to provision or populate the root filesystem
type Error struct {
	Op   string // "lock", "open", "unpack", "verify", "copy", ...
	Path string
	Err  error
}

func (e *Error) Error() string {
	return "rootfs: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
