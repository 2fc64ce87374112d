package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation defines the location where child process failed to exec
type ErrorLocation int

// ChildError defines the specific error and location where it failed.
// It is written by the child as a fixed size value, so it must not contain
// pointers.
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
	Index    int
}

// Location constants
const (
	LocClone ErrorLocation = iota + 1
	LocCloseWrite
	LocPdeathsig
	LocDup3
	LocFcntl
	LocMountPrivate
	LocMountMkdir
	LocMount
	LocSetHostName
	LocChroot
	LocChdir
	LocSetNoNewPrivs
	LocSeccomp
	LocExecve
	LocPipeRead
)

var locToString = []string{
	"unknown",
	"clone",
	"close_write",
	"pdeathsig",
	"dup3",
	"fcntl",
	"mount(private)",
	"mount(mkdir)",
	"mount",
	"sethostname",
	"chroot",
	"chdir",
	"set_no_new_privs",
	"seccomp",
	"execve",
	"pipe_read",
}

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocPipeRead {
		return locToString[e]
	}
	return "unknown"
}

// Confinement reports whether the failure happened while changing the root
// or the working directory
func (e ErrorLocation) Confinement() bool {
	return e == LocChroot || e == LocChdir
}

func (e *ChildError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}

// Unwrap returns the errno so that errors.Is(err, syscall.ENOENT) works,
// a nil *ChildError unwraps to nil
func (e *ChildError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
