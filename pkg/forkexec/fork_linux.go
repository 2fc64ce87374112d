package forkexec

import (
	"errors"
	"syscall"
	"unsafe" // required for go:linkname.

	"golang.org/x/sys/unix"
)

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// ErrNoArgs is returned by Start when Args is empty
var ErrNoArgs = errors.New("forkexec: no program to execute")

// ErrNoRoot is returned by Start when Root is empty
var ErrNoRoot = errors.New("forkexec: no root directory to confine the child")

// StartError is a failure before or at the fork. No child exists.
type StartError struct {
	Op  string // "prepare", "pipe" or "clone"
	Err error
}

func (e *StartError) Error() string {
	return "forkexec: " + e.Op + ": " + e.Err.Error()
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Start forks the calling thread. The child confines itself to Root and
// executes Args. Start returns once the child has executed the program or
// failed to; a failure of the child is recorded on the returned Child and
// the child still has to be reaped by Wait.
func (r *Runner) Start() (*Child, error) {
	if len(r.Args) == 0 {
		return nil, &StartError{Op: "prepare", Err: ErrNoArgs}
	}
	if r.Root == "" {
		return nil, &StartError{Op: "prepare", Err: ErrNoRoot}
	}
	path := r.Path
	if path == "" {
		path = r.Args[0]
	}
	argv0, argv, env, err := prepareExec(path, r.Args, r.Env)
	if err != nil {
		return nil, &StartError{Op: "prepare", Err: err}
	}

	root, err := syscall.BytePtrFromString(r.Root)
	if err != nil {
		return nil, &StartError{Op: "prepare", Err: err}
	}

	// prepare work dir, relative path resolves from the new root
	wd := r.WorkDir
	if wd == "" {
		wd = "/"
	}
	workdir, err := syscall.BytePtrFromString(wd)
	if err != nil {
		return nil, &StartError{Op: "prepare", Err: err}
	}

	// prepare hostname
	hostname, err := syscallStringFromString(r.HostName)
	if err != nil {
		return nil, &StartError{Op: "prepare", Err: err}
	}

	// pipe p used to report child failure before execve
	// p[0] is used by parent and p[1] is used by child
	// both ends are close_on_exec, so a successful execve closes p[1]
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, &StartError{Op: "pipe", Err: err}
	}

	// fork in child
	pid, err1 := forkAndExecInChild(r, argv0, argv, env, root, workdir, hostname, p)

	// restore all signals
	afterFork()
	syscall.ForkLock.Unlock()

	return syncWithChild(p, int(pid), err1)
}

func syncWithChild(p [2]int, pid int, err1 syscall.Errno) (*Child, error) {
	unix.Close(p[1])

	// clone syscall failed
	if err1 != 0 {
		unix.Close(p[0])
		return nil, &StartError{Op: "clone", Err: err1}
	}

	c := &Child{Pid: pid}
	c.failure = readChildError(p[0])
	unix.Close(p[0])
	// the state of the child is unknown when its report could not be read,
	// it must not go on to exec
	if c.failure != nil && c.failure.Location == LocPipeRead {
		c.Kill()
	}
	return c, nil
}

// readChildError blocks until the child executes (EOF) or reports a failure
func readChildError(fd int) *ChildError {
	var (
		childErr ChildError
		size     = int(unsafe.Sizeof(childErr))
		buf      = (*[unsafe.Sizeof(childErr)]byte)(unsafe.Pointer(&childErr))[:]
		read     int
	)
	for read < size {
		n, err := unix.Read(fd, buf[read:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			errno, ok := err.(syscall.Errno)
			if !ok {
				errno = syscall.EIO
			}
			return &ChildError{Err: errno, Location: LocPipeRead}
		}
		if n == 0 {
			break
		}
		read += n
	}
	switch read {
	case 0:
		return nil
	case size:
		return &childErr
	default:
		// child died in the middle of reporting
		return &ChildError{Err: syscall.EPIPE, Location: LocPipeRead}
	}
}
