package forkexec

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrReaped is returned by Wait when the child status was already consumed
var ErrReaped = errors.New("forkexec: child already reaped")

// Child is a forked child process. The parent holds the only reference and
// is the only one allowed to wait for it.
type Child struct {
	Pid int

	failure *ChildError
	reaped  bool
}

// Failure returns the failure reported by the child before execve, nil if
// the program was executed
func (c *Child) Failure() *ChildError {
	return c.failure
}

// Outcome is the termination of a child as observed by the parent
type Outcome struct {
	Pid      int
	Exited   bool
	ExitCode int            // exit status if Exited
	Signal   syscall.Signal // terminating signal if not Exited

	// Failure is set when the child failed to confine itself or to execve.
	// It is a diagnostic only, the child already terminated with a nonzero
	// status.
	Failure *ChildError

	Time   time.Duration // user CPU time
	Memory uint64        // max resident set size in bytes
}

// Success reports whether the program was executed and exited with status 0
func (o Outcome) Success() bool {
	return o.Failure == nil && o.Exited && o.ExitCode == 0
}

func (o Outcome) String() string {
	switch {
	case o.Failure != nil:
		return fmt.Sprintf("Outcome[ChildFailed(%v)][%d]", o.Failure, o.ExitCode)
	case o.Exited:
		return fmt.Sprintf("Outcome[Exited(%d)][%v %d]", o.ExitCode, o.Time, o.Memory)
	default:
		return fmt.Sprintf("Outcome[Signalled(%v)][%v %d]", o.Signal, o.Time, o.Memory)
	}
}

// Wait blocks until the child terminates and consumes its status. It
// succeeds at most once.
func (c *Child) Wait() (Outcome, error) {
	if c.reaped {
		return Outcome{}, ErrReaped
	}
	var (
		wstatus unix.WaitStatus
		rusage  unix.Rusage
	)
	for {
		_, err := unix.Wait4(c.Pid, &wstatus, 0, &rusage)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("forkexec: wait4(%d): %w", c.Pid, err)
		}
		// only exit and kill are reported without WUNTRACED
		if wstatus.Exited() || wstatus.Signaled() {
			break
		}
	}
	c.reaped = true

	o := Outcome{
		Pid:     c.Pid,
		Failure: c.failure,
		Time:    time.Duration(rusage.Utime.Nano()),
		Memory:  uint64(rusage.Maxrss) << 10,
	}
	if wstatus.Exited() {
		o.Exited = true
		o.ExitCode = wstatus.ExitStatus()
	} else {
		o.Signal = wstatus.Signal()
	}
	return o, nil
}

// Kill sends SIGKILL to the child if it was not yet reaped
func (c *Child) Kill() error {
	if c.reaped {
		return ErrReaped
	}
	return unix.Kill(c.Pid, unix.SIGKILL)
}
