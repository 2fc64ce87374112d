package namespace

import (
	"errors"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Path returns the proc path of namespace kind k for process pid
func Path(k Kind, pid int) string {
	return "/proc/" + strconv.Itoa(pid) + "/ns/" + k.String()
}

// Enter associates the calling thread with the namespace of kind k that
// process pid belongs to. The namespace handle is closed before returning.
func Enter(k Kind, pid int) error {
	if k.Flag() == 0 {
		return &Error{Op: "setns", Set: NewSet(k), Err: syscall.EINVAL}
	}
	p := Path(k, pid)
	f, err := os.Open(p)
	if err != nil {
		return &Error{Op: "open", Path: p, Set: NewSet(k), Err: err}
	}
	defer f.Close()

	if err := unix.Setns(int(f.Fd()), int(k.Flag())); err != nil {
		return &Error{Op: "setns", Path: p, Set: NewSet(k), Err: err}
	}
	return nil
}

// Unshare moves the calling thread into new namespaces for every kind in s
// with a single unshare syscall. Children forked afterwards from the same
// thread inherit the new namespaces; for pid namespace only the children
// become members.
func Unshare(s Set) error {
	if s == 0 {
		return nil
	}
	if err := unix.Unshare(int(s.Flags())); err != nil {
		return &Error{Op: "unshare", Set: s, Err: err}
	}
	return nil
}

// Same reports whether the calling thread and process pid share the
// namespace of kind k, by comparing the inode of the proc links
func Same(k Kind, pid int) (bool, error) {
	return sameInode(k, "/proc/thread-self/ns/"+k.String(), Path(k, pid))
}

// Joined reports whether children forked by the calling thread are created
// in the namespace of kind k of process pid. It differs from Same for the
// pid namespace only, since setns and unshare of a pid namespace apply to
// the children of the thread.
//
// A pid namespace freshly unshared has no init yet and the kernel reports
// its pid_for_children link as missing; such a namespace is never the one
// of an existing process.
func Joined(k Kind, pid int) (bool, error) {
	if k != PID {
		return Same(k, pid)
	}
	self := "/proc/thread-self/ns/pid_for_children"
	same, err := sameInode(k, self, Path(k, pid))
	var nsErr *Error
	if errors.As(err, &nsErr) && nsErr.Path == self && errors.Is(err, unix.ENOENT) {
		return false, nil
	}
	return same, err
}

func sameInode(k Kind, self, other string) (bool, error) {
	var a, b unix.Stat_t
	if err := unix.Stat(self, &a); err != nil {
		return false, &Error{Op: "stat", Path: self, Set: NewSet(k), Err: err}
	}
	if err := unix.Stat(other, &b); err != nil {
		return false, &Error{Op: "stat", Path: other, Set: NewSet(k), Err: err}
	}
	return a.Dev == b.Dev && a.Ino == b.Ino, nil
}
