package forkexec

import (
	"syscall"

	"github.com/criyle/nsboot/pkg/mount"
)

// Runner is the configuration of the isolated child process including the new
// root, argv and env of the program to be executed.
type Runner struct {
	// argv and env for execve syscall for the child process
	Args []string
	Env  []string

	// Path of the program inside Root (see LookPath), defaults to Args[0]
	Path string

	// file disriptors map for new process, from 0 to len - 1
	// nil inherits the calling process stdio as is
	Files []uintptr

	// root is the new root directory set by chroot(root), required
	Root string

	// work path set by chdir(dir) after chroot, relative to the new root
	// defaults to "/"
	WorkDir string

	// make every mount point private (MS_REC | MS_PRIVATE) before mounts so that
	// they do not propagate back to the original mount namespace
	// only meaningful when the mount namespace has been unshared
	PrivateMounts bool

	// mounts performed before chroot, targets are host paths under Root
	Mounts []mount.SyscallParams

	// HostName to be set after unshare UTS
	HostName string

	// Pdeathsig is sent to the child when the parent thread exits
	Pdeathsig syscall.Signal

	// seccomp syscall filter applied to child right before execve
	Seccomp *syscall.SockFprog

	// no_new_privs calls prctl(PR_SET_NO_NEW_PRIVS) to disable calls to
	// setuid processes. It is automatically enabled when seccomp filter is provided
	NoNewPrivs bool
}
