package forkexec

import (
	"syscall"
)

// prepareExec converts argv and env into NUL terminated arrays before the
// fork, the child must not allocate
func prepareExec(path string, args, env []string) (argv0 *byte, argv, envv []*byte, err error) {
	if argv0, err = syscall.BytePtrFromString(path); err != nil {
		return
	}
	if argv, err = syscall.SlicePtrFromStrings(args); err != nil {
		return
	}
	envv, err = syscall.SlicePtrFromStrings(env)
	return
}

// prepareFds copies the fd map and returns the first fd above all of them,
// which the child uses as scratch space while shuffling
func prepareFds(files []uintptr) (fd []int, nextfd int) {
	fd = make([]int, len(files))
	nextfd = len(files)
	for i, f := range files {
		fd[i] = int(f)
		nextfd = max(nextfd, fd[i])
	}
	return fd, nextfd + 1
}

// syscallStringFromString returns nil for an empty string
func syscallStringFromString(s string) (*byte, error) {
	if s == "" {
		return nil, nil
	}
	return syscall.BytePtrFromString(s)
}
