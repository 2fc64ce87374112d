package forkexec

import (
	"time"

	"golang.org/x/sys/unix"
)

// defines missing consts from syscall package
const (
	SECCOMP_SET_MODE_STRICT   = 0
	SECCOMP_SET_MODE_FILTER   = 1
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// Read-only bind mount need to be remounted
	bindRo = unix.MS_BIND | unix.MS_RDONLY
)

// used by remount / to private
var (
	none  = [...]byte{'n', 'o', 'n', 'e', 0}
	slash = [...]byte{'/', 0}
	empty = [...]byte{0}

	// go does not allow constant uintptr to be negative...
	_AT_FDCWD = unix.AT_FDCWD

	etxtbsyRetryInterval = unix.Timespec{
		Nsec: int64(time.Millisecond),
	}
)
