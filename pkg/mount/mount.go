// Package mount describes the mounts performed by the isolated child before
// it changes its root, and converts them into the raw syscall arguments the
// child can use without allocating.
package mount

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Mount defines syscall for mount points
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr
}

// SyscallParams defines the raw syscall arguments to mount
type SyscallParams struct {
	Source, Target, FsType, Data *byte
	Flags                        uintptr

	// Prefixes are the target and all its parents, created by the child
	// before the mount
	Prefixes []*byte
}

// IsBindMount reports whether the mount is a bind mount
func (m Mount) IsBindMount() bool {
	return m.Flags&unix.MS_BIND == unix.MS_BIND
}

// IsReadOnly reports whether the mount is read-only
func (m Mount) IsReadOnly() bool {
	return m.Flags&unix.MS_RDONLY == unix.MS_RDONLY
}

func (m Mount) String() string {
	flag := "rw"
	if m.IsReadOnly() {
		flag = "ro"
	}
	switch {
	case m.IsBindMount():
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)
	case m.FsType == "tmpfs":
		return fmt.Sprintf("tmpfs[%s]", m.Target)
	case m.FsType == "proc":
		return fmt.Sprintf("proc[%s]", flag)
	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}

// ToSyscall convert Mount to SyscallPrams
func (m Mount) ToSyscall() (*SyscallParams, error) {
	source, err := syscall.BytePtrFromString(m.Source)
	if err != nil {
		return nil, err
	}
	target, err := syscall.BytePtrFromString(m.Target)
	if err != nil {
		return nil, err
	}
	fsType, err := syscall.BytePtrFromString(m.FsType)
	if err != nil {
		return nil, err
	}
	var data *byte
	if m.Data != "" {
		if data, err = syscall.BytePtrFromString(m.Data); err != nil {
			return nil, err
		}
	}
	prefixes, err := syscall.SlicePtrFromStrings(pathPrefix(m.Target))
	if err != nil {
		return nil, err
	}
	return &SyscallParams{
		Source:   source,
		Target:   target,
		FsType:   fsType,
		Flags:    m.Flags,
		Data:     data,
		Prefixes: prefixes[:len(prefixes)-1], // drop the NULL terminator
	}, nil
}

// pathPrefix get all components from path
func pathPrefix(path string) []string {
	var ret []string
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			ret = append(ret, path[:i])
		}
	}
	return append(ret, path)
}
