// Package seccomp builds the syscall filter the isolated child loads right
// before it executes the program.
package seccomp

import (
	"syscall"
	"unsafe"

	"golang.org/x/net/bpf"
)

// Filter is the BPF seccomp filter value
type Filter []syscall.SockFilter

// SockFprog converts Filter to SockFprog for seccomp syscall, nil for an
// empty filter
func (f Filter) SockFprog() *syscall.SockFprog {
	if len(f) == 0 {
		return nil
	}
	return &syscall.SockFprog{
		Len:    uint16(len(f)),
		Filter: &f[0],
	}
}

// fromRaw reinterprets assembled instructions, bpf.RawInstruction has the
// layout of struct sock_filter
func fromRaw(raw []bpf.RawInstruction) Filter {
	if len(raw) == 0 {
		return nil
	}
	return Filter(unsafe.Slice((*syscall.SockFilter)(unsafe.Pointer(&raw[0])), len(raw)))
}
