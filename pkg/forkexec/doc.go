// Package forkexec forks the calling thread, confines the child to a new root
// with chroot and chdir, and executes the target program.
//
// The child branch runs between clone and execve with only raw syscalls on
// memory prepared by the parent. It never returns to Go code: on failure it
// reports a ChildError through a close-on-exec pipe and exits.
//
// The fork happens on the calling OS thread, so namespaces unshared on that
// thread are inherited by the child.
package forkexec
