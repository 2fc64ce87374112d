// Package namespace joins and creates linux namespaces for the calling thread.
//
// Namespace membership is a property of the task (thread), not of the whole
// process. Callers must lock the goroutine to its OS thread with
// runtime.LockOSThread before calling Enter or Unshare, and fork from that same
// thread afterwards. The thread should never be unlocked, so that the runtime
// terminates it once the goroutine exits.
//
// unshare cgroup namespace requires kernel >= 4.6
package namespace
