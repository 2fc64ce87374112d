package seccomp

import (
	"fmt"
	"strings"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
)

// Action is taken when a denied syscall is invoked
type Action uint8

// Action defines seccomp action to the denied syscall
// default value 0 is ActionErrno
const (
	ActionErrno Action = iota // fail with EPERM
	ActionKill                // kill the process
	ActionTrap                // deliver SIGSYS
	ActionLog                 // allow but log
)

var actionNames = [...]string{"errno", "kill", "trap", "log"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", a)
}

// ParseAction parses the name of an action
func ParseAction(s string) (Action, error) {
	for i, n := range actionNames {
		if strings.EqualFold(s, n) {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("seccomp: unknown action %q", s)
}

func (a Action) toLib() libseccomp.Action {
	switch a {
	case ActionKill:
		return libseccomp.ActionKillProcess
	case ActionTrap:
		return libseccomp.ActionTrap
	case ActionLog:
		return libseccomp.ActionLog
	default:
		return libseccomp.ActionErrno
	}
}

// DefaultDeny are syscalls that let a confined program undo or escape its
// confinement or affect the host kernel
var DefaultDeny = []string{
	"mount", "umount2", "pivot_root", "setns", "unshare",
	"open_by_handle_at", "reboot", "swapon", "swapoff",
	"init_module", "finit_module", "delete_module", "kexec_load",
}

// Policy allows every syscall except the ones in Deny
type Policy struct {
	Deny   []string
	Action Action
}

// Build assembles the policy for the native architecture. A policy without
// denied syscalls builds into an empty filter.
func (p Policy) Build() (Filter, error) {
	if len(p.Deny) == 0 {
		return nil, nil
	}
	policy := libseccomp.Policy{
		DefaultAction: libseccomp.ActionAllow,
		Syscalls: []libseccomp.SyscallGroup{
			{
				Action: p.Action.toLib(),
				Names:  p.Deny,
			},
		},
	}
	insts, err := policy.Assemble()
	if err != nil {
		return nil, fmt.Errorf("seccomp: assemble: %w", err)
	}
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("seccomp: bpf: %w", err)
	}
	return fromRaw(raw), nil
}
