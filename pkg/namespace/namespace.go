package namespace

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind is a single namespace kind
type Kind uint8

// Namespace kinds supported for isolation
const (
	Mount Kind = iota + 1
	Cgroup
	IPC
	Net
	UTS
	PID
)

var kindToName = []string{
	"unknown",
	"mnt",
	"cgroup",
	"ipc",
	"net",
	"uts",
	"pid",
}

var kindToFlag = []uintptr{
	0,
	unix.CLONE_NEWNS,
	unix.CLONE_NEWCGROUP,
	unix.CLONE_NEWIPC,
	unix.CLONE_NEWNET,
	unix.CLONE_NEWUTS,
	unix.CLONE_NEWPID,
}

// String returns the file name of the kind under /proc/<pid>/ns
func (k Kind) String() string {
	if k >= Mount && k <= PID {
		return kindToName[k]
	}
	return "unknown"
}

// Flag returns the CLONE_NEW* flag for the kind, 0 if the kind is invalid
func (k Kind) Flag() uintptr {
	if k >= Mount && k <= PID {
		return kindToFlag[k]
	}
	return 0
}

// ParseKind parses kind names. Both the proc file name ("mnt", "net") and
// the long form ("mount", "network") are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mnt", "mount":
		return Mount, nil
	case "cgroup":
		return Cgroup, nil
	case "ipc":
		return IPC, nil
	case "net", "network":
		return Net, nil
	case "uts":
		return UTS, nil
	case "pid":
		return PID, nil
	}
	return 0, fmt.Errorf("namespace: unknown kind %q", s)
}

// Set is a bitset of namespace kinds
type Set uint8

// All is every kind this package isolates
const All = Set(1<<Mount | 1<<Cgroup | 1<<IPC | 1<<Net | 1<<UTS | 1<<PID)

// NewSet creates a set from kinds
func NewSet(kinds ...Kind) Set {
	var s Set
	for _, k := range kinds {
		s = s.With(k)
	}
	return s
}

// ParseSet parses a list of kind names
func ParseSet(names []string) (Set, error) {
	var s Set
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return 0, err
		}
		s = s.With(k)
	}
	return s, nil
}

// With returns the set including k
func (s Set) With(k Kind) Set {
	if k.Flag() == 0 {
		return s
	}
	return s | 1<<k
}

// Has reports whether k is in the set
func (s Set) Has(k Kind) bool {
	return k.Flag() != 0 && s&(1<<k) != 0
}

// Kinds lists the kinds in the set in a fixed order
func (s Set) Kinds() []Kind {
	var ret []Kind
	for k := Mount; k <= PID; k++ {
		if s.Has(k) {
			ret = append(ret, k)
		}
	}
	return ret
}

// Flags returns the OR of CLONE_NEW* flags for unshare
func (s Set) Flags() uintptr {
	var f uintptr
	for _, k := range s.Kinds() {
		f |= k.Flag()
	}
	return f
}

func (s Set) String() string {
	kinds := s.Kinds()
	if len(kinds) == 0 {
		return "none"
	}
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	return strings.Join(names, ",")
}
