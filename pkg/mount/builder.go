package mount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	bind  = unix.MS_BIND | unix.MS_NOSUID | unix.MS_PRIVATE
	mFlag = unix.MS_NOSUID | unix.MS_NOATIME | unix.MS_NODEV
)

// ErrEscape is returned by Build when a mount target resolves outside the
// root, either through ".." or through a symlink inside the root
var ErrEscape = errors.New("mount: target escapes the root")

// Builder builds fork_exec friendly mount syscall format
type Builder struct {
	Mounts []Mount
}

// NewBuilder creates new mount builder instance
func NewBuilder() *Builder {
	return &Builder{}
}

// WithMount add single mount to builder
func (b *Builder) WithMount(m ...Mount) *Builder {
	b.Mounts = append(b.Mounts, m...)
	return b
}

// WithBind adds a bind mount from the host source to the target inside root
func (b *Builder) WithBind(source, target string, readonly bool) *Builder {
	var flags uintptr = bind
	if readonly {
		flags |= unix.MS_RDONLY
	}
	return b.WithMount(Mount{
		Source: source,
		Target: target,
		Flags:  flags,
	})
}

// WithTmpfs add a tmpfs mount to builder
func (b *Builder) WithTmpfs(target, data string) *Builder {
	return b.WithMount(Mount{
		Source: "tmpfs",
		Target: target,
		FsType: "tmpfs",
		Flags:  mFlag,
		Data:   data,
	})
}

// WithProc mounts proc at /proc, it reflects the pid namespace of the
// mounting process only when that namespace is unshared
func (b *Builder) WithProc() *Builder {
	return b.WithMount(Mount{
		Source: "proc",
		Target: "/proc",
		FsType: "proc",
		Flags:  unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC,
	})
}

// Build creates sequence of syscalls for fork_exec. Targets are interpreted
// inside root and converted to host paths, since the child mounts before it
// changes the root.
func (b *Builder) Build(root string) ([]SyscallParams, error) {
	ret := make([]SyscallParams, 0, len(b.Mounts))
	for _, m := range b.Mounts {
		target, err := joinRoot(root, m.Target)
		if err != nil {
			return nil, err
		}
		if err := checkTarget(root, target); err != nil {
			return nil, err
		}
		if m.IsBindMount() {
			if _, err := os.Stat(m.Source); err != nil {
				return nil, fmt.Errorf("mount: bind source: %w", err)
			}
		}
		m.Target = target
		sp, err := m.ToSyscall()
		if err != nil {
			return nil, err
		}
		ret = append(ret, *sp)
	}
	return ret, nil
}

func joinRoot(root, target string) (string, error) {
	rel := filepath.Clean("/" + target)
	if rel == "/" {
		return "", fmt.Errorf("%w: %q", ErrEscape, target)
	}
	for _, c := range strings.Split(target, "/") {
		if c == ".." {
			return "", fmt.Errorf("%w: %q", ErrEscape, target)
		}
	}
	return filepath.Join(root, rel), nil
}

// checkTarget rejects targets with a symlink below root. The child creates
// and mounts targets on host paths before it changes the root, where a link
// in the image would resolve against the host.
func checkTarget(root, target string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return err
	}
	p := root
	for _, c := range strings.Split(rel, string(filepath.Separator)) {
		p = filepath.Join(p, c)
		fi, err := os.Lstat(p)
		if errors.Is(err, os.ErrNotExist) {
			// created by the child with mkdirat
			return nil
		}
		if err != nil {
			return fmt.Errorf("mount: target: %w", err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q is a symlink", ErrEscape, p)
		}
	}
	return nil
}

func (b Builder) String() string {
	var sb strings.Builder
	sb.WriteString("Mounts: ")
	for i, m := range b.Mounts {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(m.String())
	}
	return sb.String()
}

// Parse parses the command line form of a mount:
//
//	proc
//	tmpfs:<target>[:<data>]
//	bind:<source>:<target>[:ro]
func Parse(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	var b Builder
	switch {
	case parts[0] == "proc" && len(parts) == 1:
		b.WithProc()
	case parts[0] == "tmpfs" && len(parts) == 2:
		b.WithTmpfs(parts[1], "")
	case parts[0] == "tmpfs" && len(parts) == 3:
		b.WithTmpfs(parts[1], parts[2])
	case parts[0] == "bind" && len(parts) == 3:
		b.WithBind(parts[1], parts[2], false)
	case parts[0] == "bind" && len(parts) == 4 && parts[3] == "ro":
		b.WithBind(parts[1], parts[2], true)
	default:
		return Mount{}, fmt.Errorf("mount: invalid mount %q", s)
	}
	return b.Mounts[0], nil
}
