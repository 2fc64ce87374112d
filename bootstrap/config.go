package bootstrap

import (
	"errors"
	"log/slog"

	"github.com/criyle/nsboot/pkg/mount"
	"github.com/criyle/nsboot/pkg/namespace"
	"github.com/criyle/nsboot/pkg/rootfs"
	"github.com/criyle/nsboot/pkg/seccomp"
)

// Defaults of Config
const (
	DefaultImagePath = "rootfs.tar.gz"
	DefaultRootfsDir = "rootfs"
	DefaultProgram   = "ls"
)

// Config is the complete description of one isolated launch. It is built
// before the sequence starts and not modified afterwards.
type Config struct {
	// image provisioning, see rootfs.Options
	ImagePath   string
	RootfsDir   string
	ExtractDir  string
	ImageDigest string
	LockPath    string

	// files copied into the root after provisioning
	Copies []rootfs.Copy

	// namespaces the child is isolated in
	Namespaces namespace.Set

	// join the pid namespace of the bootstrap process before unsharing
	JoinPIDNamespace bool

	// program is looked up in the PATH of Env inside the root unless it
	// contains a slash; Args excludes argv[0]
	Program string
	Args    []string

	// environment of the program, nil inherits the bootstrap's
	Env []string

	// work directory inside the root, defaults to /
	WorkDir string

	// HostName is set when the UTS namespace is isolated
	HostName string

	// Mounts are performed inside the isolated mount namespace
	Mounts []mount.Mount

	// Seccomp filter loaded before exec, nil loads none
	Seccomp *seccomp.Policy

	// Files maps the child fds, nil inherits stdin, stdout and stderr
	Files []uintptr

	Logger *slog.Logger
}

// DefaultConfig lists the root of the image in all namespaces
func DefaultConfig() Config {
	return Config{
		ImagePath:        DefaultImagePath,
		RootfsDir:        DefaultRootfsDir,
		Namespaces:       namespace.All,
		JoinPIDNamespace: true,
		Program:          DefaultProgram,
		Args:             []string{"-l"},
	}
}

var (
	errNoProgram = errors.New("no program")
	errNoRootfs  = errors.New("no rootfs directory")
	errHostName  = errors.New("hostname requires the uts namespace")
	errMounts    = errors.New("mounts require the mnt namespace")
)

// Validate checks the combination of options before anything is touched
func (c *Config) Validate() error {
	var errs []error
	if c.Program == "" {
		errs = append(errs, errNoProgram)
	}
	if c.RootfsDir == "" {
		errs = append(errs, errNoRootfs)
	}
	// outside of the namespaces they would apply to the host
	if c.HostName != "" && !c.Namespaces.Has(namespace.UTS) {
		errs = append(errs, errHostName)
	}
	if len(c.Mounts) > 0 && !c.Namespaces.Has(namespace.Mount) {
		errs = append(errs, errMounts)
	}
	return errors.Join(errs...)
}
