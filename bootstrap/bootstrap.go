// Package bootstrap runs the isolation sequence: provision the root
// filesystem, copy helper files into it, join and unshare namespaces, fork a
// child confined to the root and wait for it.
package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"syscall"

	"github.com/criyle/nsboot/pkg/forkexec"
	"github.com/criyle/nsboot/pkg/mount"
	"github.com/criyle/nsboot/pkg/namespace"
	"github.com/criyle/nsboot/pkg/rootfs"
)

// Result is the outcome of a bootstrap that reached the child
type Result struct {
	Rootfs  rootfs.Filesystem
	Program string // path of the program executed inside the root
	Outcome forkexec.Outcome
}

// Run executes the sequence on a dedicated OS thread. The thread is never
// handed back to the Go scheduler, so the namespace changes die with it and
// the rest of the process keeps its original namespaces.
//
// A returned error is always a *FatalError. A child that failed to confine
// itself or to exec is not an error and is reported by Result.Outcome.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, &FatalError{Stage: StageConfig, Err: err}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	type ret struct {
		r   Result
		err error
	}
	done := make(chan ret, 1)
	go func() {
		// no UnlockOSThread: the runtime terminates the thread when the
		// goroutine exits
		runtime.LockOSThread()
		r, err := run(ctx, &cfg)
		done <- ret{r, err}
	}()
	v := <-done
	return v.r, v.err
}

type sequence struct {
	cfg      *Config
	log      *slog.Logger
	unshared bool
}

func (s *sequence) fatal(stage Stage, err error) error {
	s.log.Error("bootstrap failed", "stage", stage, "error", err)
	return &FatalError{Stage: stage, Err: err, Partial: s.unshared}
}

// run must be called on a locked OS thread
func run(ctx context.Context, cfg *Config) (Result, error) {
	s := &sequence{cfg: cfg, log: cfg.Logger}
	var result Result

	// 1. provision
	fsys, err := rootfs.Ensure(ctx, rootfs.Options{
		Image:      cfg.ImagePath,
		Root:       cfg.RootfsDir,
		ExtractDir: cfg.ExtractDir,
		Digest:     cfg.ImageDigest,
		LockPath:   cfg.LockPath,
		Logger:     s.log,
	})
	if err != nil {
		return result, s.fatal(StageProvision, err)
	}
	result.Rootfs = fsys

	// 2. copy helpers, the root exists from here on
	for _, c := range cfg.Copies {
		s.log.Info("copying file into root", "copy", c.String())
		if err := rootfs.CopyInto(fsys, c); err != nil {
			return result, s.fatal(StageCopy, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return result, s.fatal(StageCopy, err)
	}

	// 3. everything the child needs is computed before namespaces change
	runner, err := s.prepare(fsys)
	if err != nil {
		return result, s.fatal(StagePrepare, err)
	}
	result.Program = runner.Path

	// 4. join our own pid namespace, it must come before unshare which
	// replaces the namespace it operates on
	if cfg.JoinPIDNamespace {
		pid := os.Getpid()
		s.log.Debug("joining pid namespace", "pid", pid, "path", namespace.Path(namespace.PID, pid))
		if err := namespace.Enter(namespace.PID, pid); err != nil {
			return result, s.fatal(StageEnter, err)
		}
		if same, err := namespace.Joined(namespace.PID, pid); err != nil || !same {
			if err == nil {
				err = &namespace.Error{Op: "setns", Path: namespace.Path(namespace.PID, pid),
					Set: namespace.NewSet(namespace.PID), Err: syscall.EINVAL}
			}
			return result, s.fatal(StageEnter, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return result, s.fatal(StageEnter, err)
	}

	// 5. unshare, children forked afterwards inherit the new namespaces
	s.log.Info("unsharing namespaces", "namespaces", cfg.Namespaces)
	if err := namespace.Unshare(cfg.Namespaces); err != nil {
		return result, s.fatal(StageUnshare, err)
	}
	s.unshared = cfg.Namespaces != 0

	// 6. fork, no cancellation from here on
	child, err := runner.Start()
	if err != nil {
		return result, s.fatal(StageFork, err)
	}
	s.log.Info("child started", "pid", child.Pid, "program", result.Program)
	if f := child.Failure(); f != nil {
		s.log.Debug("child failed before exec", "error", f)
	}

	// 7. wait
	o, err := child.Wait()
	if err != nil {
		return result, s.fatal(StageWait, err)
	}
	result.Outcome = o
	s.log.Info("child terminated", "outcome", o.String())
	return result, nil
}

func (s *sequence) prepare(fsys rootfs.Filesystem) (*forkexec.Runner, error) {
	cfg := s.cfg
	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}

	// a missing program is a failure of the child's exec, not of the
	// bootstrap, the name is then passed as is
	program, err := forkexec.LookPath(fsys.Path, cfg.Program, env)
	if err != nil {
		s.log.Debug("program not found in root", "program", cfg.Program, "error", err)
		program = cfg.Program
	}

	mounts, err := mount.NewBuilder().WithMount(cfg.Mounts...).Build(fsys.Path)
	if err != nil {
		return nil, err
	}

	r := &forkexec.Runner{
		Args:          append([]string{cfg.Program}, cfg.Args...),
		Path:          program,
		Env:           env,
		Files:         cfg.Files,
		Root:          fsys.Path,
		WorkDir:       cfg.WorkDir,
		PrivateMounts: cfg.Namespaces.Has(namespace.Mount),
		Mounts:        mounts,
		HostName:      cfg.HostName,
		Pdeathsig:     syscall.SIGKILL,
	}
	if cfg.Seccomp != nil {
		filter, err := cfg.Seccomp.Build()
		if err != nil {
			return nil, err
		}
		r.Seccomp = filter.SockFprog()
		r.NoNewPrivs = true
	}
	return r, nil
}
