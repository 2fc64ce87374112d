package bootstrap

import (
	"archive/tar"
	"bytes"
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/criyle/nsboot/pkg/forkexec"
	"github.com/criyle/nsboot/pkg/mount"
	"github.com/criyle/nsboot/pkg/namespace"
	"github.com/criyle/nsboot/pkg/pipe"
	"github.com/criyle/nsboot/pkg/rootfs"
)

var testEnv = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin"}

// requireIsolation skips unless namespaces can be unshared, which needs
// root and a runtime that does not filter unshare
func requireIsolation(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("isolation requires root")
	}
	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		errCh <- namespace.Unshare(namespace.All)
	}()
	if err := <-errCh; err != nil {
		t.Skipf("namespaces unavailable: %v", err)
	}
}

func requireNonRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() == 0 {
		t.Skip("test relies on missing privileges")
	}
}

func emptyRoot(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "rootfs"), 0755))
	cfg := DefaultConfig()
	cfg.ImagePath = filepath.Join(dir, "missing.tar.gz")
	cfg.RootfsDir = filepath.Join(dir, "rootfs")
	cfg.ExtractDir = dir
	cfg.Env = testEnv
	return cfg
}

func requireFatal(t *testing.T, err error, stage Stage) *FatalError {
	t.Helper()
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, stage, fe.Stage, err.Error())
	return fe
}

func TestStageString(t *testing.T) {
	tests := []struct {
		stage Stage
		want  string
	}{
		{StageConfig, "config"},
		{StageProvision, "provision"},
		{StageEnter, "enter"},
		{StageUnshare, "unshare"},
		{StageWait, "wait"},
		{Stage(42), "stage(42)"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.stage.String())
	}
}

func TestFatalError(t *testing.T) {
	err := &FatalError{Stage: StageFork, Err: syscall.EAGAIN, Partial: true}
	require.Equal(t, "fork (isolation partially applied): resource temporarily unavailable", err.Error())
	require.ErrorIs(t, err, syscall.EAGAIN)

	err = &FatalError{Stage: StageUnshare, Err: syscall.EPERM}
	require.Equal(t, "unshare: operation not permitted", err.Error())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"default", func(*Config) {}, nil},
		{"no program", func(c *Config) { c.Program = "" }, errNoProgram},
		{"no rootfs", func(c *Config) { c.RootfsDir = "" }, errNoRootfs},
		{"hostname without uts", func(c *Config) {
			c.HostName = "box"
			c.Namespaces = namespace.NewSet(namespace.PID)
		}, errHostName},
		{"mounts without mnt", func(c *Config) {
			c.Mounts = mount.NewBuilder().WithProc().Mounts
			c.Namespaces = namespace.NewSet(namespace.PID, namespace.UTS)
		}, errMounts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)

			_, err = Run(context.Background(), cfg)
			requireFatal(t, err, StageConfig)
		})
	}
}

func TestRunMissingImage(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ImagePath = filepath.Join(dir, "missing.tar.gz")
	cfg.RootfsDir = filepath.Join(dir, "rootfs")
	cfg.ExtractDir = dir

	_, err := Run(context.Background(), cfg)
	fe := requireFatal(t, err, StageProvision)
	require.False(t, fe.Partial)
	require.ErrorIs(t, err, fs.ErrNotExist)

	var re *rootfs.Error
	require.ErrorAs(t, err, &re)
	require.Equal(t, "open", re.Op)

	_, err = os.Stat(cfg.RootfsDir)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRunCopyFailure(t *testing.T) {
	cfg := emptyRoot(t)
	cfg.Copies = []rootfs.Copy{{Source: filepath.Join(t.TempDir(), "hello.sh")}}

	_, err := Run(context.Background(), cfg)
	requireFatal(t, err, StageCopy)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRunMountThroughSymlink(t *testing.T) {
	cfg := emptyRoot(t)
	host := t.TempDir()
	require.NoError(t, os.Symlink(host, filepath.Join(cfg.RootfsDir, "data")))
	cfg.Mounts = mount.NewBuilder().WithTmpfs("/data/a/b", "").Mounts

	_, err := Run(context.Background(), cfg)
	fe := requireFatal(t, err, StagePrepare)
	require.False(t, fe.Partial)
	require.ErrorIs(t, err, mount.ErrEscape)

	_, err = os.Stat(filepath.Join(host, "a"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRunCanceled(t *testing.T) {
	cfg := emptyRoot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, cfg)
	require.ErrorIs(t, err, context.Canceled)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	require.False(t, fe.Partial)
}

func TestRunNamespaceDenied(t *testing.T) {
	requireNonRoot(t)

	tests := []struct {
		name  string
		join  bool
		stage Stage
	}{
		{"enter", true, StageEnter},
		{"unshare", false, StageUnshare},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := emptyRoot(t)
			cfg.JoinPIDNamespace = tt.join

			_, err := Run(context.Background(), cfg)
			fe := requireFatal(t, err, tt.stage)
			require.False(t, fe.Partial)

			var nsErr *namespace.Error
			require.ErrorAs(t, err, &nsErr)
			require.Equal(t, syscall.EPERM, nsErr.Errno())
		})
	}
}

func TestRunChildConfinementFailure(t *testing.T) {
	requireNonRoot(t)

	cfg := emptyRoot(t)
	cfg.Namespaces = 0
	cfg.JoinPIDNamespace = false
	cfg.Program = "/bin/true"
	cfg.Args = nil

	// the child fails, the bootstrap does not
	r, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, r.Rootfs.Provisioned)
	require.False(t, r.Rootfs.Extracted)
	require.False(t, r.Outcome.Success())
	require.NotNil(t, r.Outcome.Failure)
	require.Equal(t, forkexec.LocChroot, r.Outcome.Failure.Location)
	require.ErrorIs(t, r.Outcome.Failure, syscall.EPERM)
}

func TestRunIsolated(t *testing.T) {
	requireIsolation(t)

	tests := []struct {
		name   string
		script string
		modify func(*Config)
	}{
		{
			name:   "pid 1",
			script: "test $$ -eq 1",
		},
		{
			name:   "hostname",
			script: `test "$(cat /proc/sys/kernel/hostname)" = nsboot-test`,
			modify: func(c *Config) { c.HostName = "nsboot-test" },
		},
		{
			name:   "proc",
			script: `test "$(cat /proc/1/comm)" = sh`,
			modify: func(c *Config) { c.Mounts = mount.NewBuilder().WithProc().Mounts },
		},
		{
			name:   "work dir",
			script: `test "$(pwd)" = /tmp`,
			modify: func(c *Config) { c.WorkDir = "/tmp" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.RootfsDir = "/"
			cfg.Program = "sh"
			cfg.Args = []string{"-c", tt.script}
			cfg.Env = testEnv
			if tt.modify != nil {
				tt.modify(&cfg)
			}

			r, err := Run(context.Background(), cfg)
			require.NoError(t, err)
			require.Nil(t, r.Outcome.Failure)
			require.True(t, r.Outcome.Success(), r.Outcome.String())
			require.True(t, strings.HasSuffix(r.Program, "/sh"), r.Program)

			// reaped by Run
			_, err = syscall.Wait4(r.Outcome.Pid, nil, syscall.WNOHANG, nil)
			require.ErrorIs(t, err, syscall.ECHILD)
		})
	}
}

func TestRunProgramNotFound(t *testing.T) {
	requireIsolation(t)

	cfg := DefaultConfig()
	cfg.RootfsDir = "/"
	cfg.Program = "nsboot-no-such-program"
	cfg.Env = testEnv

	r, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, r.Outcome.Failure)
	require.Equal(t, forkexec.LocExecve, r.Outcome.Failure.Location)
	require.ErrorIs(t, r.Outcome.Failure, syscall.ENOENT)
}

// hostImage writes a gzip image with a rootfs directory holding the host's
// sh and ls and the shared objects they load, as reported by ldd
func hostImage(t *testing.T, dir string) string {
	t.Helper()
	if _, err := exec.LookPath("ldd"); err != nil {
		t.Skip("ldd is required to collect shared objects")
	}
	files := make(map[string]string) // path in image => host file
	for _, name := range []string{"sh", "ls"} {
		p, err := exec.LookPath(name)
		if err != nil {
			t.Skipf("%s not found on the host", name)
		}
		bin, err := filepath.EvalSymlinks(p)
		require.NoError(t, err)
		files["/bin/"+name] = bin

		out, err := exec.Command("ldd", bin).CombinedOutput()
		if err != nil && !strings.Contains(string(out), "not a dynamic") {
			t.Skipf("ldd %s: %v: %s", bin, err, out)
		}
		for _, lib := range sharedObjects(string(out)) {
			files[lib] = lib
		}
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "rootfs/", Typeflag: tar.TypeDir, Mode: 0755}))
	for name, src := range files {
		b, err := os.ReadFile(src)
		require.NoError(t, err)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "rootfs" + name,
			Typeflag: tar.TypeReg,
			Mode:     0755,
			Size:     int64(len(b)),
		}))
		_, err = tw.Write(b)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	image := filepath.Join(dir, "rootfs.tar.gz")
	require.NoError(t, os.WriteFile(image, buf.Bytes(), 0644))
	return image
}

// sharedObjects picks the absolute paths out of ldd output, both
// "libc.so.6 => /lib/libc.so.6 (0x...)" and "/lib64/ld-linux.so.2 (0x...)"
func sharedObjects(out string) []string {
	var libs []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "=>" && i+1 < len(fields) && strings.HasPrefix(fields[i+1], "/") {
				libs = append(libs, fields[i+1])
				break
			}
			if i == 0 && strings.HasPrefix(f, "/") {
				libs = append(libs, f)
				break
			}
		}
	}
	return libs
}

func TestSharedObjects(t *testing.T) {
	out := "\tlinux-vdso.so.1 (0x00007ffd)\n" +
		"\tlibc.so.6 => /lib/x86_64-linux-gnu/libc.so.6 (0x00007f12)\n" +
		"\t/lib64/ld-linux-x86-64.so.2 (0x00007f34)\n" +
		"\tlibgone.so => not found\n"
	require.Equal(t, []string{
		"/lib/x86_64-linux-gnu/libc.so.6",
		"/lib64/ld-linux-x86-64.so.2",
	}, sharedObjects(out))
	require.Empty(t, sharedObjects("\tnot a dynamic executable\n"))
}

// TestEndToEnd unpacks an image built from host binaries, copies a script
// into the root and runs it isolated
func TestEndToEnd(t *testing.T) {
	requireIsolation(t)

	dir := t.TempDir()
	image := hostImage(t, t.TempDir())
	hello := filepath.Join(t.TempDir(), "hello.sh")
	require.NoError(t, os.WriteFile(hello, []byte("#!/bin/sh\necho hello from $$\n"), 0755))

	cfg := DefaultConfig()
	cfg.ImagePath = image
	cfg.RootfsDir = filepath.Join(dir, "rootfs")
	cfg.ExtractDir = dir
	cfg.Copies = []rootfs.Copy{{Source: hello}}
	cfg.Env = testEnv

	run := func(t *testing.T, cfg Config) (Result, string) {
		t.Helper()
		out, err := pipe.NewBuffer(1 << 16)
		require.NoError(t, err)
		cfg.Files = []uintptr{os.Stdin.Fd(), out.W.Fd(), os.Stderr.Fd()}

		r, err := Run(context.Background(), cfg)
		b := out.Wait()
		require.NoError(t, err)
		require.False(t, out.Truncated())
		return r, string(b)
	}

	r, out := run(t, cfg)
	require.True(t, r.Rootfs.Extracted)
	require.Nil(t, r.Outcome.Failure)
	require.True(t, r.Outcome.Success(), r.Outcome.String())
	require.Contains(t, out, "hello.sh")

	// second run reuses the root
	cfg.Program = "/hello.sh"
	cfg.Args = nil
	r, out = run(t, cfg)
	require.False(t, r.Rootfs.Extracted)
	require.Nil(t, r.Outcome.Failure)
	require.True(t, r.Outcome.Success(), r.Outcome.String())
	require.Equal(t, "hello from 1\n", out)

	// paths outside the root are unreachable
	cfg.Program = "/bin/sh"
	cfg.Args = []string{"-c", "test ! -e " + hello + " && test -x /hello.sh"}
	r, _ = run(t, cfg)
	require.Nil(t, r.Outcome.Failure)
	require.True(t, r.Outcome.Success(), r.Outcome.String())
}
