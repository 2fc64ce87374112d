package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/serpent"

	"github.com/criyle/nsboot/bootstrap"
	"github.com/criyle/nsboot/pkg/mount"
	"github.com/criyle/nsboot/pkg/namespace"
	"github.com/criyle/nsboot/pkg/pipe"
	"github.com/criyle/nsboot/pkg/rootfs"
	"github.com/criyle/nsboot/pkg/seccomp"
)

// Config holds all configuration for the CLI
type Config struct {
	ConfigPath string

	Image      string
	Rootfs     string
	ExtractDir string
	Digest     string
	Lock       string
	Copies     []string

	Namespaces         string
	NoJoinPIDNamespace bool

	HostName string
	WorkDir  string
	Mounts   []string
	Env      []string

	OutputLimit int64

	Seccomp       bool
	SeccompDeny   []string
	SeccompAction string

	LogLevel string
}

// NewCommand creates and returns the root serpent command
func NewCommand() *serpent.Command {
	var config Config

	return &serpent.Command{
		Use:   "nsboot [flags] -- program [args...]",
		Short: "Run a program confined to a root filesystem image in new namespaces",
		Long: `nsboot unpacks a root filesystem image once, moves into fresh mount, cgroup,
IPC, network, UTS and PID namespaces, and runs the program as PID 1 chrooted
into the unpacked root. Without a program it runs "ls -l" in the root.

Examples:
  # List the root of ./rootfs.tar.gz unpacked into ./rootfs
  sudo nsboot

  # Run a helper script copied into the root
  sudo nsboot --copy hello.sh -- /bin/sh /hello.sh

  # Zstd image, private /proc and a syscall filter
  sudo nsboot --image alpine.tar.zst --mount proc --seccomp -- ps`,
		Options: serpent.OptionSet{
			{
				Name:        "config",
				Flag:        "config",
				Env:         "NSBOOT_CONFIG",
				Description: "Path to a YAML config file, defaults to $XDG_CONFIG_HOME/nsboot/config.yaml when it exists.",
				Value:       serpent.StringOf(&config.ConfigPath),
			},
			{
				Name:        "image",
				Flag:        "image",
				Env:         "NSBOOT_IMAGE",
				Description: "Root filesystem image, a tar archive optionally compressed with gzip, zstd or lz4 (default rootfs.tar.gz).",
				Value:       serpent.StringOf(&config.Image),
			},
			{
				Name:        "rootfs",
				Flag:        "rootfs",
				Env:         "NSBOOT_ROOTFS",
				Description: "Root directory contained in the image, unpacked only when absent (default rootfs).",
				Value:       serpent.StringOf(&config.Rootfs),
			},
			{
				Name:        "extract-dir",
				Flag:        "extract-dir",
				Env:         "NSBOOT_EXTRACT_DIR",
				Description: "Directory the image is unpacked into (default the working directory).",
				Value:       serpent.StringOf(&config.ExtractDir),
			},
			{
				Name:        "digest",
				Flag:        "digest",
				Env:         "NSBOOT_DIGEST",
				Description: "Expected BLAKE3 digest of the image, checked while unpacking.",
				Value:       serpent.StringOf(&config.Digest),
			},
			{
				Name:        "lock",
				Flag:        "lock",
				Env:         "NSBOOT_LOCK",
				Description: "Lock file serializing concurrent unpacking of the same root.",
				Value:       serpent.StringOf(&config.Lock),
			},
			{
				Name:        "copy",
				Flag:        "copy",
				Env:         "NSBOOT_COPY",
				Description: "Copy a host file into the root (can be specified multiple times). Format: 'source[:target]'.",
				Value:       serpent.StringArrayOf(&config.Copies),
			},
			{
				Name:        "namespaces",
				Flag:        "namespaces",
				Env:         "NSBOOT_NAMESPACES",
				Description: "Namespaces to isolate: 'all', 'none' or a comma separated list of mnt, cgroup, ipc, net, uts, pid (default all).",
				Value:       serpent.StringOf(&config.Namespaces),
			},
			{
				Name:        "no-join-pid-ns",
				Flag:        "no-join-pid-ns",
				Env:         "NSBOOT_NO_JOIN_PID_NS",
				Description: "Skip joining the current pid namespace before unsharing.",
				Value:       serpent.BoolOf(&config.NoJoinPIDNamespace),
			},
			{
				Name:        "hostname",
				Flag:        "hostname",
				Env:         "NSBOOT_HOSTNAME",
				Description: "Hostname inside the UTS namespace.",
				Value:       serpent.StringOf(&config.HostName),
			},
			{
				Name:        "workdir",
				Flag:        "workdir",
				Env:         "NSBOOT_WORKDIR",
				Description: "Working directory inside the root (default /).",
				Value:       serpent.StringOf(&config.WorkDir),
			},
			{
				Name:        "mount",
				Flag:        "mount",
				Env:         "NSBOOT_MOUNT",
				Description: "Mount inside the root (can be specified multiple times). Format: 'proc', 'tmpfs:target[:data]' or 'bind:source:target[:ro]'.",
				Value:       serpent.StringArrayOf(&config.Mounts),
			},
			{
				Name:        "env",
				Flag:        "env",
				Env:         "NSBOOT_ENV",
				Description: "Environment of the program (can be specified multiple times), inherited when empty.",
				Value:       serpent.StringArrayOf(&config.Env),
			},
			{
				Name:        "output-limit",
				Flag:        "output-limit",
				Env:         "NSBOOT_OUTPUT_LIMIT",
				Description: "Collect at most this many bytes of the program's stdout and print them once it terminates, 0 passes stdout through.",
				Value:       serpent.Int64Of(&config.OutputLimit),
			},
			{
				Name:        "seccomp",
				Flag:        "seccomp",
				Env:         "NSBOOT_SECCOMP",
				Description: "Load a seccomp filter denying mount, namespace and kernel administration syscalls.",
				Value:       serpent.BoolOf(&config.Seccomp),
			},
			{
				Name:        "seccomp-deny",
				Flag:        "seccomp-deny",
				Env:         "NSBOOT_SECCOMP_DENY",
				Description: "Syscalls denied by the seccomp filter, replacing the default list.",
				Value:       serpent.StringArrayOf(&config.SeccompDeny),
			},
			{
				Name:        "seccomp-action",
				Flag:        "seccomp-action",
				Env:         "NSBOOT_SECCOMP_ACTION",
				Description: "Action on denied syscalls (errno, kill, trap, log).",
				Value:       serpent.StringOf(&config.SeccompAction),
			},
			{
				Name:        "log-level",
				Flag:        "log-level",
				Env:         "NSBOOT_LOG_LEVEL",
				Description: "Set log level (error, warn, info, debug).",
				Value:       serpent.StringOf(&config.LogLevel),
			},
		},
		Children: []*serpent.Command{
			digestCommand(),
		},
		Handler: func(inv *serpent.Invocation) error {
			file, path, err := loadConfigFile(config.ConfigPath)
			if err != nil {
				return err
			}
			final, command := mergeConfig(file, config, inv.Args)
			logger := setupLogging(final.LogLevel)
			if path != "" {
				logger.Debug("loaded config file", "path", path)
			}
			return Run(inv.Context(), final, command, inv.Stdout, logger)
		},
	}
}

func digestCommand() *serpent.Command {
	return &serpent.Command{
		Use:   "digest <image>",
		Short: "Print the BLAKE3 digest of an image for --digest",
		Handler: func(inv *serpent.Invocation) error {
			if len(inv.Args) != 1 {
				return fmt.Errorf("expected one image, got %d arguments", len(inv.Args))
			}
			f, err := os.Open(inv.Args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			d, err := rootfs.Digest(f)
			if err != nil {
				return fmt.Errorf("failed to hash %s: %w", inv.Args[0], err)
			}
			_, err = fmt.Fprintf(inv.Stdout, "blake3:%s  %s\n", d, inv.Args[0])
			return err
		},
	}
}

// Run executes the bootstrap with the given configuration and command.
// stdout receives the collected output when config.OutputLimit is set.
func Run(ctx context.Context, config Config, command []string, stdout io.Writer, logger *slog.Logger) error {
	// keep waiting for the child on interrupt, it receives the signal itself
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := buildConfig(config, command)
	if err != nil {
		return err
	}
	cfg.Logger = logger

	var out *pipe.Buffer
	if config.OutputLimit > 0 {
		if out, err = pipe.NewBuffer(config.OutputLimit); err != nil {
			return err
		}
		cfg.Files = []uintptr{os.Stdin.Fd(), out.W.Fd(), os.Stderr.Fd()}
	}

	r, err := bootstrap.Run(ctx, cfg)
	if out != nil {
		b := out.Wait()
		if out.Truncated() {
			logger.Warn("program output truncated", "limit", config.OutputLimit)
		}
		if _, werr := stdout.Write(b); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		return err
	}
	if f := r.Outcome.Failure; f != nil {
		return fmt.Errorf("child failed to run %s: %w", r.Program, f)
	}
	logger.Info("program finished", "program", r.Program, "outcome", r.Outcome.String())
	return nil
}

// buildConfig converts merged CLI options into the bootstrap configuration
func buildConfig(config Config, command []string) (bootstrap.Config, error) {
	cfg := bootstrap.DefaultConfig()
	var errs []error

	setString(&cfg.ImagePath, config.Image)
	setString(&cfg.RootfsDir, config.Rootfs)
	cfg.ExtractDir = config.ExtractDir
	cfg.ImageDigest = config.Digest
	cfg.LockPath = config.Lock
	cfg.HostName = config.HostName
	cfg.WorkDir = config.WorkDir
	cfg.JoinPIDNamespace = !config.NoJoinPIDNamespace
	if len(config.Env) > 0 {
		cfg.Env = config.Env
	}
	if len(command) > 0 {
		cfg.Program = command[0]
		cfg.Args = command[1:]
	}

	if config.OutputLimit < 0 {
		errs = append(errs, fmt.Errorf("negative output limit %d", config.OutputLimit))
	}

	ns, err := parseNamespaces(config.Namespaces)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Namespaces = ns

	for _, s := range config.Copies {
		c, err := rootfs.ParseCopy(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cfg.Copies = append(cfg.Copies, c)
	}
	for _, s := range config.Mounts {
		m, err := mount.Parse(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cfg.Mounts = append(cfg.Mounts, m)
	}

	if config.Seccomp || len(config.SeccompDeny) > 0 {
		p := &seccomp.Policy{Deny: seccomp.DefaultDeny}
		if len(config.SeccompDeny) > 0 {
			p.Deny = config.SeccompDeny
		}
		if config.SeccompAction != "" {
			if p.Action, err = seccomp.ParseAction(config.SeccompAction); err != nil {
				errs = append(errs, err)
			}
		}
		cfg.Seccomp = p
	}

	if err := errors.Join(errs...); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseNamespaces(s string) (namespace.Set, error) {
	switch strings.TrimSpace(s) {
	case "", "all":
		return namespace.All, nil
	case "none":
		return 0, nil
	}
	return namespace.ParseSet(strings.Split(s, ","))
}

// setupLogging creates a slog logger with the specified level
func setupLogging(logLevel string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}
