// Package rootfs provisions the root filesystem the isolated program is
// confined to by unpacking a packaged image, once.
package rootfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// Options configures Ensure
type Options struct {
	// Image is the path of the packaged image, a tar stream optionally
	// compressed with gzip, zstd or lz4
	Image string

	// Root is the directory the image is expected to contain once unpacked.
	// Its existence marks the filesystem as provisioned.
	Root string

	// ExtractDir is where the image is unpacked, Root must be within it.
	// Defaults to the working directory.
	ExtractDir string

	// Digest is the optional hex encoded BLAKE3 hash of Image
	Digest string

	// LockPath is an optional lock file serializing concurrent provisioning
	LockPath string

	Logger *slog.Logger
}

// Filesystem is a provisioned root filesystem
type Filesystem struct {
	Path string // absolute path of the root

	Provisioned bool
	Extracted   bool // unpacked by this call
}

// Ensure makes sure the root directory exists, unpacking the image when it
// does not. An existing root is used as is, whatever its content.
//
// The image is unpacked into a staging directory inside ExtractDir and moved
// in place once complete, so a failed or interrupted unpack never leaves a
// root behind that a later call would take as provisioned.
func Ensure(ctx context.Context, opts Options) (Filesystem, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return Filesystem{}, &Error{Op: "stat", Path: opts.Root, Err: err}
	}
	extractDir := opts.ExtractDir
	if extractDir == "" {
		extractDir = "."
	}
	if extractDir, err = filepath.Abs(extractDir); err != nil {
		return Filesystem{}, &Error{Op: "stat", Path: opts.ExtractDir, Err: err}
	}
	if opts.LockPath != "" {
		unlock, err := lock(ctx, opts.LockPath)
		if err != nil {
			return Filesystem{}, &Error{Op: "lock", Path: opts.LockPath, Err: err}
		}
		defer unlock()
	}

	fsys := Filesystem{Path: root}
	switch fi, err := os.Stat(root); {
	case err == nil && fi.IsDir():
		log.Debug("root filesystem exists", "root", root)
		fsys.Provisioned = true
		return fsys, nil
	case err == nil:
		return fsys, &Error{Op: "stat", Path: root, Err: ErrNotDir}
	case !errors.Is(err, fs.ErrNotExist):
		return fsys, &Error{Op: "stat", Path: root, Err: err}
	}

	rel, err := filepath.Rel(extractDir, root)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return fsys, &Error{Op: "stat", Path: root,
			Err: fmt.Errorf("root is not within the extract directory %s", extractDir)}
	}
	staging, err := os.MkdirTemp(extractDir, ".nsboot-")
	if err != nil {
		return fsys, &Error{Op: "unpack", Path: extractDir, Err: err}
	}
	defer os.RemoveAll(staging)

	if err := unpackImage(ctx, opts, staging, log); err != nil {
		return fsys, err
	}
	if fi, err := os.Stat(filepath.Join(staging, rel)); err != nil || !fi.IsDir() {
		return fsys, &Error{Op: "unpack", Path: opts.Image, Err: ErrNoRoot}
	}
	if err := moveEntries(staging, extractDir, rel); err != nil {
		return fsys, &Error{Op: "unpack", Path: extractDir, Err: err}
	}

	log.Info("root filesystem unpacked", "image", opts.Image, "root", root)
	fsys.Provisioned = true
	fsys.Extracted = true
	return fsys, nil
}

func unpackImage(ctx context.Context, opts Options, dir string, log *slog.Logger) error {
	var want string
	if opts.Digest != "" {
		var err error
		if want, err = parseDigest(opts.Digest); err != nil {
			return &Error{Op: "verify", Path: opts.Image, Err: err}
		}
	}

	f, err := os.Open(opts.Image)
	if err != nil {
		return &Error{Op: "open", Path: opts.Image, Err: err}
	}
	defer f.Close()

	var (
		src io.Reader = f
		h   *blake3.Hasher
	)
	if want != "" {
		h = blake3.New()
		src = io.TeeReader(f, h)
	}

	r, format, err := Decompress(src)
	if err != nil {
		return &Error{Op: "unpack", Path: opts.Image, Err: err}
	}
	log.Info("unpacking image", "image", opts.Image, "format", format)
	err = unpack(ctx, r, dir, log)
	r.Close()
	if err != nil {
		return &Error{Op: "unpack", Path: opts.Image, Err: err}
	}

	if h != nil {
		// hash the trailer the tar reader did not consume
		if _, err := io.Copy(io.Discard, src); err != nil {
			return &Error{Op: "verify", Path: opts.Image, Err: err}
		}
		if got := fmt.Sprintf("%x", h.Sum(nil)); got != want {
			return &Error{Op: "verify", Path: opts.Image,
				Err: fmt.Errorf("%w: expected %s, got %s", ErrDigest, want, got)}
		}
	}
	return nil
}

// moveEntries moves the unpacked top level entries into dir, the one
// holding the root last
func moveEntries(staging, dir, rel string) error {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	top, _, _ := strings.Cut(rel, string(filepath.Separator))
	for _, e := range entries {
		if e.Name() == top {
			continue
		}
		if err := os.Rename(filepath.Join(staging, e.Name()), filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return os.Rename(filepath.Join(staging, top), filepath.Join(dir, top))
}

// Digest returns the hex encoded BLAKE3 hash of the content of r
func Digest(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func parseDigest(s string) (string, error) {
	s = strings.ToLower(strings.TrimPrefix(s, "blake3:"))
	if len(s) != 64 || strings.Trim(s, "0123456789abcdef") != "" {
		return "", fmt.Errorf("invalid digest %q", s)
	}
	return s, nil
}
