package rootfs

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

type dirEntry struct {
	path string
	hdr  *tar.Header
}

// unpack extracts the tar stream into dir, which must exist. Entries are
// never written through a symlink and never outside dir.
func unpack(ctx context.Context, r io.Reader, dir string, log *slog.Logger) error {
	var (
		tr    = tar.NewReader(r)
		dirs  []dirEntry
		owner = os.Geteuid() == 0
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		name, err := entryPath(dir, hdr.Name)
		if err != nil {
			return err
		}
		if name == dir {
			continue
		}
		if err := checkParents(dir, name); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := mkdir(name); err != nil {
				return err
			}
			// permissions and times of directories are applied last since
			// their content is still being written
			dirs = append(dirs, dirEntry{name, hdr})
			continue

		case tar.TypeReg:
			if err := writeFile(name, tr); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := removeExisting(name); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, name); err != nil {
				return err
			}

		case tar.TypeLink:
			target, err := entryPath(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := checkParents(dir, target); err != nil {
				return err
			}
			if err := removeExisting(name); err != nil {
				return err
			}
			if err := os.Link(target, name); err != nil {
				return fmt.Errorf("%w: link %s: %w", ErrCorrupt, hdr.Name, err)
			}
			// shares the inode of the target
			continue

		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			if err := removeExisting(name); err != nil {
				return err
			}
			err := mknod(name, hdr)
			if errors.Is(err, unix.EPERM) && hdr.Typeflag != tar.TypeFifo {
				log.Debug("skipping device node", "path", hdr.Name)
				continue
			}
			if err != nil {
				return &fs.PathError{Op: "mknod", Path: name, Err: err}
			}

		default:
			log.Debug("skipping tar entry", "path", hdr.Name, "type", string(hdr.Typeflag))
			continue
		}
		if err := setMeta(name, hdr, owner); err != nil {
			return err
		}
	}

	// deepest first, so that restoring a parent's mtime comes after its
	// children changed it
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := setMeta(dirs[i].path, dirs[i].hdr, owner); err != nil {
			return err
		}
	}
	return nil
}

// entryPath maps an entry name to a path under dir, rejecting names with
// parent references
func entryPath(dir, name string) (string, error) {
	for _, c := range strings.Split(name, "/") {
		if c == ".." {
			return "", fmt.Errorf("%w: entry %q escapes the root", ErrCorrupt, name)
		}
	}
	return filepath.Join(dir, filepath.Clean("/"+name)), nil
}

// checkParents fails if any existing parent of name below dir is not a real
// directory
func checkParents(dir, name string) error {
	rel, err := filepath.Rel(dir, filepath.Dir(name))
	if err != nil || rel == "." {
		return err
	}
	p := dir
	for _, c := range strings.Split(rel, string(filepath.Separator)) {
		p = filepath.Join(p, c)
		fi, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrCorrupt, p)
		}
	}
	return nil
}

func mkdir(name string) error {
	err := os.Mkdir(name, 0700)
	if !errors.Is(err, fs.ErrExist) {
		return err
	}
	fi, err := os.Lstat(name)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrCorrupt, name)
	}
	return nil
}

func removeExisting(name string) error {
	fi, err := os.Lstat(name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case fi.IsDir():
		return fmt.Errorf("%w: %s replaces a directory", ErrCorrupt, name)
	}
	return os.Remove(name)
}

func writeFile(name string, r io.Reader) error {
	if err := removeExisting(name); err != nil {
		return err
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL|unix.O_NOFOLLOW, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return f.Close()
}

func mknod(name string, hdr *tar.Header) error {
	mode := uint32(hdr.Mode & 07777)
	switch hdr.Typeflag {
	case tar.TypeChar:
		mode |= unix.S_IFCHR
	case tar.TypeBlock:
		mode |= unix.S_IFBLK
	default:
		mode |= unix.S_IFIFO
	}
	dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
	return unix.Mknod(name, mode, int(dev))
}

// setMeta restores ownership (as root only), mode and times of an entry
func setMeta(name string, hdr *tar.Header, owner bool) error {
	if owner {
		if err := os.Lchown(name, hdr.Uid, hdr.Gid); err != nil {
			return err
		}
	}
	// chmod follows symlinks, and the mode of a symlink is meaningless
	if hdr.Typeflag != tar.TypeSymlink {
		if err := os.Chmod(name, hdr.FileInfo().Mode()); err != nil {
			return err
		}
	}
	if hdr.ModTime.IsZero() {
		return nil
	}
	atime := hdr.AccessTime
	if atime.IsZero() {
		atime = hdr.ModTime
	}
	ts := []unix.Timespec{toTimespec(atime), toTimespec(hdr.ModTime)}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, name, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &fs.PathError{Op: "utimes", Path: name, Err: err}
	}
	return nil
}

func toTimespec(t time.Time) unix.Timespec {
	return unix.NsecToTimespec(t.UnixNano())
}
