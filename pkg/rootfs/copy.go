package rootfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Copy is a host file copied into the root before the program runs
type Copy struct {
	Source string // host path
	Target string // path inside the root, defaults to /<base of Source>
}

// ParseCopy parses "source[:target]"
func ParseCopy(s string) (Copy, error) {
	src, dst, _ := strings.Cut(s, ":")
	if src == "" {
		return Copy{}, fmt.Errorf("rootfs: invalid copy %q", s)
	}
	return Copy{Source: src, Target: dst}, nil
}

func (c Copy) String() string {
	return c.Source + ":" + c.target()
}

func (c Copy) target() string {
	if c.Target == "" {
		return "/" + filepath.Base(c.Source)
	}
	return c.Target
}

// CopyInto copies the file into the provisioned filesystem, replacing any
// existing file and keeping the permission bits of the source
func CopyInto(fsys Filesystem, c Copy) error {
	if !fsys.Provisioned {
		return &Error{Op: "copy", Path: c.Source, Err: ErrNotProvisioned}
	}
	dst, err := entryPath(fsys.Path, c.target())
	if err != nil || dst == fsys.Path {
		return &Error{Op: "copy", Path: c.target(), Err: fmt.Errorf("invalid target")}
	}
	if err := checkParents(fsys.Path, dst); err != nil {
		return &Error{Op: "copy", Path: c.target(), Err: err}
	}
	if err := copyFile(c.Source, dst); err != nil {
		return &Error{Op: "copy", Path: c.Source, Err: err}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if err := removeExisting(dst); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// not subject to umask
	return os.Chmod(dst, fi.Mode().Perm())
}
