package forkexec

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultPath is used for look up when env carries no PATH
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

var errNotFound = errors.New("executable file not found in $PATH")

// LookPath searches name in the PATH of env inside root, the way execvp does
// after chroot(root). It returns the path as seen from inside root.
//
// Symlinks are not followed since their targets are meaningful only inside
// root; a symlink with a matching name is accepted as is.
func LookPath(root, name string, env []string) (string, error) {
	// don't look if a path is provided
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, dir := range filepath.SplitList(findPath(env)) {
		// relative entries would resolve from the work dir, skip them
		if !path.IsAbs(dir) {
			continue
		}
		p := path.Join(dir, name)
		if err := findExecutable(filepath.Join(root, p)); err == nil {
			return p, nil
		}
	}
	return "", &fs.PathError{Op: "lookpath", Path: name, Err: errNotFound}
}

func findExecutable(file string) error {
	d, err := os.Lstat(file)
	if err != nil {
		return err
	}
	m := d.Mode()
	if m&fs.ModeSymlink != 0 {
		return nil
	}
	if !m.IsDir() && m&0111 != 0 {
		return nil
	}
	return fs.ErrPermission
}

func findPath(env []string) string {
	// find the last PATH=
	const pathPrefix = "PATH="
	for i := len(env) - 1; i >= 0; i-- {
		s := env[i]
		if strings.HasPrefix(s, pathPrefix) {
			return s[len(pathPrefix):]
		}
	}
	return DefaultPath
}
