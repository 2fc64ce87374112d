package forkexec

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestLookPath(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "bin"))
	mustMkdir(t, filepath.Join(root, "usr/bin"))
	mustWrite(t, filepath.Join(root, "usr/bin/ls"), 0755)
	mustWrite(t, filepath.Join(root, "bin/data"), 0644)
	if err := os.Symlink("/bin/busybox", filepath.Join(root, "bin/sh")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		env     []string
		want    string
		wantErr bool
	}{
		{name: "ls", want: "/usr/bin/ls"},
		{name: "sh", want: "/bin/sh"},
		{name: "ls", env: []string{"PATH=/bin"}, wantErr: true},
		{name: "ls", env: []string{"PATH=/bin", "PATH=relative:/usr/bin"}, want: "/usr/bin/ls"},
		{name: "data", wantErr: true},
		{name: "missing", wantErr: true},
		{name: "./hello.sh", want: "./hello.sh"},
		{name: "/opt/tool", want: "/opt/tool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LookPath(root, tt.name, tt.env)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				if !errors.Is(err, errNotFound) {
					t.Errorf("expected not found error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFindPathDefault(t *testing.T) {
	if p := findPath([]string{"HOME=/root"}); p != DefaultPath {
		t.Errorf("expected default path, got %q", p)
	}
}

func mustMkdir(t *testing.T, p string) {
	t.Helper()
	if err := os.MkdirAll(p, 0755); err != nil {
		t.Fatal(err)
	}
}

func mustWrite(t *testing.T, p string, perm fs.FileMode) {
	t.Helper()
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), perm); err != nil {
		t.Fatal(err)
	}
}
