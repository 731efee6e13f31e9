package appdir

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestDir_EnvOverride(t *testing.T) {
	ResetCache()
	defer ResetCache()

	want := filepath.Join(t.TempDir(), "relay-data")
	t.Setenv(DirEnv, want)

	got, err := Dir()
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if got != want {
		t.Errorf("Dir() = %q, want %q", got, want)
	}
}

func TestDir_DefaultPath(t *testing.T) {
	ResetCache()
	defer ResetCache()
	t.Setenv(DirEnv, "")

	if runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		xdg := t.TempDir()
		t.Setenv("XDG_DATA_HOME", xdg)

		got, err := Dir()
		if err != nil {
			t.Fatalf("Dir: %v", err)
		}
		if got != filepath.Join(xdg, "relay") {
			t.Errorf("Dir() = %q, want under XDG_DATA_HOME", got)
		}
		return
	}

	got, err := Dir()
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if !strings.HasSuffix(got, "Relay") {
		t.Errorf("Dir() = %q, want suffix Relay", got)
	}
}

func TestDir_Cached(t *testing.T) {
	ResetCache()
	defer ResetCache()

	first := t.TempDir()
	t.Setenv(DirEnv, first)
	if _, err := Dir(); err != nil {
		t.Fatalf("Dir: %v", err)
	}

	t.Setenv(DirEnv, t.TempDir())
	got, _ := Dir()
	if got != first {
		t.Errorf("Dir() = %q, want cached %q", got, first)
	}
}

func TestEnsureDir(t *testing.T) {
	ResetCache()
	defer ResetCache()

	root := filepath.Join(t.TempDir(), "nested", "relay")
	t.Setenv(DirEnv, root)

	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	for _, sub := range []string{"", SessionsDirName, LogsDirName} {
		info, err := os.Stat(filepath.Join(root, sub))
		if err != nil {
			t.Fatalf("stat %q: %v", sub, err)
		}
		if !info.IsDir() {
			t.Errorf("%q is not a directory", sub)
		}
	}

	// Idempotent.
	if err := EnsureDir(); err != nil {
		t.Fatalf("second EnsureDir: %v", err)
	}
}

func TestPaths(t *testing.T) {
	ResetCache()
	defer ResetCache()

	root := t.TempDir()
	t.Setenv(DirEnv, root)

	tests := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"config", ConfigPath, filepath.Join(root, ConfigFileName)},
		{"sessions", SessionsDir, filepath.Join(root, SessionsDirName)},
		{"logs", LogsDir, filepath.Join(root, LogsDirName)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
