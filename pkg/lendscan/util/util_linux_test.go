package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHoldsDevice(t *testing.T) {
	root := t.TempDir()

	prev := procDir
	procDir = root
	t.Cleanup(func() { procDir = prev })

	fdDir := filepath.Join(root, "42", "fd")
	if err := os.MkdirAll(fdDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/dev/video0", filepath.Join(fdDir, "3")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/dev/null", filepath.Join(fdDir, "0")); err != nil {
		t.Fatal(err)
	}

	if !holdsDevice(42, "/dev/video0") {
		t.Error("holdsDevice() = false for an open device")
	}
	if holdsDevice(42, "/dev/video2") {
		t.Error("holdsDevice() = true for a device that isn't open")
	}
	if holdsDevice(7, "/dev/video0") {
		t.Error("holdsDevice() = true for a missing process")
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(file, []byte("language: en\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !FileExists(file) {
		t.Error("FileExists() = false for a file")
	}
	if FileExists(dir) {
		t.Error("FileExists() = true for a directory")
	}
	if FileExists(filepath.Join(dir, "missing")) {
		t.Error("FileExists() = true for a missing file")
	}
	// stat fails with ENOTDIR here, not ENOENT
	if FileExists(filepath.Join(file, "nested")) {
		t.Error("FileExists() = true below a regular file")
	}
}
