package util

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// procDir is swapped out by tests
var procDir = "/proc"

func getOpenExternalCommand(filename string) *exec.Cmd {
	return exec.Command("xdg-open", filename)
}

func holdsDevice(pid int, device string) bool {
	fdDir := filepath.Join(procDir, fmt.Sprint(pid), "fd")

	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return false
	}

	for _, entry := range entries {
		target, err := os.Readlink(filepath.Join(fdDir, entry.Name()))
		if err == nil && target == device {
			return true
		}
	}

	return false
}
