//go:build !linux

package util

import (
	"os/exec"
	"runtime"
)

func getOpenExternalCommand(filename string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/c", "start", "", filename)
	}

	return exec.Command("open", filename)
}

// there's no portable way to map open handles to processes
func holdsDevice(int, string) bool {
	return false
}
