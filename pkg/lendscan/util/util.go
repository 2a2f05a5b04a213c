package util

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

// OpenExternal opens a file using the default associated program
func OpenExternal(logger *zap.SugaredLogger, filename string) error {
	command := getOpenExternalCommand(filename)

	if err := command.Run(); err != nil {
		logger.Warnw("Failed to open file",
			"filename", filename,
			"error", err)
		return fmt.Errorf("open file proc: %w", err)
	}

	return nil
}

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// Holder is a process that has a device open
type Holder struct {
	PID  int
	Name string
}

func (h Holder) String() string {
	return fmt.Sprintf("%s (%d)", h.Name, h.PID)
}

// DeviceHolders returns the processes other than this one that hold the
// given device node open. It's best effort: processes we aren't allowed to
// inspect are skipped.
func DeviceHolders(device string) ([]Holder, error) {
	processes, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := os.Getpid()
	holders := []Holder{}

	for _, process := range processes {
		if process.Pid() == self {
			continue
		}

		if holdsDevice(process.Pid(), device) {
			holders = append(holders, Holder{PID: process.Pid(), Name: process.Executable()})
		}
	}

	sort.Slice(holders, func(i, j int) bool { return holders[i].PID < holders[j].PID })

	return holders, nil
}
