//go:build windows

package supervisor

import (
	"os"
	"os/exec"

	"golang.org/x/sys/windows"
)

func configureProcess(cmd *exec.Cmd) {}

// setNice maps a Unix nice value onto the nearest priority class.
func setNice(pid, nice int) error {
	h, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer func() { _ = windows.CloseHandle(h) }()
	return windows.SetPriorityClass(h, priorityClass(nice))
}

func priorityClass(nice int) uint32 {
	switch {
	case nice <= -15:
		return windows.HIGH_PRIORITY_CLASS
	case nice < 0:
		return windows.ABOVE_NORMAL_PRIORITY_CLASS
	case nice == 0:
		return windows.NORMAL_PRIORITY_CLASS
	case nice < 15:
		return windows.BELOW_NORMAL_PRIORITY_CLASS
	default:
		return windows.IDLE_PRIORITY_CLASS
	}
}

// Windows has no SIGTERM; terminate and kill are the same hard stop.
func signalTerminate(pid int) error {
	return signalKill(pid)
}

func signalKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func groupAlive(pid int) bool {
	return false
}

func exitSignal(state *os.ProcessState) string {
	return ""
}
