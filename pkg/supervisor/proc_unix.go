//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// configureProcess starts the child in its own process group so signals
// reach every process the simulator forks.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// setNice applies the scheduling priority to the whole process group, so
// children forked before the call are covered too.
func setNice(pid, nice int) error {
	return syscall.Setpriority(syscall.PRIO_PGRP, pid, nice)
}

func signalTerminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

func signalKill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	// The group leader may already be reaped; pgid == pid because of Setpgid.
	if err := syscall.Kill(-pid, sig); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
	return nil
}

// groupAlive reports whether any process remains in the group led by pid.
func groupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(-pid, syscall.Signal(0)) == nil
}

// exitSignal returns the terminating signal name, or "" for a normal exit.
func exitSignal(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}
