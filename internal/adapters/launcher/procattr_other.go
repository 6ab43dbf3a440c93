//go:build !linux && !windows

package launcher

import "syscall"

// sysProcAttr puts the worker in its own process group. Pdeathsig is not
// available on non-Linux platforms.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
