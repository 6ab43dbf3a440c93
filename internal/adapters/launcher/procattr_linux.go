package launcher

import "syscall"

// sysProcAttr puts the worker in its own process group. Pdeathsig makes the
// kernel send SIGTERM to the worker if the host dies without shutting it down.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
