package launcher

import "syscall"

// sysProcAttr starts the worker in a new process group so console signals
// aimed at the host do not reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
