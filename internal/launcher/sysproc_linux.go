package launcher

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// openDomain returns a directory fd for CLONE_INTO_CGROUP.
func openDomain(path string) (int, error) {
	return unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
}

// sysProcAttr puts the child in its own process group and has the kernel
// send it SIGTERM if the sender dies. A non-negative cgroupFD creates the
// child directly inside that cgroup.
func sysProcAttr(cgroupFD int) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
	if cgroupFD >= 0 {
		attr.UseCgroupFD = true
		attr.CgroupFD = cgroupFD
	}
	return attr
}
