//go:build unix && !linux

package launcher

import (
	"errors"
	"syscall"
)

func openDomain(string) (int, error) {
	return -1, errors.New("clone into cgroup requires linux")
}

func sysProcAttr(int) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
