package cgroup

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrNotCgroup2 is returned by Verify when the root is not a cgroup v2 mount.
var ErrNotCgroup2 = errors.New("not a cgroup2 filesystem")

// Verify checks that root is the mount point of a cgroup v2 hierarchy.
func Verify(root string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", root, err)
	}
	if st.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("%s: %w", root, ErrNotCgroup2)
	}
	return nil
}
