//go:build !linux

package cgroup

import (
	"errors"
	"fmt"
)

// ErrNotCgroup2 is returned by Verify when the root is not a cgroup v2 mount.
var ErrNotCgroup2 = errors.New("not a cgroup2 filesystem")

// Verify always fails off Linux.
func Verify(root string) error {
	return fmt.Errorf("%s: %w", root, ErrNotCgroup2)
}
