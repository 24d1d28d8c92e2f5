// Package cgroup manages the cgroup v2 contention domain: a single
// memory-limited child of the hierarchy root that generator processes are
// assigned to and whose memory.pressure file the receiver observes.
//
// Every operation goes straight to the kernel's pseudo-files; nothing is
// cached in memory.
package cgroup
