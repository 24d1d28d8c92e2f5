// Package launcher starts memory-stress generators inside the contention
// domain and tracks each child until it is reaped.
//
// Launch is spawn-then-assign: the child is started in its own process
// group and its pid is appended to the domain's membership file before
// Launch returns. With clone-into-cgroup the kernel places the child in the
// domain at creation and the explicit assign is skipped.
package launcher
