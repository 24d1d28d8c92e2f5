// Package backend defines the interface that memory-stress generators
// (stress-ng, the built-in hog) implement, along with the workload spec
// exchanged between the launcher and generator implementations.
package backend
