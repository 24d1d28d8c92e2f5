//go:build !linux

package hog

// allocate falls back to the Go heap where anonymous mmap flags differ.
func allocate(size int) ([]byte, func(), error) {
	region := make([]byte, size)
	return region, func() {}, nil
}
