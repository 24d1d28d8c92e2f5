package hog

import "golang.org/x/sys/unix"

// allocate returns a private anonymous mapping prefaulted with MAP_POPULATE.
func allocate(size int) ([]byte, func(), error) {
	region, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, nil, err
	}
	return region, func() { _ = unix.Munmap(region) }, nil
}
