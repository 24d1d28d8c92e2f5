package gadget

import (
	"fmt"
	"unsafe"
)

// publicValue fills every public element so any read of the public array is
// non-zero.
const publicValue = 1

// Layout is one backing allocation holding the public array immediately
// followed by the secret buffer, so that
//
//	address(secret) = address(public) + size(public)
//
// holds by construction.
type Layout struct {
	buf  []byte
	size int
}

// NewLayout places secret after a public array of the same length. Each
// secret element must be 0 or 1.
func NewLayout(secret []byte) (*Layout, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret must not be empty")
	}
	n := len(secret)
	buf := make([]byte, 2*n)
	for i := range n {
		buf[i] = publicValue
	}
	for i, b := range secret {
		if b > 1 {
			return nil, fmt.Errorf("secret element %d is %d, want 0 or 1", i, b)
		}
		buf[n+i] = b
	}
	return &Layout{buf: buf, size: n}, nil
}

// Size returns the number of elements in the public array, which equals the
// number of secret bits.
func (l *Layout) Size() int { return l.size }

// PublicBase returns the address of public[0].
func (l *Layout) PublicBase() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(l.buf)))
}

// SecretBase returns the address of secret[0].
func (l *Layout) SecretBase() uintptr {
	return uintptr(unsafe.Pointer(&l.buf[l.size]))
}

// MaliciousX returns the public-array index that addresses secret[offset].
func (l *Layout) MaliciousX(offset int) int {
	return MaliciousX(l.PublicBase(), l.SecretBase(), offset)
}

// MaliciousX computes secretBase - publicBase + offset: the index into the
// public array that, with the bounds check skipped, reads secret[offset].
func MaliciousX(publicBase, secretBase uintptr, offset int) int {
	return int(secretBase-publicBase) + offset
}

// load reads element x of the public array without the public bounds check.
// Only the extent of the backing allocation is enforced, which keeps the
// read inside memory the layout owns.
//
//go:noinline
func (l *Layout) load(x int) byte {
	if uint(x) >= uint(len(l.buf)) {
		return 0
	}
	return *(*byte)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(l.buf)), x))
}
