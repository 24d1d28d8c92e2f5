package cgroup

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Unlimited is returned by ParseSize for "max".
const Unlimited int64 = -1

// ParseSize parses a cgroup memory value: "max", a byte count, or a count
// followed by one of K, M, G, T (powers of 1024, either case).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "max" {
		return Unlimited, nil
	}
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	shift := 0
	switch s[len(s)-1] {
	case 'k', 'K':
		shift = 10
	case 'm', 'M':
		shift = 20
	case 'g', 'G':
		shift = 30
	case 't', 'T':
		shift = 40
	}
	digits := s
	if shift > 0 {
		digits = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > math.MaxInt64>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n << shift, nil
}
