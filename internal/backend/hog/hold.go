package hog

import (
	"context"
	"fmt"
	"os"
)

// MaxSizeMiB caps a single hog allocation at 64 GiB.
const MaxSizeMiB = 64 << 10

// Hold maps mib mebibytes of anonymous memory, writes one byte to every page
// so the whole region is resident, then blocks until ctx is done. It returns
// the number of pages touched.
func Hold(ctx context.Context, mib int) (int, error) {
	if mib <= 0 || mib > MaxSizeMiB {
		return 0, fmt.Errorf("size %d MiB out of range [1, %d]", mib, MaxSizeMiB)
	}

	region, release, err := allocate(mib << 20)
	if err != nil {
		return 0, fmt.Errorf("allocate %d MiB: %w", mib, err)
	}
	defer release()

	page := os.Getpagesize()
	touched := 0
	for off := 0; off < len(region); off += page {
		region[off] = 0xA5
		touched++
	}

	<-ctx.Done()
	return touched, nil
}
