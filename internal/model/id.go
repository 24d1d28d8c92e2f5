package model

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewID generates a ULID string used for runs and workloads.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports an error if id is not a well-formed ULID.
func ValidID(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("invalid id %q: %w", id, err)
	}
	return nil
}
