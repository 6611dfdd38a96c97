package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string used as a run identifier.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is a well-formed run identifier.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
