package utils

import "github.com/google/uuid"

// IDGenerator produces unique string identifiers.
type IDGenerator func() string

// UUIDv7 returns a generator of time-sortable RFC 9562 v7 UUIDs.
func UUIDv7() IDGenerator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a type tag such as "lst_" or "pa_" to every ID.
func Prefixed(prefix string, gen IDGenerator) IDGenerator {
	return func() string {
		return prefix + gen()
	}
}

// NewID returns a prefixed UUIDv7.
func NewID(prefix string) string {
	return prefix + uuid.Must(uuid.NewV7()).String()
}
