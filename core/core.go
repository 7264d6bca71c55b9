package core

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string.
func NewID() string { return uuid.NewString() }
