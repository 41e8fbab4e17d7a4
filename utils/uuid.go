package utils

import "github.com/google/uuid"

// GetToken returns a random token.
func GetToken() string {
	return uuid.NewString()
}

// NewSortableID returns a UUIDv7, which orders by creation time.
func NewSortableID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
