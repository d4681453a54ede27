package common

import (
	"github.com/google/uuid"
)

// NewID generates a unique identifier for jobs, files and nodes.
func NewID() string {
	return uuid.New().String()
}
