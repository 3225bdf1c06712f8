package id

import (
	"strings"

	"github.com/google/uuid"
)

func New() string {
	return uuid.NewString()
}

// Short returns 8 hex characters, enough to keep upload file names apart.
func Short() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
