package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a short random connection identifier. It is not meant to be
// unguessable.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
