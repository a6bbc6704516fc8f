package util

import (
	"strings"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewClientID identifies one connection to a topic.
func NewClientID() string {
	return uuid.NewString()
}
