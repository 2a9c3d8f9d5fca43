package util

import (
	"fmt"
	"strings"
)

// MaxNameLength is the longest declared name accepted, matching common filesystem limits.
const MaxNameLength = 255

// CheckName makes sure a client-supplied name can be used as a single path segment.
func CheckName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("empty name")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name longer than %d bytes", MaxNameLength)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name: %v", name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("name must not contain path separators or NUL: %q", name)
	}
	return nil
}
