package utils

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// CreateFolder creates every folder in the list if it does not exist yet.
func CreateFolder(folders ...string) error {
	for _, folder := range folders {
		if err := os.MkdirAll(folder, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", folder, err)
		}
	}
	return nil
}

// SanitizeFilename strips characters that are unsafe on disk or in URLs
// and caps the length at 120 characters, preserving the extension position.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}
