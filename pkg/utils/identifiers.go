package utils

import "strings"

// SanitizeIdentifier makes an identifier safe for filesystem paths.
// Snapshot and artifact filenames must not contain path separators or
// characters that behave differently across platforms.
func SanitizeIdentifier(id string) string {
	// Replace colons with dashes (common issue with role IDs like "reviewer:001")
	sanitized := strings.ReplaceAll(id, ":", "-")

	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")

	return sanitized
}
