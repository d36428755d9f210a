package storage

import (
	"fmt"
	"regexp"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename collapses every run of characters outside [A-Za-z0-9._-]
// into a single underscore. Path separators are unsafe characters like any
// other, so "a/b.png" becomes "a_b.png". An empty name falls back to "file".
func SanitizeFilename(name string) string {
	if name == "" {
		return "file"
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

// BuildObjectKey derives the storage key for an upload. The key is a pure
// function of imageID and filename, so callers can reconstruct it without a
// round trip to the store.
func BuildObjectKey(imageID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s", imageID, SanitizeFilename(filename))
}
