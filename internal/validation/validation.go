package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	pathPartRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateSessionID checks that a session id is a UUID.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("session ID cannot be empty")
	case !uuidRegex.MatchString(id):
		return fmt.Errorf("session ID is not a UUID: %s", id)
	}
	return nil
}

// ValidateWorkspaceID checks a workspace id. Workspace ids are UUIDs,
// except for the synthetic per-session form session-<session-uuid> used
// when a session has no owning workspace.
func ValidateWorkspaceID(id string) error {
	if id == "" {
		return fmt.Errorf("workspace ID cannot be empty")
	}
	if rest, ok := strings.CutPrefix(id, "session-"); ok {
		return ValidateSessionID(rest)
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("workspace ID is not a UUID: %s", id)
	}
	return nil
}

// SanitizePath rejects traversal, absolute paths, and components outside
// the [a-zA-Z0-9_.-] alphabet. Used for paths that end up inside a
// sandbox mount spec.
func SanitizePath(path string) (string, error) {
	switch {
	case path == "":
		return "", fmt.Errorf("path cannot be empty")
	case strings.Contains(path, ".."):
		return "", fmt.Errorf("path traversal detected: %s", path)
	case strings.HasPrefix(path, "/"):
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if !pathPartRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}
	return path, nil
}
