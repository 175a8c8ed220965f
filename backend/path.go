package backend

import (
	"fmt"
	"strings"
)

// SplitPath splits p into its parent path and final element.
// The parent of a top-level path is the empty (root) path.
func SplitPath(p string) (parent, name string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// ParentPath returns the parent of p, or "" for top-level paths.
func ParentPath(p string) string {
	parent, _ := SplitPath(p)
	return parent
}

// JoinPath joins a parent path and a child name.
func JoinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// ValidatePath checks that p is a relative repository path made of plain
// segments. It rejects leading or trailing slashes, empty segments, "." and
// "..", and backslashes, any of which could escape the repository root.
func ValidatePath(p string) error {
	if p == "" {
		return nil
	}
	if strings.ContainsAny(p, "\\\x00") {
		return fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, p)
		case ".", "..":
			return fmt.Errorf("%w: %q has a relative segment", ErrInvalidPath, p)
		}
	}
	return nil
}

// validRepository reports whether name is usable as a single path element.
func validRepository(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\\x00")
}
