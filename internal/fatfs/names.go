package fatfs

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/cases"
)

// MaxFilenameSize is the longest long-file-name FAT stores, in UTF-16 units.
const MaxFilenameSize = 255

const invalidNameChars = "\"*:<>?|\\\x7f"

var folder = cases.Fold()

// foldName returns the cache key for a name. FAT compares names without
// regard to case.
func foldName(name string) string {
	return folder.String(name)
}

// parseName validates a single path component. A trailing separator is
// accepted and reported as mustDir.
func parseName(component string) (name string, mustDir bool, err error) {
	name = component
	if strings.HasSuffix(name, "/") {
		mustDir = true
		name = strings.TrimRight(name, "/")
	}
	if err := validateName(name); err != nil {
		return "", false, err
	}
	return name, mustDir, nil
}

func validateName(name string) error {
	switch name {
	case "":
		return fmt.Errorf("%w: empty name", ErrInvalidArgs)
	case ".", "..":
		return fmt.Errorf("%w: reserved name %q", ErrInvalidArgs, name)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidArgs, name)
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidNameChars, r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidArgs, name, r)
		}
	}
	if len(utf16.Encode([]rune(name))) > MaxFilenameSize {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidArgs, name, MaxFilenameSize)
	}
	return nil
}
