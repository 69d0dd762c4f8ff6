package profile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid profile name")

const maxNameLen = 64

var nameChars = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName checks that name can be used as a directory under profiles/:
// lowercase letters, digits, '_' and '-', at most 64 bytes, not starting with
// '-' so it never reads as a command-line flag.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w %q: longer than %d bytes", ErrInvalidName, name, maxNameLen)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("%w %q: starts with '-'", ErrInvalidName, name)
	case !nameChars.MatchString(name):
		return fmt.Errorf("%w %q: only a-z, 0-9, '_' and '-' are allowed", ErrInvalidName, name)
	}
	return nil
}
