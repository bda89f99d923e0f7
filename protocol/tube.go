package protocol

import (
	"errors"
	"fmt"
)

const (
	DefaultTube       = "default"
	MaxTubeNameLength = 200
)

var ErrInvalidTubeName = errors.New("invalid tube name")

// ValidateTubeName checks a tube name against the characters the server
// accepts: letters, digits and -+/;.$_() with no leading hyphen.
func ValidateTubeName(name string) error {
	if name == "" || len(name) > MaxTubeNameLength {
		return fmt.Errorf("%w: length must be 1..%d bytes", ErrInvalidTubeName, MaxTubeNameLength)
	}

	if name[0] == '-' {
		return fmt.Errorf("%w: %q starts with a hyphen", ErrInvalidTubeName, name)
	}

	for i := 0; i < len(name); i++ {
		if !isTubeNameByte(name[i]) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidTubeName, name, name[i])
		}
	}

	return nil
}

func isTubeNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}

	switch c {
	case '-', '+', '/', ';', '.', '$', '_', '(', ')':
		return true
	}

	return false
}
