package store

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for alias names that cannot be stored.
var ErrInvalidName = errors.New("store: invalid alias name")

// aliasPattern matches the identifier form accepted on the left side of an
// [instruments] entry. It also keeps state file names inside the state dir.
var aliasPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

func validateName(name string) error {
	if !aliasPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
