package agent

import (
	"errors"
	"fmt"
)

// ErrUnknownRole is returned when a role is not declared in the domain.
var ErrUnknownRole = errors.New("unknown agent role")

// ValidationError rejects a request before any agent work. Message is safe to
// show to the user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
