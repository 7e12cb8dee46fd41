package tool

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates no tool is registered under the requested name
	ErrNotFound = errors.New("tool not found")

	// ErrDisabled indicates the tool exists but is not currently enabled.
	// Callers treat it the same way as ErrNotFound: fatal to the call.
	ErrDisabled = errors.New("tool disabled")
)

// ValidationError reports arguments rejected by a tool's schema
type ValidationError struct {
	Tool   string
	Causes []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %s", e.Tool, strings.Join(e.Causes, "; "))
}

// IsValidation reports whether err is a schema validation failure
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
