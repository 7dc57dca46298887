package cli

import (
	"errors"
	"fmt"

	errspkg "github.com/drblury/ctfreader/internal/runtime/errors"
)

// Exit codes of ctf-reader.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the run was aborted by a fatal error
	ExitCommandError = 2 // bad flags, configuration or setup
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to an exit code. Configuration problems map to
// ExitCommandError, anything else without an ExitError to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var cve errspkg.ConfigValidationError
	if errors.As(err, &cve) {
		return ExitCommandError
	}
	return ExitFailure
}
