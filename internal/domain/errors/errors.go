package errors

import "errors"

// Standard library re-exports so callers need a single errors import.
var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)
