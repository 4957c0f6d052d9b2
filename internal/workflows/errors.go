package workflows

import (
	"fmt"
)

// Application error types that the retry policy never retries.
const (
	ErrTypeRecoveryMismatch = "RecoveryMismatch"
	ErrTypeCheckpointWrite  = "CheckpointWrite"
	ErrTypeUnknownRun       = "UnknownRun"
)

// WrapActivityError wraps an activity error with operation context.
// Use this when an activity fails to provide consistent error messages.
func WrapActivityError(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, err)
}
