package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation, logs
// them once through the process logger and returns the joined error. It
// returns nil when every step succeeded.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	logFields := make([]Field, 0, len(fields)+2)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		Field{Key: "operation", Value: operation},
		Field{Key: "failed_steps", Value: failed},
		Field{Key: "error", Value: joined})
	Log().Error(operation+" failed", logFields...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
