package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of operation, logs them once through logger and
// returns the joined error. It returns nil when every error is nil.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	var joined []error
	var messages []string
	for _, err := range errs {
		if err != nil {
			joined = append(joined, err)
			messages = append(messages, err.Error())
		}
	}
	if len(joined) == 0 {
		return nil
	}
	if logger != nil {
		logger.Error(operation+" failed", append(fields,
			Field{Key: "error_count", Value: len(joined)},
			Field{Key: "errors", Value: messages},
		)...)
	}
	return fmt.Errorf("%s failed: %w", operation, errors.Join(joined...))
}
