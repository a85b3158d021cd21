package hal

import (
	"fmt"

	"go.uber.org/zap"
)

// Step is one fallible teardown action.
type Step struct {
	Name string
	Fn   func() error
}

// Unwind runs every step in order regardless of earlier failures and
// returns the first error. Later failures are only logged.
func Unwind(logger *zap.Logger, steps ...Step) error {
	var first error
	for _, s := range steps {
		if s.Fn == nil {
			continue
		}
		err := s.Fn()
		if err == nil {
			continue
		}
		if logger != nil {
			logger.Warn("Teardown step failed", zap.String("step", s.Name), zap.Error(err))
		}
		if first == nil {
			first = fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	return first
}
