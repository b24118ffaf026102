package observability

import (
	"time"

	"golang.org/x/time/rate"
)

// Sometimes forwards Error lines at most once per interval, always letting
// the first one through. Debug and Info pass through unchanged.
type Sometimes struct {
	logger Logger
	gate   rate.Sometimes
}

// NewSometimes wraps logger; a nil logger resolves to the global one at log time.
func NewSometimes(logger Logger, interval time.Duration) *Sometimes {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sometimes{logger: logger, gate: rate.Sometimes{First: 1, Interval: interval}}
}

func (s *Sometimes) target() Logger {
	if s.logger != nil {
		return s.logger
	}
	return Log()
}

// Debug logs at debug level.
func (s *Sometimes) Debug(msg string, fields ...Field) { s.target().Debug(msg, fields...) }

// Info logs at info level.
func (s *Sometimes) Info(msg string, fields ...Field) { s.target().Info(msg, fields...) }

// Error logs at error level subject to the throttle.
func (s *Sometimes) Error(msg string, fields ...Field) {
	s.gate.Do(func() {
		s.target().Error(msg, fields...)
	})
}
