package observability

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// ZerologLogger writes one JSON object per line through zerolog.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger builds a JSON logger on w. Debug lines are dropped unless
// debug is set.
func NewZerologLogger(w io.Writer, debug bool) *ZerologLogger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return &ZerologLogger{logger: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Debug logs at debug level.
func (l *ZerologLogger) Debug(msg string, fields ...Field) { emit(l.logger.Debug(), msg, fields) }

// Info logs at info level.
func (l *ZerologLogger) Info(msg string, fields ...Field) { emit(l.logger.Info(), msg, fields) }

// Error logs at error level.
func (l *ZerologLogger) Error(msg string, fields ...Field) { emit(l.logger.Error(), msg, fields) }

func emit(ev *zerolog.Event, msg string, fields []Field) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case nil:
			ev = ev.Interface(f.Key, nil)
		case string:
			ev = ev.Str(f.Key, v)
		case error:
			ev = ev.Str(f.Key, safeString(v.Error))
		case fmt.Stringer:
			ev = ev.Str(f.Key, safeString(v.String))
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}

func safeString(fn func() string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = "<unprintable>"
		}
	}()
	return fn()
}
