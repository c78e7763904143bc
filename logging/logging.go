// Package logging provides the context-carried, module-scoped loggers
// used throughout coldbrew. Each package declares its logger once via
// Module; the CLI decides at startup which backend the context carries.
package logging

import "context"

// Logger is the leveled printf-style logger coldbrew components write to.
type Logger interface {
	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
}

// LoggerForModuleFunc returns a Logger for a given module name.
type LoggerForModuleFunc func(module string) Logger

type contextKey string

const loggerKey contextKey = "logger"

// WithLogger returns a derived context with associated logger.
func WithLogger(ctx context.Context, l LoggerForModuleFunc) context.Context {
	if l == nil {
		l = getNullLogger
	}

	return context.WithValue(ctx, loggerKey, l)
}

// Module returns an accessor for the module-scoped logger attached to a
// context. Contexts without a logger discard all output, so library code
// never needs a nil check.
func Module(module string) func(ctx context.Context) Logger {
	return func(ctx context.Context) Logger {
		if f, ok := ctx.Value(loggerKey).(LoggerForModuleFunc); ok {
			return f(module)
		}

		return nullLogger{}
	}
}
