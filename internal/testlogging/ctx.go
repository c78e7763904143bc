// Package testlogging implements logger that writes to testing.T log.
package testlogging

import (
	"context"
	"testing"

	"github.com/coffeebreak/coldbrew/logging"
)

type testLogger struct {
	t      *testing.T
	prefix string
}

func (l *testLogger) Debugf(msg string, args ...interface{}) {
	l.t.Helper()
	l.t.Logf(l.prefix+msg, args...)
}

func (l *testLogger) Infof(msg string, args ...interface{}) {
	l.t.Helper()
	l.t.Logf(l.prefix+msg, args...)
}

func (l *testLogger) Warnf(msg string, args ...interface{}) {
	l.t.Helper()
	l.t.Logf(l.prefix+"warning: "+msg, args...)
}

func (l *testLogger) Errorf(msg string, args ...interface{}) {
	l.t.Helper()
	l.t.Logf(l.prefix+"error: "+msg, args...)
}

var _ logging.Logger = (*testLogger)(nil)

// Context returns a context with attached logger that emits all log entries to go testing.T log output.
func Context(t *testing.T) context.Context {
	t.Helper()

	return logging.WithLogger(context.Background(), func(module string) logging.Logger {
		return &testLogger{t, "[" + module + "] "}
	})
}
