package logging

import "go.uber.org/zap"

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }
func (l zapLogger) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l zapLogger) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l zapLogger) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }

// Zap returns LoggerForModuleFunc that emits log output through the provided zap logger,
// naming each logger after its module.
func Zap(base *zap.Logger) LoggerForModuleFunc {
	return func(module string) Logger {
		return zapLogger{base.Named(module).Sugar()}
	}
}
