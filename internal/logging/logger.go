package logging

import "reflect"

// Logger is the printf-style logging surface every component takes as a
// dependency. Tests pass Nop or a recording implementation; production code
// gets the shared file-backed sink from NewComponentLogger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that drops everything.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is unusable: a nil interface, or an interface
// holding a typed nil. Both would panic printf formatting deep in a
// component, so constructors check here before defaulting.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop substitutes a no-op logger for a nil one.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}
