package engine

// Logger defines the logging interface used across the engine packages
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
