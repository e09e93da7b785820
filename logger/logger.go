// Package logger provides the package-level logging facade used across
// rfbserver. It is backed by logrus and can be swapped or silenced by the
// embedding application.
package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus levels so callers do not need to import logrus.
type Level uint32

const (
	ErrorLevel Level = Level(logrus.ErrorLevel)
	WarnLevel  Level = Level(logrus.WarnLevel)
	InfoLevel  Level = Level(logrus.InfoLevel)
	DebugLevel Level = Level(logrus.DebugLevel)
	TraceLevel Level = Level(logrus.TraceLevel)
)

var std = logrus.New()

func init() {
	std.SetLevel(logrus.InfoLevel)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts the threshold of the package logger.
func SetLevel(l Level) { std.SetLevel(logrus.Level(l)) }

// SetOutput redirects log output, e.g. to io.Discard in tests.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// SetLogger replaces the backing logrus instance entirely.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		std = l
	}
}

// Logger returns the backing logrus instance for advanced configuration.
func Logger() *logrus.Logger { return std }

func Trace(args ...interface{})                 { std.Trace(args...) }
func Tracef(format string, args ...interface{}) { std.Tracef(format, args...) }
func Debug(args ...interface{})                 { std.Debug(args...) }
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }
func Info(args ...interface{})                  { std.Info(args...) }
func Infof(format string, args ...interface{})  { std.Infof(format, args...) }
func Warn(args ...interface{})                  { std.Warn(args...) }
func Warnf(format string, args ...interface{})  { std.Warnf(format, args...) }
func Error(args ...interface{})                 { std.Error(args...) }
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }
func Fatal(args ...interface{})                 { std.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { std.Fatalf(format, args...) }
