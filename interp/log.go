package interp

import (
	"io"

	"github.com/sirupsen/logrus"
)

var discardLogger = newDiscardLogger()

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// LoggerOrDiscard returns l, or a shared logger that drops every entry when l
// is nil.
func LoggerOrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	return discardLogger
}
