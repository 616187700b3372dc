package async

import (
	"go.uber.org/zap"

	"github.com/teranos/jobsvc/sym"
)

// pulseLogger adds lifecycle verbs to the pool's logger.
// Starting logs at DEBUG with the opening symbol, Closing at WARN with the
// closing symbol, so startup and shutdown stand out in console output.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}
