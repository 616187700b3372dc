package logger

import (
	"github.com/teranos/jobsvc/sym"
	"go.uber.org/zap"
)

// Symbol-aware logger wrappers.
// The symbol is attached as a structured field, never in the message, so logs
// stay queryable by subsystem.
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)
//	t.pulseLog.Infow("Timer armed", "job_id", id)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddLeaderSymbol wraps a logger with the Leader symbol (♛)
func AddLeaderSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Leader)
}

// AddDispatchSymbol wraps a logger with the Dispatch symbol (➶)
func AddDispatchSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Dispatch)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}
