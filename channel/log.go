package channel

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface used throughout the channel package, wrapping a zap sugared logger
// the way drand's common/log package wraps one (the closest ambient-logging precedent in the retrieval pack).
type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Warn(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})
	With(keyvals ...interface{}) Logger
	Named(name string) Logger
}

type zapLogger struct {
	*zap.SugaredLogger
}

func (l *zapLogger) Debug(msg string, keyvals ...interface{}) { l.SugaredLogger.Debugw(msg, keyvals...) }
func (l *zapLogger) Info(msg string, keyvals ...interface{})  { l.SugaredLogger.Infow(msg, keyvals...) }
func (l *zapLogger) Warn(msg string, keyvals ...interface{})  { l.SugaredLogger.Warnw(msg, keyvals...) }
func (l *zapLogger) Error(msg string, keyvals ...interface{}) { l.SugaredLogger.Errorw(msg, keyvals...) }

func (l *zapLogger) With(keyvals ...interface{}) Logger {
	return &zapLogger{l.SugaredLogger.With(keyvals...)}
}

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{l.SugaredLogger.Named(name)}
}

// NewLogger returns a console-encoded, info-level zap [Logger] writing to os.Stderr.
func NewLogger() Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), zapcore.InfoLevel)
	return &zapLogger{zap.New(core).Sugar()}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (l nopLogger) With(...interface{}) Logger { return l }
func (l nopLogger) Named(string) Logger        { return l }

// NopLogger returns a [Logger] that discards everything, used as the zero-value default for Users and transports
// constructed without an explicit logger.
func NopLogger() Logger { return nopLogger{} }
