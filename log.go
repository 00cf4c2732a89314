package revent

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the diagnostic logging interface used internally by revent.
// Nothing on the data path is required to log (spec.md treats logging as
// out of scope for the reactor's contract); Logger only carries internal
// diagnostics -- currently a warning when a timer fails to re-arm -- the
// way trpc.group/trpc-go/tnet's log package does for its own poller.
//
// Swap the default with SetLogger; pass nil to silence diagnostics
// entirely.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var defaultLogger Logger = zap.New(
	zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		zap.NewAtomicLevelAt(zapcore.WarnLevel),
	),
	zap.AddCaller(),
	zap.AddCallerSkip(1),
).Sugar()

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.SecondsDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// log is the package-level logger consulted by EventLoop when re-arming a
// timer fails.
var log Logger = defaultLogger

// SetLogger replaces the package-level diagnostic logger. Passing nil
// discards all diagnostic output.
func SetLogger(l Logger) {
	if l == nil {
		log = noopLogger{}
		return
	}
	log = l
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}
