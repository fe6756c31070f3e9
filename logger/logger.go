package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// Initialize with a safe no-op logger at package load time
	// This prevents nil pointer panics if logger is used before Initialize() is called
	Logger = zap.NewNop().Sugar()
}

// Options controls how the global logger is built.
type Options struct {
	// JSON selects structured JSON output for machine consumption
	JSON bool
	// Level is the minimum enabled level
	Level zapcore.Level
	// Output defaults to stdout
	Output zapcore.WriteSyncer
	// Redactor defaults to NewRedactor()
	Redactor *Redactor
}

// Initialize sets up the global logger. Every core built here is wrapped by the
// redacting core, so secrets are masked regardless of which component logs them.
func Initialize(opts Options) error {
	JSONOutput = opts.JSON
	Logger = New(opts).Sugar()
	return nil
}

// New builds a redacting zap logger without touching the global instance.
func New(opts Options) *zap.Logger {
	out := opts.Output
	if out == nil {
		out = zapcore.Lock(os.Stdout)
	}
	redactor := opts.Redactor
	if redactor == nil {
		redactor = NewRedactor()
	}

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, out, zap.NewAtomicLevelAt(opts.Level))
	return zap.New(NewRedactingCore(core, redactor), zap.AddCaller())
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
