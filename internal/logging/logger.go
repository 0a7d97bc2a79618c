// Package logging provides the mesh structured logger: zap underneath, with
// the six-level ladder edge < debug < info < prompt < warn < error. EDGE is
// the ingress channel; exactly one edge line is emitted per routed request.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a Logger. Level is required; Format defaults to json.
type Options struct {
	Level  string
	Format string // "json" or "console"

	// Optional rotating file sink, written in addition to stdout.
	FilePath       string
	FileMaxSizeMB  int
	FileMaxBackups int
	FileMaxAgeDays int
	FileCompress   bool
}

// Logger wraps zap with the mesh level ladder. The zap methods are not
// embedded on purpose: zap's Info sits at a different numeric level than
// ours, so all emission goes through Log with explicit mesh levels.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger from options. The level string is mandatory.
func New(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = encodeLevel

	var enc zapcore.Encoder
	if opts.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	atom := zap.NewAtomicLevelAt(lvl)
	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atom),
	}
	if opts.FilePath != "" {
		sink := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.FileMaxSizeMB,
			MaxBackups: opts.FileMaxBackups,
			MaxAge:     opts.FileMaxAgeDays,
			Compress:   opts.FileCompress,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(sink), atom))
	}

	z := zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddCallerSkip(1), // Skip one level to account for our wrapper functions
		zap.AddStacktrace(zapcore.FatalLevel+1), // stacks never reach the wire or the log
	)
	return &Logger{z: z}, nil
}

// Edge emits one ingress line. Used only at the edge of a request.
func (l *Logger) Edge(msg string, fields ...zap.Field) { l.z.Log(LevelEdge, msg, fields...) }

// Debug emits at debug, carrying caller origin (file:line).
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Log(LevelDebug, msg, fields...) }

// Info emits at info.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.z.Log(LevelInfo, msg, fields...) }

// Prompt emits at prompt, the operator-attention channel between info and warn.
func (l *Logger) Prompt(msg string, fields ...zap.Field) { l.z.Log(LevelPrompt, msg, fields...) }

// Warn emits at warn.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.z.Log(LevelWarn, msg, fields...) }

// Error emits at error.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Log(LevelError, msg, fields...) }

// With returns a child logger with bound fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// Named returns a child logger with a name segment appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

func init() {
	// Default until SetGlobal is called at boot; tests and early init paths
	// log through this.
	z, _ := zap.NewProduction()
	globalLogger = &Logger{z: z}
}

// Global returns the global logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Edge logs one ingress line using the global logger.
func Edge(msg string, fields ...zap.Field) { Global().Edge(msg, fields...) }

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) { Global().Debug(msg, fields...) }

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) { Global().Info(msg, fields...) }

// Prompt logs at prompt level using the global logger.
func Prompt(msg string, fields ...zap.Field) { Global().Prompt(msg, fields...) }

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) { Global().Warn(msg, fields...) }

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) { Global().Error(msg, fields...) }

// With creates a child of the global logger with additional fields.
func With(fields ...zap.Field) *Logger { return Global().With(fields...) }

// Sync flushes any buffered log entries on the global logger.
func Sync() { Global().Sync() }
