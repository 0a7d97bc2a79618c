package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Mesh log levels, most verbose first. The values deliberately reuse zap's
// numeric range so a zap.AtomicLevel can gate them: warn and error line up
// with zap's own, edge/debug/info/prompt occupy the slots below.
const (
	LevelEdge   zapcore.Level = -3
	LevelDebug  zapcore.Level = -2
	LevelInfo   zapcore.Level = -1
	LevelPrompt zapcore.Level = 0
	LevelWarn   zapcore.Level = 1
	LevelError  zapcore.Level = 2
)

var levelNames = map[zapcore.Level]string{
	LevelEdge:   "edge",
	LevelDebug:  "debug",
	LevelInfo:   "info",
	LevelPrompt: "prompt",
	LevelWarn:   "warn",
	LevelError:  "error",
}

// ParseLevel maps a LOG_LEVEL string to a level. There is no default: an
// empty or unknown value is a configuration error.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "edge":
		return LevelEdge, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "prompt":
		return LevelPrompt, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "":
		return 0, fmt.Errorf("LOG_LEVEL is required")
	default:
		return 0, fmt.Errorf("unknown log level %q (want edge|debug|info|prompt|warn|error)", s)
	}
}

// encodeLevel renders mesh level names; anything outside the ladder (panic,
// fatal) falls back to zap's lowercase name.
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if name, ok := levelNames[l]; ok {
		enc.AppendString(name)
		return
	}
	enc.AppendString(l.String())
}
