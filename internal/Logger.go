package internal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	Info LogLevel = iota
	Warning
	Error
	Debug
)

func (l LogLevel) String() string {
	switch l {
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// LogStruct represents a log entry with a level and message
type LogStruct struct {
	LogLevel LogLevel
	Message  string
}

// LogHandlerFunc defines the function signature for log handlers
type LogHandlerFunc func(sender interface{}, log LogStruct)

// LogHandler is the global event handler for logs. Nil discards everything.
var LogHandler LogHandlerFunc

func pushLog(sender interface{}, level LogLevel, message string) {
	if LogHandler != nil {
		LogHandler(sender, LogStruct{LogLevel: level, Message: message})
	}
}

// PushLogDebug sends a debug log message
func PushLogDebug(sender interface{}, message string) { pushLog(sender, Debug, message) }

// PushLogInfo sends an info log message
func PushLogInfo(sender interface{}, message string) { pushLog(sender, Info, message) }

// PushLogWarning sends a warning log message
func PushLogWarning(sender interface{}, message string) { pushLog(sender, Warning, message) }

// PushLogError sends an error log message
func PushLogError(sender interface{}, message string) { pushLog(sender, Error, message) }

// NewZapLogger builds a JSON zap logger writing to w (stderr when nil).
// level is one of debug, info, warn, error.
func NewZapLogger(level string, w io.Writer) (*zap.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zl,
	)
	return zap.New(core), nil
}

// ZapLogHandler adapts a zap logger into a LogHandlerFunc.
// Entries are tagged with the sender's type as "component".
func ZapLogHandler(logger *zap.Logger) LogHandlerFunc {
	return func(sender interface{}, log LogStruct) {
		fields := []zap.Field{zap.String("component", componentName(sender))}
		switch log.LogLevel {
		case Debug:
			logger.Debug(log.Message, fields...)
		case Warning:
			logger.Warn(log.Message, fields...)
		case Error:
			logger.Error(log.Message, fields...)
		default:
			logger.Info(log.Message, fields...)
		}
	}
}

func componentName(sender interface{}) string {
	if sender == nil {
		return "patcher"
	}
	name := fmt.Sprintf("%T", sender)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
