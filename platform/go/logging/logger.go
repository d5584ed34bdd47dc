package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats understood by NewLogger.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects severity, encoding and destination for a process logger.
type Config struct {
	// Component is attached to every entry (e.g., "identity-api", "sata-cli", "sata-mailer").
	Component string
	// Level controls the minimum severity ("debug", "info", "warn", "error"). Defaults to info.
	Level string
	// Format is FormatJSON (default, Cloud Logging field names) or FormatConsole for operators at a terminal.
	Format string
	// Version, when set, is attached as service_version.
	Version string
	// Output defaults to stdout.
	Output io.Writer
}

// NewLogger builds the process logger. JSON entries carry Cloud Logging severity names so the API and the
// mail worker can be shipped without a log processor.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if cfg.Output != nil {
		out = cfg.Output
	}

	logger := zap.New(zapcore.NewCore(encoder, zapcore.AddSync(out), level), zap.AddCaller())

	var fields []zap.Field
	if cfg.Component != "" {
		fields = append(fields, zap.String("component", cfg.Component))
	}
	if cfg.Version != "" {
		fields = append(fields, zap.String("service_version", cfg.Version))
	}
	return logger.With(fields...), nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "severity",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
			EncodeLevel:    severityEncoder,
		}), nil
	case FormatConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("log format %q: want %q or %q", format, FormatJSON, FormatConsole)
	}
}

var cloudSeverity = map[zapcore.Level]string{
	zapcore.DebugLevel:  "DEBUG",
	zapcore.InfoLevel:   "INFO",
	zapcore.WarnLevel:   "WARNING",
	zapcore.ErrorLevel:  "ERROR",
	zapcore.DPanicLevel: "ALERT",
	zapcore.PanicLevel:  "ALERT",
	zapcore.FatalLevel:  "CRITICAL",
}

func severityEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if s, ok := cloudSeverity[l]; ok {
		enc.AppendString(s)
		return
	}
	enc.AppendString(strings.ToUpper(l.String()))
}
