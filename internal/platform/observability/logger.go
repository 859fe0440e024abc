package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/popups/internal/platform/requestctx"
)

const (
	defaultLogLevel = "info"
	formatConsole   = "console"
)

// LoggerOptions controls the process logger.
type LoggerOptions struct {
	// Service is attached to every entry as serviceContext.service for Error Reporting.
	Service string
	Version string
	Level   string
	// Format selects "json" (default) or "console" for local development.
	Format  string
	Outputs []string
}

// NewLogger constructs a zap logger emitting Cloud Logging compatible JSON. LOG_LEVEL and LOG_FORMAT
// override the level and encoding.
func NewLogger(service, version string) (*zap.Logger, error) {
	return newLogger(LoggerOptions{
		Service: service,
		Version: version,
		Level:   os.Getenv("LOG_LEVEL"),
		Format:  os.Getenv("LOG_FORMAT"),
		Outputs: []string{"stdout"},
	})
}

func newLogger(opts LoggerOptions) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	rawLevel := strings.ToLower(strings.TrimSpace(opts.Level))
	if rawLevel == "" || level.UnmarshalText([]byte(rawLevel)) != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}
	outputs := opts.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		NameKey:    "logger",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
		CallerKey:      "caller",
		EncodeCaller:   zapcore.ShortCallerEncoder,
		StacktraceKey:  "stacktrace",
	}
	encoding := "json"
	if strings.EqualFold(strings.TrimSpace(opts.Format), formatConsole) {
		encoding = formatConsole
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	if opts.Service != "" && encoding == "json" {
		service := map[string]any{"service": opts.Service}
		if opts.Version != "" {
			service["version"] = opts.Version
		}
		cfg.InitialFields = map[string]any{"serviceContext": service}
	}
	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// WithRequestFields augments the logger with request-scoped fields.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}
