// Package logger wraps zap with the fields this server attaches to almost
// every log line: workspace root, task id, agent id, connection id.
package logger

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls construction of the process-wide logger.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "json" | "console" | "auto"
	OutputFile string `mapstructure:"output_file"`
	Stdout     bool   `mapstructure:"stdout"`
}

// Logger wraps *zap.Logger with fluent field helpers used across components.
type Logger struct {
	z *zap.Logger
}

type ctxKey struct{}

// Default builds a reasonable logger for tests and tools that don't load a
// full Config (console format, info level, stdout).
func Default() *Logger {
	l, err := New(Config{Level: "info", Format: "console", Stdout: true})
	if err != nil {
		// zap's own fallback never fails on these defaults.
		panic(err)
	}
	return l
}

// New builds a Logger from Config, auto-detecting the encoding when Format
// is empty or "auto": JSON inside a container (KUBERNETES_SERVICE_HOST set
// or AGENTFORGE_ENV=production), console otherwise.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := cfg.Format
	if format == "" || format == "auto" {
		format = detectLogFormat()
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var writers []zapcore.WriteSyncer
	if cfg.Stdout || cfg.OutputFile == "" {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		writers = append(writers, zapcore.AddSync(f))
	}
	if len(writers) == 0 {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)
	return &Logger{z: zap.New(core, zap.AddCaller())}, nil
}

func detectLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if strings.EqualFold(os.Getenv("AGENTFORGE_ENV"), "production") {
		return "json"
	}
	return "console"
}

// WithFields returns a child logger with the given structured fields attached.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// WithError attaches an error field, or returns the receiver unchanged if
// err is nil so callers can unconditionally chain it.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{z: l.z.With(zap.Error(err))}
}

// WithTaskID attaches the taskID field used throughout C11/C12 logging.
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.WithFields(zap.String("task_id", taskID))
}

// WithAgentID attaches the agentID field used throughout C4/C5 logging.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return l.WithFields(zap.String("agent_id", agentID))
}

// WithWorkspace attaches the canonical workspace root, the identity basis
// for C2/C14 routing.
func (l *Logger) WithWorkspace(root string) *Logger {
	return l.WithFields(zap.String("workspace_root", root))
}

// WithContext pulls a logger stashed in ctx (via ContextWith), falling back
// to the receiver if none is present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if v, ok := ctx.Value(ctxKey{}).(*Logger); ok && v != nil {
		return v
	}
	return l
}

// ContextWith stashes a logger in ctx for later retrieval via WithContext.
func ContextWith(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries; call on shutdown.
func (l *Logger) Sync() error { return l.z.Sync() }

// Raw exposes the underlying *zap.Logger for libraries that want it directly
// (e.g. gin middleware, otel hooks).
func (l *Logger) Raw() *zap.Logger { return l.z }
