package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// StructuredLogger extends Logger with field-based context; the zap backend stays hidden
type StructuredLogger interface {
	Logger

	LogWithFields(level int, msg string, fields ...LogField)
	WithFields(fields ...LogField) StructuredLogger
	WithError(err error) StructuredLogger
	WithServer(serverID string) StructuredLogger
	Sync() error
}

// ZapConfig configures the zap backend
type ZapConfig struct {
	Level      string         `mapstructure:"level" yaml:"level"`   // "debug", "info", "warn", "error"
	Format     string         `mapstructure:"format" yaml:"format"` // "json", "console"
	Output     string         `mapstructure:"output" yaml:"output"` // "stdout", "stderr", "file"
	Caller     bool           `mapstructure:"caller" yaml:"caller"`
	Stacktrace bool           `mapstructure:"stacktrace" yaml:"stacktrace"`
	File       FileSinkConfig `mapstructure:"file" yaml:"file"`
}

// FileSinkConfig describes the rotating file used when Output is "file"
type FileSinkConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		Caller:     false,
		Stacktrace: true,
		File: FileSinkConfig{
			Path:       "logs/hsu-fleet.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// ZapAdapter implements StructuredLogger on top of zap
type ZapAdapter struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

func NewZapAdapter(config ZapConfig) (*ZapAdapter, error) {
	zapLogger, err := createZapLogger(config)
	if err != nil {
		return nil, err
	}
	return newZapAdapter(zapLogger), nil
}

// NewZapAdapterFromLogger wraps an existing zap logger, e.g. zaptest or zap.NewNop in tests
func NewZapAdapterFromLogger(zapLogger *zap.Logger) *ZapAdapter {
	return newZapAdapter(zapLogger)
}

func newZapAdapter(zapLogger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{
		logger: zapLogger,
		sugar:  zapLogger.Sugar(),
	}
}

func (z *ZapAdapter) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case LogLevelDebug:
		z.sugar.Debugf(format, args...)
	case LogLevelWarn:
		z.sugar.Warnf(format, args...)
	case LogLevelError:
		z.sugar.Errorf(format, args...)
	default:
		z.sugar.Infof(format, args...)
	}
}

func (z *ZapAdapter) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}

func (z *ZapAdapter) Infof(format string, args ...interface{}) {
	z.sugar.Infof(format, args...)
}

func (z *ZapAdapter) Warnf(format string, args ...interface{}) {
	z.sugar.Warnf(format, args...)
}

func (z *ZapAdapter) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}

func (z *ZapAdapter) LogWithFields(level int, msg string, fields ...LogField) {
	zapFields := convertFields(fields)
	switch level {
	case LogLevelDebug:
		z.logger.Debug(msg, zapFields...)
	case LogLevelWarn:
		z.logger.Warn(msg, zapFields...)
	case LogLevelError:
		z.logger.Error(msg, zapFields...)
	default:
		z.logger.Info(msg, zapFields...)
	}
}

func (z *ZapAdapter) WithFields(fields ...LogField) StructuredLogger {
	return newZapAdapter(z.logger.With(convertFields(fields)...))
}

func (z *ZapAdapter) WithError(err error) StructuredLogger {
	return z.WithFields(Error(err))
}

func (z *ZapAdapter) WithServer(serverID string) StructuredLogger {
	return z.WithFields(Server(serverID))
}

func (z *ZapAdapter) Sync() error {
	return z.logger.Sync()
}

// LogFuncs exposes the adapter as LogFuncs so it can back NewLogger and the hsu-core loggers
func (z *ZapAdapter) LogFuncs() LogFuncs {
	return LogFuncs{
		Debugf: z.Debugf,
		Infof:  z.Infof,
		Warnf:  z.Warnf,
		Errorf: z.Errorf,
	}
}

func convertFields(fields []LogField) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, field := range fields {
		zapFields[i] = convertField(field)
	}
	return zapFields
}

func convertField(field LogField) zap.Field {
	switch field.Type {
	case StringField:
		if v, ok := field.Value.(string); ok {
			return zap.String(field.Key, v)
		}
	case IntField:
		if v, ok := field.Value.(int); ok {
			return zap.Int(field.Key, v)
		}
	case Int64Field:
		if v, ok := field.Value.(int64); ok {
			return zap.Int64(field.Key, v)
		}
	case Float64Field:
		if v, ok := field.Value.(float64); ok {
			return zap.Float64(field.Key, v)
		}
	case BoolField:
		if v, ok := field.Value.(bool); ok {
			return zap.Bool(field.Key, v)
		}
	case DurationField:
		if v, ok := field.Value.(time.Duration); ok {
			return zap.Duration(field.Key, v)
		}
	case TimeField:
		if v, ok := field.Value.(time.Time); ok {
			return zap.Time(field.Key, v)
		}
	case ErrorField:
		if err, ok := field.Value.(error); ok {
			return zap.NamedError(field.Key, err)
		}
		return zap.String(field.Key, "invalid error field")
	}
	return zap.Any(field.Key, field.Value)
}

func createZapLogger(config ZapConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stderr":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	case "file":
		// lumberjack serialises its own writes
		writeSyncer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		})
	default:
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(core, opts...), nil
}
