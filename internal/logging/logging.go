// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	File   string // optional path for an append-only copy of the log stream
}

// New creates a new configured zap logger. When cfg.File is set the log
// stream is written both to stdout and to the file.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "console"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stdout"}
	if cfg.File != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.File)
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("service", "snowstream"))

	return logger, nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("SNOWSTREAM_LOG_LEVEL", "info"),
		Format: getenv("SNOWSTREAM_LOG_FORMAT", "console"),
		File:   os.Getenv("SNOWSTREAM_LOG_FILE"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Host returns a zap field for a host name.
func Host(host string) zap.Field { return zap.String("host", host) }

// Channel returns a zap field for a channel name.
func Channel(name string) zap.Field { return zap.String("channel", name) }

// Pipe returns a zap field for a fully qualified pipe name.
func Pipe(db, schema, pipe string) zap.Field {
	return zap.String("pipe", db+"."+schema+"."+pipe)
}

// Offset returns a zap field for an offset token value.
func Offset(offset int64) zap.Field { return zap.Int64("offset", offset) }

// Batch returns a zap field for a batch number.
func Batch(n int64) zap.Field { return zap.Int64("batch", n) }

// Rows returns a zap field for a row count.
func Rows(n int) zap.Field { return zap.Int("rows", n) }

// Bytes returns a zap field for a byte count.
func Bytes(n int) zap.Field { return zap.Int("bytes", n) }

// Status returns a zap field for an HTTP status code.
func Status(code int) zap.Field { return zap.Int("status", code) }
