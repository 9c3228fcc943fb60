// Package logging wraps zap behind the small key-value interface used across
// the services.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)

	Debugf(template string, args ...any)
	Infof(template string, args ...any)
	Warnf(template string, args ...any)
	Errorf(template string, args ...any)

	With(tags ...any) Logger
}

type Environment string

const (
	Development Environment = "development" // console encoding, debug and above
	Production  Environment = "production"  // json encoding, info and above
)

type ZapLogger struct {
	logger *zap.Logger
}

var _ Logger = (*ZapLogger)(nil)

// New builds a logger for env. level overrides the environment's default
// level when set ("debug", "info", "warn", "error").
func New(env Environment, level string) (Logger, error) {
	var cfg zap.Config
	switch env {
	case Production:
		cfg = zap.NewProductionConfig()
	case Development, "":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("logging: unknown environment %q", env)
	}
	if level = strings.TrimSpace(level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("logging: parse level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return NewZapLoggerByConfig(cfg, zap.AddCallerSkip(1))
}

// NewZapLoggerByConfig builds a logger from an explicit zap config.
func NewZapLoggerByConfig(cfg zap.Config, options ...zap.Option) (Logger, error) {
	logger, err := cfg.Build(options...)
	if err != nil {
		return nil, fmt.Errorf("logging: build zap logger: %w", err)
	}
	return &ZapLogger{logger: logger}, nil
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(logger *zap.Logger) Logger {
	return &ZapLogger{logger: logger}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &ZapLogger{logger: zap.NewNop()}
}

func (z *ZapLogger) Debug(msg string, tags ...any) { z.logger.Sugar().Debugw(msg, tags...) }
func (z *ZapLogger) Info(msg string, tags ...any)  { z.logger.Sugar().Infow(msg, tags...) }
func (z *ZapLogger) Warn(msg string, tags ...any)  { z.logger.Sugar().Warnw(msg, tags...) }
func (z *ZapLogger) Error(msg string, tags ...any) { z.logger.Sugar().Errorw(msg, tags...) }

func (z *ZapLogger) Debugf(template string, args ...any) { z.logger.Sugar().Debugf(template, args...) }
func (z *ZapLogger) Infof(template string, args ...any)  { z.logger.Sugar().Infof(template, args...) }
func (z *ZapLogger) Warnf(template string, args ...any)  { z.logger.Sugar().Warnf(template, args...) }
func (z *ZapLogger) Errorf(template string, args ...any) { z.logger.Sugar().Errorf(template, args...) }

func (z *ZapLogger) With(tags ...any) Logger {
	return &ZapLogger{logger: z.logger.Sugar().With(tags...).Desugar()}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}
