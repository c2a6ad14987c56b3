package storage

import (
	"context"
	"time"

	"gorm.io/gorm/logger"

	ilog "bassethound/internal/logger"
)

// GormLogger routes GORM output through the shared Logger.
type GormLogger struct {
	ilog.Logger
	LogLevel logger.LogLevel
}

func NewGormLogger(l ilog.Logger) *GormLogger {
	return &GormLogger{Logger: l, LogLevel: logger.Warn}
}

func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	out := *l
	out.LogLevel = level
	return &out
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.Logger.Info(msg, "data", data)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.Logger.Warn(msg, "data", data)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.Logger.Error(msg, "data", data)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{"sql", sql, "rows", rows, "timeMs", float64(elapsed.Nanoseconds()) / 1e6}
	switch {
	case err != nil && l.LogLevel >= logger.Error:
		l.Logger.Error("sql failed", append(fields, "error", err)...)
	case elapsed > time.Second && l.LogLevel >= logger.Warn:
		l.Logger.Warn("slow sql", fields...)
	case l.LogLevel >= logger.Info:
		l.Logger.Debug("sql", fields...)
	}
}
