package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormLogger forwards gorm's logging to zap
type gormLogger struct {
	log   *zap.SugaredLogger
	level logger.LogLevel
	slow  time.Duration
}

func newGormLogger(log *zap.SugaredLogger, slow time.Duration, verbose bool) logger.Interface {
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}
	level := logger.Warn
	if verbose {
		level = logger.Info
	}
	return &gormLogger{log: log.Named("gorm"), level: level, slow: slow}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{log: l.log, level: level, slow: l.slow}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		l.log.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		l.log.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		l.log.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		// CAS misses and constraint checks are reported by callers; keep
		// the driver error at debug to avoid double logging.
		l.log.Debugw("gorm query error", "error", err, "duration", elapsed, "sql", sql, "rows", rows)
	case elapsed > l.slow && l.level >= logger.Warn:
		sql, rows := fc()
		l.log.Warnw("slow query", "duration", elapsed, "sql", sql, "rows", rows)
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log.Debugw("gorm query", "duration", elapsed, "sql", sql, "rows", rows)
	}
}
