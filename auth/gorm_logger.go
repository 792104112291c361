package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/YuminosukeSato/respirex/pkg/errors"
	"github.com/YuminosukeSato/respirex/pkg/log"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormLogger forwards gorm's messages to the structured logger.
type gormLogger struct {
	logger log.Logger
	level  gormlogger.LogLevel
}

func newGormLogger(logger log.Logger) gormlogger.Interface {
	return &gormLogger{logger: logger, level: gormlogger.Warn}
}

func (g *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLogger{logger: g.logger, level: level}
}

func (g *gormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Info {
		g.logger.Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Warn {
		g.logger.Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Error {
		g.logger.Error(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	// not-found and unique violations are handled by the store
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, gorm.ErrDuplicatedKey) && g.level >= gormlogger.Error:
		sql, rows := fc()
		g.logger.Error("Query failed", err, "sql", sql, "rows", rows, log.DurationMsKey, elapsed.Milliseconds())
	case elapsed > slowQueryThreshold && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.logger.Warn("Slow query", "sql", sql, "rows", rows, log.DurationMsKey, elapsed.Milliseconds())
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.logger.Debug("Query", "sql", sql, "rows", rows, log.DurationMsKey, elapsed.Milliseconds())
	}
}
