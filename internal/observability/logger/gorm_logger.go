package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger routes gorm statements through zap with context fields attached.
type GormLogger struct {
	base          *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewGormLogger logs warnings and slow queries by default; debug mode logs every statement.
func NewGormLogger(base *zap.Logger, debug bool) *GormLogger {
	if base == nil {
		base = zap.NewNop()
	}
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	return &GormLogger{
		base:          base.Named("sql"),
		level:         level,
		slowThreshold: 200 * time.Millisecond,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		WithContext(ctx, l.base).Info(msg, zap.Any("data", data))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		WithContext(ctx, l.base).Warn(msg, zap.Any("data", data))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		WithContext(ctx, l.base).Error(msg, zap.Any("data", data))
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	notFound := errors.Is(err, gormlogger.ErrRecordNotFound)
	switch {
	case err != nil && !notFound && l.level >= gormlogger.Error:
		sql, rows := fc()
		WithContext(ctx, l.base).Error("sql.query", queryFields(sql, rows, elapsed, err)...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		WithContext(ctx, l.base).Warn("sql.slow_query", queryFields(sql, rows, elapsed, nil)...)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		WithContext(ctx, l.base).Debug("sql.query", queryFields(sql, rows, elapsed, nil)...)
	}
}

// ParamsFilter drops bound values; balances and user ids stay out of the logs.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func queryFields(sql string, rows int64, elapsed time.Duration, err error) []zap.Field {
	fields := []zap.Field{
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", statementKind(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	return fields
}

func statementKind(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return token
		}
	}
	return "UNKNOWN"
}

var _ gormlogger.Interface = (*GormLogger)(nil)
