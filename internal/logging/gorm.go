package logging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger routes GORM diagnostics through zap. Statements are logged at
// debug level, slow statements and query errors at warn level.
type GormLogger struct {
	logger        *zap.Logger
	slowThreshold time.Duration
}

// NewGormLogger wraps the provided zap logger. A zero slowThreshold disables slow query warnings.
func NewGormLogger(logger *zap.Logger, slowThreshold time.Duration) *GormLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormLogger{
		logger:        logger.Named("gorm"),
		slowThreshold: slowThreshold,
	}
}

// LogMode is a no-op; verbosity follows the zap level.
func (l *GormLogger) LogMode(_ gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *GormLogger) Info(_ context.Context, msg string, data ...any) {
	l.logger.Debug(fmt.Sprintf(msg, data...))
}

func (l *GormLogger) Warn(_ context.Context, msg string, data ...any) {
	l.logger.Warn(fmt.Sprintf(msg, data...))
}

func (l *GormLogger) Error(_ context.Context, msg string, data ...any) {
	l.logger.Error(fmt.Sprintf(msg, data...))
}

func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	statement, rows := fc()

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.logger.Warn("query error",
			zap.String("sql", statement),
			zap.Int64("rows_affected", rows),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		l.logger.Warn("slow query",
			zap.String("sql", statement),
			zap.Int64("rows_affected", rows),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", l.slowThreshold))
	default:
		if ce := l.logger.Check(zap.DebugLevel, "sql query"); ce != nil {
			ce.Write(
				zap.String("sql", statement),
				zap.Int64("rows_affected", rows),
				zap.Duration("elapsed", elapsed))
		}
	}
}
